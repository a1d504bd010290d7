// Package models resolves user-supplied model strings into ordered
// (provider, model) candidates.
//
// Invariants:
// - "provider/model" with a known provider yields exactly one explicit candidate;
//   the remainder after the first separator is the model id, separators included.
// - A short name yields every provider that serves it, in preference order,
//   deduplicated and marked non-explicit.
// - Explicit selections never have alternative providers.
//
// Usage:
//
//	resolver := models.NewResolver(models.ResolverConfig{Catalog: models.DefaultCatalog()})
//	candidates, err := resolver.Resolve("glm-5-free")
//	if err != nil {
//		return err
//	}
//	first, _ := candidates.Next()
//	_ = first.UpstreamModelID
package models

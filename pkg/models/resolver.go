package models

import (
	"strings"

	"github.com/harun/relay/pkg/failure"
	"github.com/rs/zerolog"
)

// DefaultPreference orders providers when a short name matches several.
var DefaultPreference = []string{"opencode", "kilo", "anthropic", "openai", "google", "openrouter", "groq"}

// Descriptor is one resolved (provider, model) candidate.
type Descriptor struct {
	ProviderID string `json:"providerID"`
	// ModelID is the friendly id used for display and logging.
	ModelID string `json:"modelID"`
	// UpstreamModelID is the id sent to the provider API.
	UpstreamModelID string `json:"upstreamModelID"`
	// WasExplicit is set when the user pinned the provider; it disables fallback.
	WasExplicit bool `json:"wasExplicit"`
}

func (d Descriptor) String() string {
	return d.ProviderID + "/" + d.ModelID
}

// Candidates is an ordered, deduplicated list of descriptors consumed once.
type Candidates struct {
	items []Descriptor
	next  int
}

func newCandidates(items []Descriptor) *Candidates {
	seen := make(map[string]bool, len(items))
	out := make([]Descriptor, 0, len(items))
	for _, d := range items {
		key := d.ProviderID + "\x00" + d.UpstreamModelID
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return &Candidates{items: out}
}

// Next pops the next candidate.
func (c *Candidates) Next() (Descriptor, bool) {
	if c.next >= len(c.items) {
		return Descriptor{}, false
	}
	d := c.items[c.next]
	c.next++
	return d, true
}

// Len returns the total number of candidates, consumed or not.
func (c *Candidates) Len() int { return len(c.items) }

// Remaining returns the number of candidates not yet popped.
func (c *Candidates) Remaining() int { return len(c.items) - c.next }

// All returns a copy of every candidate in order.
func (c *Candidates) All() []Descriptor {
	out := make([]Descriptor, len(c.items))
	copy(out, c.items)
	return out
}

// ResolverConfig holds configuration for the resolver.
type ResolverConfig struct {
	Catalog    Catalog
	Preference []string
	Logger     zerolog.Logger
}

// Resolver maps model strings to candidates using a Catalog.
type Resolver struct {
	catalog    Catalog
	preference []string
	logger     zerolog.Logger
}

// NewResolver creates a resolver. An empty preference uses DefaultPreference.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if len(cfg.Preference) == 0 {
		cfg.Preference = DefaultPreference
	}
	return &Resolver{
		catalog:    cfg.Catalog,
		preference: cfg.Preference,
		logger:     cfg.Logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve maps input to candidates. It fails with failure.KindModelNotFound
// when nothing matches.
func (r *Resolver) Resolve(input string) (*Candidates, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, failure.New(failure.KindModelNotFound, "model name cannot be empty")
	}

	if providerID, modelID, ok := strings.Cut(input, "/"); ok {
		if provider, known := r.catalog.Provider(providerID); known {
			return r.resolveExplicit(provider, modelID, input)
		}
	}

	matches := r.lookup(input)
	if len(matches) == 0 {
		return nil, failure.New(failure.KindModelNotFound, "model %q not found in any provider", input)
	}

	r.logger.Debug().
		Str("input", input).
		Int("candidates", len(matches)).
		Str("first", matches[0].String()).
		Msg("Model resolved")

	return newCandidates(matches), nil
}

func (r *Resolver) resolveExplicit(provider ProviderInfo, modelID, input string) (*Candidates, error) {
	if modelID == "" {
		return nil, failure.New(failure.KindModelNotFound, "model %q has no model id after provider", input)
	}

	d := Descriptor{
		ProviderID:      provider.ID,
		ModelID:         modelID,
		UpstreamModelID: modelID,
		WasExplicit:     true,
	}
	if m, ok := provider.Model(modelID); ok {
		d.ModelID = m.ID
		d.UpstreamModelID = m.UpstreamID()
	} else {
		// Gateways serve more models than any catalog lists; pass the id through.
		r.logger.Debug().
			Str("provider", provider.ID).
			Str("model", modelID).
			Msg("Model not in catalog, using id as given")
	}

	return newCandidates([]Descriptor{d}), nil
}

// lookup finds every provider serving name, in preference order.
func (r *Resolver) lookup(name string) []Descriptor {
	var out []Descriptor
	for _, p := range r.orderedProviders() {
		m, ok := p.Model(name)
		if !ok {
			continue
		}
		out = append(out, Descriptor{
			ProviderID:      p.ID,
			ModelID:         m.ID,
			UpstreamModelID: m.UpstreamID(),
		})
	}
	return out
}

// orderedProviders lists preferred providers first, then the rest by id.
func (r *Resolver) orderedProviders() []ProviderInfo {
	all := r.catalog.Providers()
	rank := make(map[string]int, len(r.preference))
	for i, id := range r.preference {
		rank[id] = i
	}

	ordered := make([]ProviderInfo, 0, len(all))
	for _, id := range r.preference {
		if p, ok := r.catalog.Provider(id); ok {
			ordered = append(ordered, p)
		}
	}
	for _, p := range all {
		if _, preferred := rank[p.ID]; !preferred {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// AlternativeProviders returns the providers other than failedProviderID
// that serve modelID, in preference order. Explicit selections have none.
func (r *Resolver) AlternativeProviders(modelID, failedProviderID string, wasExplicit bool) []string {
	if wasExplicit {
		return nil
	}

	var out []string
	for _, d := range r.lookup(modelID) {
		if d.ProviderID == failedProviderID {
			continue
		}
		out = append(out, d.ProviderID)
	}
	return out
}

// Descriptor returns the non-explicit descriptor for modelID on providerID.
func (r *Resolver) Descriptor(providerID, modelID string) (Descriptor, bool) {
	p, ok := r.catalog.Provider(providerID)
	if !ok {
		return Descriptor{}, false
	}
	m, ok := p.Model(modelID)
	if !ok {
		return Descriptor{}, false
	}
	return Descriptor{ProviderID: p.ID, ModelID: m.ID, UpstreamModelID: m.UpstreamID()}, true
}

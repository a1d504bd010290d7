package models

import (
	"testing"

	"github.com/harun/relay/pkg/failure"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver() *Resolver {
	return NewResolver(ResolverConfig{
		Catalog: DefaultCatalog(),
		Logger:  zerolog.Nop(),
	})
}

func TestResolver_ResolveExplicit(t *testing.T) {
	r := newTestResolver()

	t.Run("should produce a single explicit candidate", func(t *testing.T) {
		candidates, err := r.Resolve("kilo/glm-5-free")
		require.NoError(t, err)
		require.Equal(t, 1, candidates.Len())

		d, ok := candidates.Next()
		require.True(t, ok)
		assert.Equal(t, "kilo", d.ProviderID)
		assert.Equal(t, "glm-5-free", d.ModelID)
		assert.Equal(t, "z-ai/glm-5:free", d.UpstreamModelID)
		assert.True(t, d.WasExplicit)

		_, ok = candidates.Next()
		assert.False(t, ok)
	})

	t.Run("should rejoin the remainder as one model id", func(t *testing.T) {
		candidates, err := r.Resolve("openrouter/anthropic/claude-sonnet-4.5")
		require.NoError(t, err)

		d, _ := candidates.Next()
		assert.Equal(t, "openrouter", d.ProviderID)
		assert.Equal(t, "claude-sonnet-4-5", d.ModelID)
		assert.Equal(t, "anthropic/claude-sonnet-4.5", d.UpstreamModelID)
	})

	t.Run("should pass through models missing from the catalog", func(t *testing.T) {
		candidates, err := r.Resolve("openrouter/meta-llama/llama-4:free")
		require.NoError(t, err)

		d, _ := candidates.Next()
		assert.Equal(t, "meta-llama/llama-4:free", d.ModelID)
		assert.Equal(t, "meta-llama/llama-4:free", d.UpstreamModelID)
		assert.True(t, d.WasExplicit)
	})

	t.Run("should fail on empty model after provider", func(t *testing.T) {
		_, err := r.Resolve("kilo/")
		assert.True(t, failure.IsKind(err, failure.KindModelNotFound))
	})
}

func TestResolver_ResolveShortName(t *testing.T) {
	r := newTestResolver()

	t.Run("should order shared names by preference", func(t *testing.T) {
		candidates, err := r.Resolve("glm-5-free")
		require.NoError(t, err)

		var providers []string
		for _, d := range candidates.All() {
			providers = append(providers, d.ProviderID)
			assert.False(t, d.WasExplicit)
		}
		assert.Equal(t, []string{"opencode", "kilo", "openrouter"}, providers)
	})

	t.Run("should resolve unique names to one candidate", func(t *testing.T) {
		candidates, err := r.Resolve("claude-haiku-4-5")
		require.NoError(t, err)
		require.Equal(t, 1, candidates.Len())

		d, _ := candidates.Next()
		assert.Equal(t, "anthropic", d.ProviderID)
		assert.Equal(t, "claude-haiku-4-5-20251001", d.UpstreamModelID)
	})

	t.Run("should match upstream ids", func(t *testing.T) {
		candidates, err := r.Resolve("z-ai/glm-5:free")
		require.NoError(t, err)

		d, _ := candidates.Next()
		assert.Equal(t, "kilo", d.ProviderID)
		assert.Equal(t, "glm-5-free", d.ModelID)
		assert.False(t, d.WasExplicit)
	})

	t.Run("should fail for unknown names", func(t *testing.T) {
		_, err := r.Resolve("no-such-model")
		require.Error(t, err)
		assert.True(t, failure.IsKind(err, failure.KindModelNotFound))
	})

	t.Run("should fail for empty input", func(t *testing.T) {
		_, err := r.Resolve("   ")
		assert.True(t, failure.IsKind(err, failure.KindModelNotFound))
	})
}

func TestResolver_AlternativeProviders(t *testing.T) {
	r := newTestResolver()

	t.Run("should return nothing for explicit selections", func(t *testing.T) {
		candidates, err := r.Resolve("kilo/glm-5-free")
		require.NoError(t, err)
		d, _ := candidates.Next()

		alts := r.AlternativeProviders(d.ModelID, d.ProviderID, d.WasExplicit)
		assert.Empty(t, alts)
	})

	t.Run("should return siblings for shared short names", func(t *testing.T) {
		candidates, err := r.Resolve("glm-5-free")
		require.NoError(t, err)
		d, _ := candidates.Next()
		require.Equal(t, "opencode", d.ProviderID)

		alts := r.AlternativeProviders(d.ModelID, d.ProviderID, d.WasExplicit)
		assert.Equal(t, []string{"kilo", "openrouter"}, alts)
	})

	t.Run("should return nothing for a model unique to the failed provider", func(t *testing.T) {
		alts := r.AlternativeProviders("claude-haiku-4-5", "anthropic", false)
		assert.Empty(t, alts)
	})
}

func TestResolver_CustomPreference(t *testing.T) {
	catalog := NewStaticCatalog(
		ProviderInfo{ID: "a", Kind: KindOpenAICompatible, Models: map[string]ModelInfo{"m": {}}},
		ProviderInfo{ID: "b", Kind: KindOpenAICompatible, Models: map[string]ModelInfo{"m": {}}},
		ProviderInfo{ID: "c", Kind: KindOpenAICompatible, Models: map[string]ModelInfo{"m": {}}},
	)
	r := NewResolver(ResolverConfig{Catalog: catalog, Preference: []string{"b"}, Logger: zerolog.Nop()})

	candidates, err := r.Resolve("m")
	require.NoError(t, err)

	var providers []string
	for _, d := range candidates.All() {
		providers = append(providers, d.ProviderID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, providers)
}

func TestCandidates_Dedup(t *testing.T) {
	c := newCandidates([]Descriptor{
		{ProviderID: "kilo", ModelID: "glm-5-free", UpstreamModelID: "z-ai/glm-5:free"},
		{ProviderID: "kilo", ModelID: "z-ai/glm-5:free", UpstreamModelID: "z-ai/glm-5:free"},
		{ProviderID: "opencode", ModelID: "glm-5-free", UpstreamModelID: "glm-5-free"},
	})

	assert.Equal(t, 2, c.Len())
	_, _ = c.Next()
	assert.Equal(t, 1, c.Remaining())
}

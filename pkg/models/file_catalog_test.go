package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogYAML = `
providers:
  - id: local
    name: Local
    kind: openai-compatible
    base_url: http://127.0.0.1:8080/v1
    models:
      tiny:
        name: Tiny
        upstream: tiny-1b
`

func writeCatalog(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestFileCatalog_Load(t *testing.T) {
	t.Run("should load providers from yaml", func(t *testing.T) {
		path := writeCatalog(t, t.TempDir(), testCatalogYAML)

		fc, err := NewFileCatalog(FileCatalogConfig{Path: path, Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer fc.Close()

		p, ok := fc.Provider("local")
		require.True(t, ok)
		assert.Equal(t, KindOpenAICompatible, p.Kind)
		assert.Equal(t, "http://127.0.0.1:8080/v1", p.BaseURL)

		m, ok := p.Model("tiny")
		require.True(t, ok)
		assert.Equal(t, "tiny", m.ID)
		assert.Equal(t, "tiny-1b", m.UpstreamID())
	})

	t.Run("should load json documents", func(t *testing.T) {
		json := `{"providers":[{"id":"j","kind":"anthropic","models":{"x":{"upstream":"x-1"}}}]}`
		path := writeCatalog(t, t.TempDir(), json)

		fc, err := NewFileCatalog(FileCatalogConfig{Path: path, Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer fc.Close()

		p, ok := fc.Provider("j")
		require.True(t, ok)
		assert.Equal(t, KindAnthropic, p.Kind)
	})

	t.Run("should extend the base catalog", func(t *testing.T) {
		path := writeCatalog(t, t.TempDir(), testCatalogYAML)

		fc, err := NewFileCatalog(FileCatalogConfig{Path: path, Base: DefaultCatalog(), Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer fc.Close()

		_, ok := fc.Provider("kilo")
		assert.True(t, ok)
		_, ok = fc.Provider("local")
		assert.True(t, ok)
	})

	t.Run("should reject unknown kinds", func(t *testing.T) {
		path := writeCatalog(t, t.TempDir(), "providers:\n  - id: bad\n    kind: soap\n")

		_, err := NewFileCatalog(FileCatalogConfig{Path: path, Logger: zerolog.Nop()})
		assert.Error(t, err)
	})

	t.Run("should fail on missing file", func(t *testing.T) {
		_, err := NewFileCatalog(FileCatalogConfig{Path: filepath.Join(t.TempDir(), "nope.yaml"), Logger: zerolog.Nop()})
		assert.Error(t, err)
	})
}

func TestFileCatalog_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalogYAML)

	reloaded := make(chan struct{}, 4)
	fc, err := NewFileCatalog(FileCatalogConfig{
		Path:               path,
		Watch:              true,
		StabilityThreshold: 20 * time.Millisecond,
		Logger:             zerolog.Nop(),
		OnReload:           func() { reloaded <- struct{}{} },
	})
	require.NoError(t, err)
	defer fc.Close()

	updated := testCatalogYAML + `
  - id: second
    kind: gemini
    models:
      g: {}
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}

	_, ok := fc.Provider("second")
	assert.True(t, ok)

	r := NewResolver(ResolverConfig{Catalog: fc, Logger: zerolog.Nop()})
	candidates, err := r.Resolve("g")
	require.NoError(t, err)
	d, _ := candidates.Next()
	assert.Equal(t, "second", d.ProviderID)
}

package models

import (
	"sort"
	"sync"
)

// Kind selects the wire protocol used to talk to a provider.
type Kind string

const (
	KindAnthropic        Kind = "anthropic"
	KindOpenAICompatible Kind = "openai-compatible"
	KindGemini           Kind = "gemini"
)

// ModelInfo describes one model served by a provider. Upstream, when set,
// is the id sent to the provider API in place of ID.
type ModelInfo struct {
	ID       string `yaml:"-" json:"id"`
	Name     string `yaml:"name" json:"name,omitempty"`
	Upstream string `yaml:"upstream" json:"upstream,omitempty"`
}

// UpstreamID returns the id to send upstream.
func (m ModelInfo) UpstreamID() string {
	if m.Upstream != "" {
		return m.Upstream
	}
	return m.ID
}

// ProviderInfo is the read-only catalog record for one provider.
type ProviderInfo struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name,omitempty"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	BaseURL string `yaml:"base_url" json:"baseURL,omitempty"`
	// EnvKeys are checked in order for an API key.
	EnvKeys []string `yaml:"env" json:"env,omitempty"`
	// AnonymousKey is used when no key is configured and the provider
	// serves free models without authentication.
	AnonymousKey string `yaml:"anonymous_key" json:"anonymousKey,omitempty"`
	// Package names an external client package that must be installed
	// before the adapter can be constructed, e.g. "@ai-sdk/kilo@1.2.0".
	Package string               `yaml:"package" json:"package,omitempty"`
	Models  map[string]ModelInfo `yaml:"models" json:"models"`
}

// Model looks up a model by friendly id, then by upstream id.
func (p ProviderInfo) Model(id string) (ModelInfo, bool) {
	if m, ok := p.Models[id]; ok {
		m.ID = id
		return m, true
	}
	for key, m := range p.Models {
		if m.Upstream != "" && m.Upstream == id {
			m.ID = key
			return m, true
		}
	}
	return ModelInfo{}, false
}

// ModelIDs returns the friendly model ids in sorted order.
func (p ProviderInfo) ModelIDs() []string {
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Catalog is the read-only source of provider and model metadata.
type Catalog interface {
	Providers() []ProviderInfo
	Provider(id string) (ProviderInfo, bool)
}

// StaticCatalog is an in-memory Catalog.
type StaticCatalog struct {
	mu        sync.RWMutex
	providers map[string]ProviderInfo
}

// NewStaticCatalog builds a catalog from the given providers. Later entries
// with the same id replace earlier ones.
func NewStaticCatalog(providers ...ProviderInfo) *StaticCatalog {
	c := &StaticCatalog{providers: make(map[string]ProviderInfo, len(providers))}
	for _, p := range providers {
		c.providers[p.ID] = normalizeProvider(p)
	}
	return c
}

// Providers returns all providers sorted by id.
func (c *StaticCatalog) Providers() []ProviderInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *StaticCatalog) Provider(id string) (ProviderInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[id]
	return p, ok
}

func (c *StaticCatalog) replace(providers map[string]ProviderInfo) {
	c.mu.Lock()
	c.providers = providers
	c.mu.Unlock()
}

func normalizeProvider(p ProviderInfo) ProviderInfo {
	models := make(map[string]ModelInfo, len(p.Models))
	for id, m := range p.Models {
		m.ID = id
		models[id] = m
	}
	p.Models = models
	if p.Name == "" {
		p.Name = p.ID
	}
	return p
}

// DefaultCatalog returns the built-in provider catalog.
func DefaultCatalog() *StaticCatalog {
	return NewStaticCatalog(
		ProviderInfo{
			ID:           "opencode",
			Name:         "OpenCode Zen",
			Kind:         KindOpenAICompatible,
			BaseURL:      "https://opencode.ai/zen/v1",
			EnvKeys:      []string{"OPENCODE_API_KEY"},
			AnonymousKey: "public",
			Models: map[string]ModelInfo{
				"kimi-k2.5-free":    {Name: "Kimi K2.5 (free)"},
				"glm-5-free":        {Name: "GLM 5 (free)"},
				"minimax-m2.5-free": {Name: "MiniMax M2.5 (free)"},
				"gpt-5-nano":        {Name: "GPT-5 Nano"},
			},
		},
		ProviderInfo{
			ID:           "kilo",
			Name:         "Kilo Gateway",
			Kind:         KindOpenAICompatible,
			BaseURL:      "https://api.kilo.ai/api/openrouter",
			EnvKeys:      []string{"KILO_API_KEY"},
			AnonymousKey: "anonymous",
			Models: map[string]ModelInfo{
				"glm-5-free":        {Name: "GLM 5 (free)", Upstream: "z-ai/glm-5:free"},
				"minimax-m2.5-free": {Name: "MiniMax M2.5 (free)", Upstream: "minimax/minimax-m2.5:free"},
				"kimi-k2.5":         {Name: "Kimi K2.5", Upstream: "moonshotai/kimi-k2.5"},
			},
		},
		ProviderInfo{
			ID:      "anthropic",
			Name:    "Anthropic",
			Kind:    KindAnthropic,
			EnvKeys: []string{"ANTHROPIC_API_KEY"},
			Models: map[string]ModelInfo{
				"claude-sonnet-4-5": {Name: "Claude Sonnet 4.5", Upstream: "claude-sonnet-4-5-20250929"},
				"claude-haiku-4-5":  {Name: "Claude Haiku 4.5", Upstream: "claude-haiku-4-5-20251001"},
				"claude-opus-4-1":   {Name: "Claude Opus 4.1", Upstream: "claude-opus-4-1-20250805"},
			},
		},
		ProviderInfo{
			ID:      "openai",
			Name:    "OpenAI",
			Kind:    KindOpenAICompatible,
			EnvKeys: []string{"OPENAI_API_KEY"},
			Models: map[string]ModelInfo{
				"gpt-5":      {Name: "GPT-5"},
				"gpt-5-mini": {Name: "GPT-5 Mini"},
				"gpt-5-nano": {Name: "GPT-5 Nano"},
				"gpt-4.1":    {Name: "GPT-4.1"},
			},
		},
		ProviderInfo{
			ID:      "google",
			Name:    "Google",
			Kind:    KindGemini,
			EnvKeys: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
			Models: map[string]ModelInfo{
				"gemini-2.5-pro":   {Name: "Gemini 2.5 Pro"},
				"gemini-2.5-flash": {Name: "Gemini 2.5 Flash"},
			},
		},
		ProviderInfo{
			ID:      "openrouter",
			Name:    "OpenRouter",
			Kind:    KindOpenAICompatible,
			BaseURL: "https://openrouter.ai/api/v1",
			EnvKeys: []string{"OPENROUTER_API_KEY"},
			Models: map[string]ModelInfo{
				"glm-5-free":        {Name: "GLM 5 (free)", Upstream: "z-ai/glm-5:free"},
				"claude-sonnet-4-5": {Name: "Claude Sonnet 4.5", Upstream: "anthropic/claude-sonnet-4.5"},
				"gemini-2.5-flash":  {Name: "Gemini 2.5 Flash", Upstream: "google/gemini-2.5-flash"},
			},
		},
		ProviderInfo{
			ID:      "groq",
			Name:    "Groq",
			Kind:    KindOpenAICompatible,
			BaseURL: "https://api.groq.com/openai/v1",
			EnvKeys: []string{"GROQ_API_KEY"},
			Models: map[string]ModelInfo{
				"kimi-k2":       {Name: "Kimi K2", Upstream: "moonshotai/kimi-k2-instruct-0905"},
				"llama-3.3-70b": {Name: "Llama 3.3 70B", Upstream: "llama-3.3-70b-versatile"},
			},
		},
	)
}

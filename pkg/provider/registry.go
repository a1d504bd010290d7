package provider

import (
	"context"
	"net/http"
	"os"
	"sync"

	"github.com/harun/relay/pkg/failure"
	"github.com/harun/relay/pkg/models"
	"github.com/rs/zerolog"
)

// Factory builds an adapter for one provider.
type Factory func(ctx context.Context, info models.ProviderInfo, creds Credentials, logger zerolog.Logger) (Adapter, error)

var defaultFactories = map[models.Kind]Factory{
	models.KindAnthropic: func(_ context.Context, info models.ProviderInfo, creds Credentials, logger zerolog.Logger) (Adapter, error) {
		return NewAnthropicAdapter(info.ID, creds, logger)
	},
	models.KindOpenAICompatible: func(_ context.Context, info models.ProviderInfo, creds Credentials, logger zerolog.Logger) (Adapter, error) {
		return NewOpenAIAdapter(info.ID, creds, logger)
	},
	models.KindGemini: func(ctx context.Context, info models.ProviderInfo, creds Credentials, logger zerolog.Logger) (Adapter, error) {
		return NewGeminiAdapter(ctx, info.ID, creds, logger)
	},
}

// Source hands out adapters for catalog providers.
type Source interface {
	Adapter(ctx context.Context, info models.ProviderInfo) (Adapter, error)
}

// Settings are user overrides for one provider.
type Settings struct {
	APIKey   string
	BaseURL  string
	Disabled bool
	Headers  map[string]string
}

// RegistryConfig holds configuration for a Registry.
type RegistryConfig struct {
	Settings map[string]Settings
	// Tokens supplies OAuth token sources by provider id.
	Tokens       map[string]*TokenSource
	InstallGuard *InstallGuard
	HTTPClient   *http.Client
	Logger       zerolog.Logger
	LookupEnv    func(string) (string, bool)
}

type registryEntry struct {
	mu      sync.Mutex
	adapter Adapter
}

// Registry builds adapters lazily, at most once per provider. A failed
// build is not cached; the next call tries again.
type Registry struct {
	cfg RegistryConfig

	mu        sync.RWMutex
	factories map[models.Kind]Factory
	overrides map[string]Factory
	entries   map[string]*registryEntry
	logger    zerolog.Logger
}

// NewRegistry creates a registry with the built-in factories.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	factories := make(map[models.Kind]Factory, len(defaultFactories))
	for k, f := range defaultFactories {
		factories[k] = f
	}
	return &Registry{
		cfg:       cfg,
		factories: factories,
		overrides: make(map[string]Factory),
		entries:   make(map[string]*registryEntry),
		logger:    cfg.Logger.With().Str("component", "provider_registry").Logger(),
	}
}

// Register sets the factory for a provider kind.
func (r *Registry) Register(kind models.Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// RegisterProvider sets a factory for a single provider id, taking
// precedence over its kind's factory.
func (r *Registry) RegisterProvider(providerID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[providerID] = f
	delete(r.entries, providerID)
}

func (r *Registry) entry(providerID string) *registryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[providerID]
	if !ok {
		e = &registryEntry{}
		r.entries[providerID] = e
	}
	return e
}

func (r *Registry) factory(info models.ProviderInfo) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.overrides[info.ID]; ok {
		return f, true
	}
	kind := info.Kind
	if kind == "" {
		kind = models.KindOpenAICompatible
	}
	f, ok := r.factories[kind]
	return f, ok
}

// Adapter returns the adapter for info, building it on first use.
// Concurrent first calls for the same provider share one build.
func (r *Registry) Adapter(ctx context.Context, info models.ProviderInfo) (Adapter, error) {
	settings := r.cfg.Settings[info.ID]
	if settings.Disabled {
		return nil, failure.New(failure.KindProviderInit, "provider %s is disabled", info.ID).
			WithModels(info.ID, "", "")
	}

	e := r.entry(info.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.adapter != nil {
		return e.adapter, nil
	}

	f, ok := r.factory(info)
	if !ok {
		return nil, failure.New(failure.KindProviderInit, "no adapter for provider kind %q", info.Kind).
			WithModels(info.ID, "", "")
	}

	if info.Package != "" && r.cfg.InstallGuard != nil {
		if err := r.cfg.InstallGuard.Ensure(ctx, info.Package); err != nil {
			return nil, failure.Wrap(failure.KindProviderInit, err, "failed to install %s", info.Package).
				WithModels(info.ID, "", "")
		}
	}

	adapter, err := f(ctx, info, r.credentials(info, settings), r.cfg.Logger)
	if err != nil {
		if fe := failure.From(err); fe.Kind != failure.KindUnknown {
			return nil, fe.WithModels(info.ID, "", "")
		}
		return nil, failure.Wrap(failure.KindProviderInit, err, "failed to initialize provider").
			WithModels(info.ID, "", "")
	}

	r.logger.Debug().Str("provider", info.ID).Str("kind", string(info.Kind)).Msg("Provider adapter initialized")
	e.adapter = adapter
	return adapter, nil
}

// credentials resolves the key from settings, then the environment, then
// the provider's anonymous key.
func (r *Registry) credentials(info models.ProviderInfo, settings Settings) Credentials {
	creds := Credentials{
		APIKey:     settings.APIKey,
		BaseURL:    info.BaseURL,
		Tokens:     r.cfg.Tokens[info.ID],
		HTTPClient: r.cfg.HTTPClient,
		Headers:    settings.Headers,
	}
	if settings.BaseURL != "" {
		creds.BaseURL = settings.BaseURL
	}
	if creds.APIKey == "" {
		for _, key := range info.EnvKeys {
			if v, ok := r.cfg.LookupEnv(key); ok && v != "" {
				creds.APIKey = v
				break
			}
		}
	}
	if creds.APIKey == "" && creds.Tokens == nil {
		creds.APIKey = info.AnonymousKey
	}
	return creds
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, info models.ProviderInfo) (Adapter, error)

func (f SourceFunc) Adapter(ctx context.Context, info models.ProviderInfo) (Adapter, error) {
	return f(ctx, info)
}

// FixedSource returns a Source that hands out a for every provider.
func FixedSource(a Adapter) Source {
	return SourceFunc(func(context.Context, models.ProviderInfo) (Adapter, error) {
		return a, nil
	})
}

var _ Source = (*Registry)(nil)

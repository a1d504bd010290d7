package cli

import (
	"context"
	"io"
	"path/filepath"

	"github.com/harun/relay/internal/config"
	"github.com/harun/relay/internal/logger"
	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/harun/relay/pkg/agent"
	"github.com/harun/relay/pkg/commandqueue"
	"github.com/harun/relay/pkg/models"
	"github.com/harun/relay/pkg/provider"
	"github.com/harun/relay/pkg/retry"
	"github.com/harun/relay/pkg/session"
	"github.com/harun/relay/pkg/stream"
	"github.com/harun/relay/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// appOptions are per-invocation overrides on top of the loaded config.
type appOptions struct {
	DryRun  bool
	Verbose bool
	Stderr  io.Writer
	// Source replaces the provider registry, for tests.
	Source provider.Source
}

// app holds the wired components for one CLI invocation.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	logger   zerolog.Logger
	catalog  models.Catalog
	resolver *models.Resolver
	store    *session.Store
	queue    *commandqueue.CommandQueue
	runner   *agent.Runner
	clock    *agent.Clock
	audit    *observability.AuditLogger
	metrics  *observability.MetricsServer

	closers []func() error
}

// loadConfig reads the config file named by --config and applies global
// flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, verbose bool, stderr io.Writer) (*logger.Logger, error) {
	lc := cfg.Logging
	lc.ConsoleOut = stderr
	if verbose {
		lc.Level = "debug"
		lc.Console = true
	}
	return logger.New(lc)
}

// newCatalog layers the configured catalog file over the built-in one.
func newCatalog(cfg *config.Config, log zerolog.Logger) (models.Catalog, func() error, error) {
	base := models.DefaultCatalog()
	if cfg.Catalog.File == "" {
		return base, func() error { return nil }, nil
	}

	fc, err := models.NewFileCatalog(models.FileCatalogConfig{
		Path:   cfg.Catalog.File,
		Base:   base,
		Watch:  cfg.Catalog.Watch,
		Logger: log,
	})
	if err != nil {
		return nil, nil, err
	}
	return fc, fc.Close, nil
}

// newApp wires the session loop from cfg.
func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	log, err := newLogger(cfg, opts.Verbose, opts.Stderr)
	if err != nil {
		return nil, err
	}
	l := log.Zerolog()

	a := &app{cfg: cfg, log: log, logger: l}
	a.closers = append(a.closers, log.Close)

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(tracing.Config{
		ServiceName: "relay",
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		l.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	catalog, closeCatalog, err := newCatalog(cfg, l)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.catalog = catalog
	a.closers = append(a.closers, closeCatalog)
	a.resolver = models.NewResolver(models.ResolverConfig{Catalog: catalog, Logger: l})

	source := opts.Source
	switch {
	case source != nil:
	case opts.DryRun:
		source = provider.FixedSource(provider.NewEchoAdapter())
	default:
		guard := provider.NewInstallGuard(provider.InstallGuardConfig{
			Installer:   &provider.CommandInstaller{Command: cfg.Install.Command, Dir: cfg.Install.Dir},
			MaxAttempts: cfg.Install.MaxAttempts,
			Logger:      l,
		})
		source = provider.NewRegistry(provider.RegistryConfig{
			Settings:     cfg.ProviderSettings(),
			InstallGuard: guard,
			Logger:       l,
		})
	}

	processor := stream.NewProcessor(stream.Config{
		Adapters:     source,
		Catalog:      catalog,
		ChunkTimeout: cfg.Stream.ChunkTimeout,
		StepTimeout:  cfg.Stream.StepTimeout,
		Logger:       l,
	})

	retryCfg := cfg.RetryPolicy()
	retryCfg.Logger = l

	if cfg.Session.Persist {
		a.store, err = session.NewStore(session.StoreConfig{Dir: cfg.Session.Dir, Logger: l})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	if !opts.DryRun {
		a.audit, err = observability.NewAuditLogger(filepath.Join(cfg.DataDir, "audit.log"))
		if err != nil {
			l.Warn().Err(err).Msg("Failed to open audit log, continuing without it")
		} else {
			a.closers = append(a.closers, a.audit.Close)
		}
	}

	a.queue = commandqueue.New(commandqueue.Config{Logger: l})
	a.closers = append(a.closers, a.queue.Close)

	a.clock = agent.NewClock(nil)
	a.runner, err = agent.NewRunner(agent.Config{
		Resolver:    a.resolver,
		Steps:       processor,
		Retry:       retry.New(retryCfg),
		Tools:       toolexecutor.New(toolexecutor.Config{Logger: l}),
		ToolPolicy:  cfg.ToolPolicy(),
		Queue:       a.queue,
		Store:       a.store,
		Audit:       a.audit,
		MaxSteps:    cfg.Session.MaxSteps,
		Fallback:    cfg.Fallback,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Clock:       a.clock,
		Logger:      l,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Metrics.Addr != "" {
		a.metrics = observability.NewMetricsServer(cfg.Metrics.Addr, l)
		a.metrics.Start()
		a.closers = append(a.closers, func() error { return a.metrics.Shutdown(context.Background()) })
	}

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
	_ = tracing.ShutdownOpenTelemetry(context.Background())
}

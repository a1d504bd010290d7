package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrCacheCorrupted marks an install failure caused by a damaged package
// cache. Such failures are retried by InstallGuard.
var ErrCacheCorrupted = errors.New("package cache corrupted")

var cacheCorruptionMarkers = []string{
	"eintegrity",
	"integrity check failed",
	"checksum mismatch",
	"unexpected end of json input",
	"tarball data",
	"corrupt",
}

// IsCacheCorruption reports whether err looks like a package cache
// corruption.
func IsCacheCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCacheCorrupted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range cacheCorruptionMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// PackageSpec is a package name with an optional version constraint.
type PackageSpec struct {
	Name    string
	Version string
}

func (p PackageSpec) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "@" + p.Version
}

// ParsePackage parses "name", "name@1.2.3" or "@scope/name@^1.2". The
// version, when present, must be a semver version or constraint, or
// "latest".
func ParsePackage(spec string) (PackageSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PackageSpec{}, fmt.Errorf("empty package spec")
	}

	name, version := spec, ""
	if i := strings.LastIndex(spec, "@"); i > 0 {
		name, version = spec[:i], spec[i+1:]
	}
	if name == "" || strings.ContainsAny(name, " \t") {
		return PackageSpec{}, fmt.Errorf("invalid package name %q", name)
	}

	if version != "" && version != "latest" {
		if _, err := semver.NewVersion(version); err != nil {
			if _, cerr := semver.NewConstraint(version); cerr != nil {
				return PackageSpec{}, fmt.Errorf("invalid version %s: %w", version, err)
			}
		}
	}

	return PackageSpec{Name: name, Version: version}, nil
}

// Installer fetches a package into the shared cache.
type Installer interface {
	Install(ctx context.Context, pkg PackageSpec) error
}

// CommandInstaller installs packages by running an external package
// manager, e.g. {"bun", "add"}.
type CommandInstaller struct {
	Command []string
	Dir     string
}

// Install implements Installer.
func (c *CommandInstaller) Install(ctx context.Context, pkg PackageSpec) error {
	if len(c.Command) == 0 {
		return fmt.Errorf("no install command configured")
	}

	args := append(append([]string{}, c.Command[1:]...), pkg.String())
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	cmd.Dir = c.Dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if IsCacheCorruption(errors.New(out)) {
			return fmt.Errorf("%w: %s", ErrCacheCorrupted, out)
		}
		if out != "" {
			return fmt.Errorf("install %s: %w: %s", pkg, err, out)
		}
		return fmt.Errorf("install %s: %w", pkg, err)
	}
	return nil
}

// InstallGuardConfig holds configuration for an InstallGuard.
type InstallGuardConfig struct {
	Installer   Installer
	MaxAttempts int
	Logger      zerolog.Logger
}

// InstallGuard serializes package installs. The lock is held only while
// an install runs; packages already installed return immediately.
type InstallGuard struct {
	mu          sync.Mutex
	installer   Installer
	maxAttempts int
	installed   map[string]bool
	logger      zerolog.Logger
}

// NewInstallGuard creates an install guard. MaxAttempts defaults to 3.
func NewInstallGuard(cfg InstallGuardConfig) *InstallGuard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &InstallGuard{
		installer:   cfg.Installer,
		maxAttempts: cfg.MaxAttempts,
		installed:   make(map[string]bool),
		logger:      cfg.Logger.With().Str("component", "install_guard").Logger(),
	}
}

// Ensure installs spec unless it was already installed by this guard.
func (g *InstallGuard) Ensure(ctx context.Context, spec string) (err error) {
	pkg, err := ParsePackage(spec)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.installed[pkg.String()] {
		return nil
	}
	if g.installer == nil {
		return fmt.Errorf("no installer configured for %s", pkg)
	}

	ctx, span := tracing.StartSpan(ctx, "relay.provider", "install",
		attribute.String("package", pkg.String()))
	defer func() { tracing.EndSpan(span, err) }()

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		err = g.installer.Install(ctx, pkg)
		if err == nil {
			g.installed[pkg.String()] = true
			observability.RecordInstall(true)
			g.logger.Info().Str("package", pkg.String()).Int("attempt", attempt).Msg("Package installed")
			return nil
		}

		observability.RecordInstall(false)
		if !IsCacheCorruption(err) || ctx.Err() != nil {
			break
		}
		g.logger.Warn().Err(err).
			Str("package", pkg.String()).
			Int("attempt", attempt).
			Int("max_attempts", g.maxAttempts).
			Msg("Package cache corrupted, retrying install")
	}

	return fmt.Errorf("failed to install %s: %w", pkg, err)
}

package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/relay/internal/logger"
	"github.com/harun/relay/pkg/provider"
	"github.com/harun/relay/pkg/retry"
	"github.com/harun/relay/pkg/toolexecutor"
)

// DefaultModel is used when neither the flag nor the config names a model.
const DefaultModel = "opencode/kimi-k2.5-free"

// Config represents the main relay configuration
type Config struct {
	// Model is the default "provider/model" or bare model name.
	Model       string   `json:"model" mapstructure:"model"`
	Fallback    bool     `json:"fallback" mapstructure:"fallback"`
	MaxTokens   int      `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`

	Retry   RetryConfig   `json:"retry" mapstructure:"retry"`
	Stream  StreamConfig  `json:"stream" mapstructure:"stream"`
	Session SessionConfig `json:"session" mapstructure:"session"`

	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`
	Catalog   CatalogConfig             `json:"catalog" mapstructure:"catalog"`
	Install   InstallConfig             `json:"install" mapstructure:"install"`
	Tools     ToolsConfig               `json:"tools" mapstructure:"tools"`

	Logging logger.Config `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RetryConfig holds backoff limits for provider steps.
type RetryConfig struct {
	Initial           time.Duration `json:"initial" mapstructure:"initial"`
	Factor            float64       `json:"factor" mapstructure:"factor"`
	MaxDelay          time.Duration `json:"max_delay" mapstructure:"max_delay"`
	MaxDelayNoHeaders time.Duration `json:"max_delay_no_headers" mapstructure:"max_delay_no_headers"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
}

// StreamConfig holds per-step watchdog timeouts.
type StreamConfig struct {
	ChunkTimeout time.Duration `json:"chunk_timeout" mapstructure:"chunk_timeout"`
	StepTimeout  time.Duration `json:"step_timeout" mapstructure:"step_timeout"`
}

// SessionConfig holds session loop limits and persistence.
type SessionConfig struct {
	MaxSteps int    `json:"max_steps" mapstructure:"max_steps"`
	Persist  bool   `json:"persist" mapstructure:"persist"`
	Dir      string `json:"dir" mapstructure:"dir"`
}

// ProviderConfig overrides catalog settings for one provider.
type ProviderConfig struct {
	APIKey   string            `json:"api_key" mapstructure:"api_key"`
	BaseURL  string            `json:"base_url" mapstructure:"base_url"`
	Disabled bool              `json:"disabled" mapstructure:"disabled"`
	Headers  map[string]string `json:"headers" mapstructure:"headers"`
}

// CatalogConfig points at an optional catalog file layered over the
// built-in providers.
type CatalogConfig struct {
	File  string `json:"file" mapstructure:"file"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// InstallConfig configures provider package installs.
type InstallConfig struct {
	Command     []string `json:"command" mapstructure:"command"`
	Dir         string   `json:"dir" mapstructure:"dir"`
	MaxAttempts int      `json:"max_attempts" mapstructure:"max_attempts"`
}

// ToolsConfig holds the tool allow/deny policy.
type ToolsConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
}

// TracingConfig controls span sampling.
type TracingConfig struct {
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	r := retry.DefaultConfig()
	return &Config{
		Model:    DefaultModel,
		Fallback: true,
		Retry: RetryConfig{
			Initial:           r.Initial,
			Factor:            r.Factor,
			MaxDelay:          r.MaxDelay,
			MaxDelayNoHeaders: r.MaxDelayNoHeaders,
			Timeout:           r.Timeout,
		},
		Stream: StreamConfig{
			ChunkTimeout: 2 * time.Minute,
			StepTimeout:  10 * time.Minute,
		},
		Session: SessionConfig{
			MaxSteps: 50,
			Persist:  true,
		},
		Providers: map[string]ProviderConfig{},
		Install: InstallConfig{
			Command:     []string{"bun", "add"},
			MaxAttempts: 3,
		},
		Logging: logger.DefaultConfig(),
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// applyPaths fills path defaults under DataDir.
func (c *Config) applyPaths(dataDir string) {
	if c.DataDir == "" {
		c.DataDir = dataDir
	}
	if c.Session.Dir == "" {
		c.Session.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "relay.log")
	}
	if c.Install.Dir == "" {
		c.Install.Dir = filepath.Join(c.DataDir, "cache")
	}
}

// RetryPolicy converts the retry section for retry.New.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		Initial:           c.Retry.Initial,
		Factor:            c.Retry.Factor,
		MaxDelay:          c.Retry.MaxDelay,
		MaxDelayNoHeaders: c.Retry.MaxDelayNoHeaders,
		Timeout:           c.Retry.Timeout,
	}
}

// ProviderSettings converts the providers section for provider.NewRegistry.
func (c *Config) ProviderSettings() map[string]provider.Settings {
	settings := make(map[string]provider.Settings, len(c.Providers))
	for id, p := range c.Providers {
		settings[id] = provider.Settings{
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Disabled: p.Disabled,
			Headers:  p.Headers,
		}
	}
	return settings
}

// ToolPolicy returns nil when no rule is configured, which allows every tool.
func (c *Config) ToolPolicy() *toolexecutor.ToolPolicy {
	if len(c.Tools.Allow) == 0 && len(c.Tools.Deny) == 0 {
		return nil
	}
	return &toolexecutor.ToolPolicy{Allow: c.Tools.Allow, Deny: c.Tools.Deny}
}

// String returns a JSON representation of the config with API keys masked.
func (c *Config) String() string {
	masked := *c
	masked.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for id, p := range c.Providers {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.Providers[id] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errs[0])
}

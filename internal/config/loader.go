package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RELAY_MODEL or
// RELAY_LOGGING_LEVEL.
const EnvPrefix = "RELAY"

// Loader handles configuration loading
type Loader struct {
	configPath string
	dataDir    string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func (l *Loader) home() (string, error) {
	if l.dataDir != "" {
		return l.dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relay"), nil
}

// Load loads the configuration from file, then applies environment
// overrides. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	dataDir, err := l.home()
	if err != nil {
		return nil, err
	}

	configPath := l.configPath
	if configPath == "" {
		configPath = filepath.Join(dataDir, "relay.json")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyPaths(dataDir)
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the file does not mention it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("model", cfg.Model)
	v.SetDefault("fallback", cfg.Fallback)
	v.SetDefault("max_tokens", cfg.MaxTokens)
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("retry.initial", cfg.Retry.Initial)
	v.SetDefault("retry.factor", cfg.Retry.Factor)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.max_delay_no_headers", cfg.Retry.MaxDelayNoHeaders)
	v.SetDefault("retry.timeout", cfg.Retry.Timeout)

	v.SetDefault("stream.chunk_timeout", cfg.Stream.ChunkTimeout)
	v.SetDefault("stream.step_timeout", cfg.Stream.StepTimeout)

	v.SetDefault("session.max_steps", cfg.Session.MaxSteps)
	v.SetDefault("session.persist", cfg.Session.Persist)
	v.SetDefault("session.dir", cfg.Session.Dir)

	v.SetDefault("catalog.file", cfg.Catalog.File)
	v.SetDefault("catalog.watch", cfg.Catalog.Watch)
	v.SetDefault("install.dir", cfg.Install.Dir)
	v.SetDefault("install.max_attempts", cfg.Install.MaxAttempts)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("model", cfg.Model)
	v.Set("fallback", cfg.Fallback)
	v.Set("max_tokens", cfg.MaxTokens)
	if cfg.Temperature != nil {
		v.Set("temperature", *cfg.Temperature)
	}
	v.Set("retry", map[string]any{
		"initial":              cfg.Retry.Initial.String(),
		"factor":               cfg.Retry.Factor,
		"max_delay":            cfg.Retry.MaxDelay.String(),
		"max_delay_no_headers": cfg.Retry.MaxDelayNoHeaders.String(),
		"timeout":              cfg.Retry.Timeout.String(),
	})
	v.Set("stream", map[string]any{
		"chunk_timeout": cfg.Stream.ChunkTimeout.String(),
		"step_timeout":  cfg.Stream.StepTimeout.String(),
	})
	v.Set("session", cfg.Session)
	v.Set("providers", cfg.Providers)
	v.Set("catalog", cfg.Catalog)
	v.Set("install", cfg.Install)
	v.Set("tools", cfg.Tools)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	dataDir, err := l.home()
	if err != nil {
		return ""
	}
	return filepath.Join(dataDir, "relay.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

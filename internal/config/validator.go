package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format for providers with a known
// key shape. Other providers accept any non-empty key.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model reference. Unknown models are allowed
// since the resolver passes explicit selections through.
func (v *Validator) ValidateModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	if providerID, modelID, ok := strings.Cut(model, "/"); ok {
		if providerID == "" || modelID == "" {
			return fmt.Errorf("invalid model %q (expected provider/model)", model)
		}
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max tokens must not be negative, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePositiveDuration rejects zero and negative durations.
func (v *Validator) ValidatePositiveDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return nil
}

// ValidateAddr validates a host:port listener address. Empty is allowed.
func (v *Validator) ValidateAddr(addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateModel(cfg.Model); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMaxTokens(cfg.MaxTokens); err != nil {
		errors = append(errors, err)
	}
	if cfg.Temperature != nil {
		if err := v.ValidateTemperature(*cfg.Temperature); err != nil {
			errors = append(errors, err)
		}
	}

	for name, d := range map[string]time.Duration{
		"retry.initial":              cfg.Retry.Initial,
		"retry.max_delay":            cfg.Retry.MaxDelay,
		"retry.max_delay_no_headers": cfg.Retry.MaxDelayNoHeaders,
		"retry.timeout":              cfg.Retry.Timeout,
		"stream.chunk_timeout":       cfg.Stream.ChunkTimeout,
		"stream.step_timeout":        cfg.Stream.StepTimeout,
	} {
		if err := v.ValidatePositiveDuration(name, d); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Retry.Factor < 1 {
		errors = append(errors, fmt.Errorf("retry.factor must be >= 1, got %g", cfg.Retry.Factor))
	}
	if cfg.Stream.ChunkTimeout > cfg.Stream.StepTimeout {
		errors = append(errors, fmt.Errorf("stream.chunk_timeout (%s) exceeds stream.step_timeout (%s)",
			cfg.Stream.ChunkTimeout, cfg.Stream.StepTimeout))
	}
	if cfg.Session.MaxSteps <= 0 {
		errors = append(errors, fmt.Errorf("session.max_steps must be positive"))
	}
	if cfg.Install.MaxAttempts < 0 {
		errors = append(errors, fmt.Errorf("install.max_attempts must be >= 0"))
	}

	for id, p := range cfg.Providers {
		if p.APIKey != "" {
			if err := v.ValidateAPIKey(p.APIKey, id); err != nil {
				errors = append(errors, fmt.Errorf("provider %s: %w", id, err))
			}
		}
	}

	if policy := cfg.ToolPolicy(); policy != nil {
		if err := policy.Validate(); err != nil {
			errors = append(errors, fmt.Errorf("tools: %w", err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
		errors = append(errors, err)
	}
	if r := cfg.Tracing.SampleRatio; r < 0 || r > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %g", r))
	}

	return errors
}

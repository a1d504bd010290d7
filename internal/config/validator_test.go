package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{"valid anthropic key", "sk-ant-test123", "anthropic", false},
		{"invalid anthropic key", "invalid-key", "anthropic", true},
		{"valid openai key", "sk-test123", "openai", false},
		{"invalid openai key", "invalid-key", "openai", true},
		{"any key for other providers", "gsk_abc", "groq", false},
		{"empty key", "", "anthropic", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateModel(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateModel("opencode/kimi-k2.5-free"))
	assert.NoError(t, v.ValidateModel("kimi-k2.5-free"))
	assert.NoError(t, v.ValidateModel("openrouter/z-ai/glm-5:free"))
	assert.Error(t, v.ValidateModel(""))
	assert.Error(t, v.ValidateModel("/kimi"))
	assert.Error(t, v.ValidateModel("opencode/"))
}

func TestValidateRanges(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.5))

	assert.NoError(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(-1))
	assert.Error(t, v.ValidateMaxTokens(300000))

	assert.NoError(t, v.ValidateLogLevel("warn"))
	assert.Error(t, v.ValidateLogLevel("trace"))

	assert.NoError(t, v.ValidatePositiveDuration("x", time.Second))
	assert.Error(t, v.ValidatePositiveDuration("x", 0))

	assert.NoError(t, v.ValidateAddr(""))
	assert.NoError(t, v.ValidateAddr(":9090"))
	assert.Error(t, v.ValidateAddr("9090"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("should accept defaults", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("should collect every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Model = ""
		cfg.Retry.Factor = 0.5
		cfg.Stream.ChunkTimeout = time.Hour
		cfg.Providers["anthropic"] = ProviderConfig{APIKey: "bad"}
		cfg.Tools.Allow = []string{""}
		cfg.Logging.Level = "loud"
		cfg.Metrics.Addr = "nope"
		cfg.Tracing.SampleRatio = 1.5

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 8)
	})
}

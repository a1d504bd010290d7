package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write JSON to the console writer", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, ConsoleOut: &buf})
		require.NoError(t, err)
		defer l.Close()

		log := l.Zerolog()
		log.Debug().Msg("hidden")
		log.Info().Str("provider_id", "kilo").Msg("visible")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), `"provider_id":"kilo"`)
		assert.Contains(t, buf.String(), `"message":"visible"`)
	})

	t.Run("should redact credentials", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "debug", Console: true, ConsoleOut: &buf, Redaction: true})
		require.NoError(t, err)

		log := l.Zerolog()
		log.Info().Str("auth", "Bearer abcdef123456").Msg("request")
		assert.NotContains(t, buf.String(), "abcdef123456")
	})

	t.Run("should fall back to info for unknown levels", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "loud", Console: true, ConsoleOut: &buf})
		require.NoError(t, err)

		log := l.Zerolog()
		log.Debug().Msg("hidden")
		log.Info().Msg("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("should write to the log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "relay.log")
		l, err := New(Config{Level: "info", File: logFile, MaxSizeMB: 1})
		require.NoError(t, err)

		log := l.Zerolog()
		log.Info().Msg("to file")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to file")
	})

	t.Run("should discard without sinks", func(t *testing.T) {
		l, err := New(Config{Level: "info"})
		require.NoError(t, err)
		log := l.Zerolog()
		assert.NotPanics(t, func() { log.Info().Msg("nowhere") })
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "warn", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Nil(t, cfg.ConsoleOut)
}

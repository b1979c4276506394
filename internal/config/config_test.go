package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "openai", cfg.Provider.Name)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 3, cfg.Ceremony.Hour)
	assert.Equal(t, 30, cfg.Ceremony.Minute)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase())
	assert.Equal(t, 15*time.Second, cfg.RateLimitBackoffBase())
	assert.Equal(t, 2*time.Minute, cfg.CallTimeout())
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: gemini
  model: gemini-2.0-flash
queue:
  max_attempts: 5
  backoff_base: 10s
  paused: true
ceremony:
  hour: 4
  last_persona: p-vera
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.Provider.Name)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.BackoffBase())
	assert.True(t, cfg.Queue.Paused)
	assert.Equal(t, 4, cfg.Ceremony.Hour)
	assert.Equal(t, "p-vera", cfg.Ceremony.LastPersona)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Ceremony.Minute)
	assert.Equal(t, 2*time.Minute, cfg.BackoffMax())
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad hour", "ceremony:\n  hour: 25\n"},
		{"bad minute", "ceremony:\n  minute: 61\n"},
		{"zero attempts", "queue:\n  max_attempts: 0\n"},
		{"bad duration", "queue:\n  backoff_base: fast\n"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		cfg, err := LoadOrDefault("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})
	t.Run("missing file", func(t *testing.T) {
		cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})
	t.Run("existing file", func(t *testing.T) {
		path := writeConfig(t, "queue:\n  max_attempts: 7\n")
		cfg, err := LoadOrDefault(path)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Queue.MaxAttempts)
	})
}

func TestDurationAccessorsFallBack(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 2*time.Minute, cfg.ProviderTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.MinRequestGap())
	assert.Equal(t, 2*time.Second, cfg.BackoffBase())
	assert.Equal(t, 10*time.Minute, cfg.RateLimitBackoffMax())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Limits.MaxPerUser)
	assert.Equal(t, 20, cfg.Limits.MaxTotal)
	assert.Equal(t, 2*time.Hour, cfg.Limits.Lifetime)
	assert.Equal(t, 30000, cfg.Ports.Base)
	assert.Equal(t, 100, cfg.Logs.TailLines)
	assert.Equal(t, 60*time.Second, cfg.ReconcileInterval)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbay.yaml")
	data := `
data_dir: /tmp/sandbay-test
limits:
  max_per_user: 5
  max_total: 50
ports:
  base: 31000
  max: 32000
logger:
  level: debug
  json: true
reconcile_interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/sandbay-test", cfg.DataDir)
	assert.Equal(t, 5, cfg.Limits.MaxPerUser)
	assert.Equal(t, 50, cfg.Limits.MaxTotal)
	assert.Equal(t, 31000, cfg.Ports.Base)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.Logger.JSON)

	// Untouched sections keep defaults.
	assert.Equal(t, 2, cfg.Limits.MaxExtensions)
	assert.Equal(t, 10*time.Second, cfg.Docker.StopTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_per_user", func(c *Config) { c.Limits.MaxPerUser = 0 }},
		{"total below per-user", func(c *Config) { c.Limits.MaxTotal = 1 }},
		{"zero lifetime", func(c *Config) { c.Limits.Lifetime = 0 }},
		{"negative extensions", func(c *Config) { c.Limits.MaxExtensions = -1 }},
		{"port base out of range", func(c *Config) { c.Ports.Base = 70000 }},
		{"port max below base", func(c *Config) { c.Ports.Max = c.Ports.Base }},
		{"zero tail lines", func(c *Config) { c.Logs.TailLines = 0 }},
		{"zero reconcile interval", func(c *Config) { c.ReconcileInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

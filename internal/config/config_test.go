package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(5), cfg.Billing.FreeTierGB)
	assert.Equal(t, int64(40), cfg.Billing.RateCentsPerGB)
	assert.Equal(t, "USD", cfg.Billing.Currency)
	assert.Equal(t, 30, cfg.Trash.RetentionDays)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())

	d, err := cfg.SweepInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
billing:
  free_tier_gb: 10
  rate_cents_per_gb: 25
trash:
  retention_days: 7
  sweep_interval: 30m
jwt_secret: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(10), cfg.Billing.FreeTierGB)
	assert.Equal(t, int64(25), cfg.Billing.RateCentsPerGB)
	// Unset file values keep their defaults.
	assert.Equal(t, "USD", cfg.Billing.Currency)
	assert.Equal(t, 7, cfg.Trash.RetentionDays)
	assert.Equal(t, "from-file", cfg.JWTSecret)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt_secret: from-file\n"), 0644))
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("FREE_TIER_GB", "20")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, int64(20), cfg.Billing.FreeTierGB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative free tier", func(c *Config) { c.Billing.FreeTierGB = -1 }},
		{"negative rate", func(c *Config) { c.Billing.RateCentsPerGB = -1 }},
		{"zero retention", func(c *Config) { c.Trash.RetentionDays = 0 }},
		{"bad sweep interval", func(c *Config) { c.Trash.SweepInterval = "often" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

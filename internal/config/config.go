// Package config handles configuration loading for the pinvault server.
// Values are resolved in order: built-in defaults, then an optional YAML
// file, then environment variables. Listen address and paths stay on flags
// in cmd/server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BillingConfig holds the pricing knobs for the usage meter.
type BillingConfig struct {
	FreeTierGB     int64   `yaml:"free_tier_gb"`     // pinned bytes allowed at zero cost
	RateCentsPerGB int64   `yaml:"rate_cents_per_gb"` // charged per GB above the free tier
	Currency       string  `yaml:"currency"`
	SettlementRate float64 `yaml:"settlement_rate"` // fixed conversion rate for settlement figures
}

// TrashConfig holds the retention policy for the trash bin.
type TrashConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	SweepInterval string `yaml:"sweep_interval"` // duration string, e.g. "1h"
}

// ProviderConfig holds payment provider credentials. Token and webhook
// secret may also come from PROVIDER_TOKEN / PROVIDER_WEBHOOK_SECRET.
type ProviderConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// S3Config holds the S3-compatible content store settings. Credentials may
// also come from S3_KEY_ID / S3_APP_KEY.
type S3Config struct {
	Endpoint string `yaml:"endpoint"`
	KeyID    string `yaml:"key_id"`
	AppKey   string `yaml:"app_key"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
}

// Config is the root configuration.
type Config struct {
	Billing   BillingConfig  `yaml:"billing"`
	Trash     TrashConfig    `yaml:"trash"`
	Provider  ProviderConfig `yaml:"provider"`
	S3        S3Config       `yaml:"s3"`
	JWTSecret string         `yaml:"jwt_secret"` // or JWT_SECRET env
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Billing: BillingConfig{
			FreeTierGB:     5,
			RateCentsPerGB: 40,
			Currency:       "USD",
			SettlementRate: 1.0,
		},
		Trash: TrashConfig{
			RetentionDays: 30,
			SweepInterval: "1h",
		},
	}
}

// Load reads the YAML file at path (if path is non-empty) over the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("PROVIDER_TOKEN"); v != "" {
		cfg.Provider.Token = v
	}
	if v := os.Getenv("PROVIDER_WEBHOOK_SECRET"); v != "" {
		cfg.Provider.WebhookSecret = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.S3.Endpoint = v
	}
	if v := os.Getenv("S3_KEY_ID"); v != "" {
		cfg.S3.KeyID = v
	}
	if v := os.Getenv("S3_APP_KEY"); v != "" {
		cfg.S3.AppKey = v
	}
	if v := os.Getenv("FREE_TIER_GB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Billing.FreeTierGB = n
		}
	}
}

// Validate checks invariants that would otherwise surface deep in a request.
func (c Config) Validate() error {
	if c.Billing.FreeTierGB < 0 {
		return fmt.Errorf("billing.free_tier_gb must be >= 0")
	}
	if c.Billing.RateCentsPerGB < 0 {
		return fmt.Errorf("billing.rate_cents_per_gb must be >= 0")
	}
	if c.Trash.RetentionDays <= 0 {
		return fmt.Errorf("trash.retention_days must be > 0")
	}
	if _, err := c.SweepInterval(); err != nil {
		return fmt.Errorf("trash.sweep_interval: %w", err)
	}
	return nil
}

// SweepInterval parses the sweep interval duration.
func (c Config) SweepInterval() (time.Duration, error) {
	return time.ParseDuration(c.Trash.SweepInterval)
}

// Retention returns the trash retention window as a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Trash.RetentionDays) * 24 * time.Hour
}

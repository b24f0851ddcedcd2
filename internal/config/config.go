// Package config loads the service configuration from the environment,
// with optional .env support for local runs. Configuration is read once
// at startup and never re-validated at runtime.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"vouchd.org/internal/catalog"
	"vouchd.org/internal/paypal"
)

// Config is the full runtime configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `validate:"required"`

	// DataDir holds the JSON documents when Postgres is not configured.
	DataDir string `validate:"required"`

	// ResourceList defines the resource catalog:
	// "name:role1,role2;othername:role3".
	ResourceList string `validate:"required"`

	// CheckPreviouslyVerified toggles ledger-based double-grant
	// prevention. Off, the engine neither reads nor writes the ledger.
	CheckPreviouslyVerified bool

	// AuthSecret enables bearer-token authentication when non-empty.
	AuthSecret string

	// PGDSN selects the Postgres store over the file store when set.
	PGDSN string

	// RefreshInterval drives the background purchase index refresh.
	RefreshInterval time.Duration `validate:"min=1m"`

	// Rate limiting for the HTTP API, per client IP.
	RateBurst  int `validate:"min=1"`
	RatePerSec int `validate:"min=1"`

	PayPal PayPalConfig
}

// PayPalConfig carries the processor credentials.
type PayPalConfig struct {
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`
	Endpoint     string `validate:"required,url"`
}

// Load reads .env (when present) and the environment into a validated
// Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		Addr:                    envOr("VOUCHD_ADDR", ":8080"),
		DataDir:                 envOr("VOUCHD_DATA_DIR", "data"),
		ResourceList:            os.Getenv("VOUCHD_RESOURCE_LIST"),
		CheckPreviouslyVerified: envBool("VOUCHD_CHECK_PREVIOUSLY_VERIFIED", true),
		AuthSecret:              os.Getenv("VOUCHD_AUTH_SECRET"),
		PGDSN:                   os.Getenv("VOUCHD_PG_DSN"),
		PayPal: PayPalConfig{
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			Endpoint:     envOr("PAYPAL_ENDPOINT", paypal.DefaultEndpoint),
		},
	}

	var err error
	if cfg.RefreshInterval, err = envDuration("VOUCHD_REFRESH_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = envInt("VOUCHD_RATE_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RatePerSec, err = envInt("VOUCHD_RATE_PER_SEC", 10); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that the catalog definition
// parses.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Catalog parses the configured resource list.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	return catalog.Parse(c.ResourceList)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return parsed, nil
}

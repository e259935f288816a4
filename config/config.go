// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     int    `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	DBPath   string `mapstructure:"DB_PATH"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	SeedDefaults bool `mapstructure:"SEED_DEFAULTS"`

	AccrualRetryMaxTries        uint          `mapstructure:"ACCRUAL_RETRY_MAX_TRIES"`
	AccrualRetryInitialInterval time.Duration `mapstructure:"ACCRUAL_RETRY_INITIAL_INTERVAL"`
	CardMaxAttempts             int           `mapstructure:"CARD_MAX_ATTEMPTS"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`

	// SeasonSweepInterval of 0 disables the expired-season sweeper.
	SeasonSweepInterval time.Duration `mapstructure:"SEASON_SWEEP_INTERVAL"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DB_PATH",
	"LOG_LEVEL",
	"CORS_ORIGINS",
	"SEED_DEFAULTS",
	"ACCRUAL_RETRY_MAX_TRIES",
	"ACCRUAL_RETRY_INITIAL_INTERVAL",
	"CARD_MAX_ATTEMPTS",
	"METRICS_ENABLED",
	"SEASON_SWEEP_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", 8080)
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_PATH", "rewards.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("SEED_DEFAULTS", true)
	v.SetDefault("ACCRUAL_RETRY_MAX_TRIES", 5)
	v.SetDefault("ACCRUAL_RETRY_INITIAL_INTERVAL", "100ms")
	v.SetDefault("CARD_MAX_ATTEMPTS", 10)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("SEASON_SWEEP_INTERVAL", "1h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A single comma-separated value is not always split by the decoder.
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.AccrualRetryMaxTries == 0 {
		return fmt.Errorf("ACCRUAL_RETRY_MAX_TRIES must be at least 1")
	}
	if c.AccrualRetryInitialInterval <= 0 {
		return fmt.Errorf("ACCRUAL_RETRY_INITIAL_INTERVAL must be positive, got %s", c.AccrualRetryInitialInterval)
	}
	if c.CardMaxAttempts <= 0 {
		return fmt.Errorf("CARD_MAX_ATTEMPTS must be at least 1, got %d", c.CardMaxAttempts)
	}
	if c.SeasonSweepInterval < 0 {
		return fmt.Errorf("SEASON_SWEEP_INTERVAL must not be negative, got %s", c.SeasonSweepInterval)
	}
	return nil
}

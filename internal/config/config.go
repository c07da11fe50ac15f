// Package config loads application configuration from environment variables
// with sane defaults. A .env file in the working directory is honoured when
// present so local development does not require exporting anything.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all runtime settings for the API server and scheduler.
type Config struct {
	// Server
	Port    string
	GinMode string // debug|release|test

	// Persistence
	DBPath string

	// Auth
	JWTSecret string
	BotToken  string // Telegram bot token; also signs WebApp init data
	// DevAuth allows token issuance from a bare user_id without init data.
	// Never enable in production.
	DevAuth bool

	// Commercial terms
	CommissionRate    decimal.Decimal // platform cut of order price
	ReferralShareRate decimal.Decimal // referrer cut of the commission

	// Scheduler
	TickInterval   time.Duration
	PublishTimeout time.Duration

	// Logging
	Debug bool
}

// Load reads configuration from the environment, applying defaults and
// validating ranges.
func Load() (*Config, error) {
	// Best effort: absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GinMode:        getEnv("GIN_MODE", "debug"),
		DBPath:         getEnv("DB_PATH", "adboard.db"),
		JWTSecret:      getEnv("JWT_SECRET", "adboard-secret-key"),
		BotToken:       os.Getenv("BOT_TOKEN"),
		DevAuth:        getEnvBool("DEV_AUTH", false),
		TickInterval:   getEnvDuration("SCHEDULER_INTERVAL", 30*time.Second),
		PublishTimeout: getEnvDuration("PUBLISH_TIMEOUT", 5*time.Second),
		Debug:          getEnvBool("DEBUG", false),
	}

	var err error
	if cfg.CommissionRate, err = getEnvDecimal("COMMISSION_RATE", "0.10"); err != nil {
		return nil, err
	}
	if cfg.ReferralShareRate, err = getEnvDecimal("REFERRAL_SHARE_RATE", "0.15"); err != nil {
		return nil, err
	}

	if cfg.CommissionRate.IsNegative() || cfg.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("COMMISSION_RATE must be within [0,1], got %s", cfg.CommissionRate)
	}
	if cfg.ReferralShareRate.IsNegative() || cfg.ReferralShareRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("REFERRAL_SHARE_RATE must be within [0,1], got %s", cfg.ReferralShareRate)
	}
	if cfg.TickInterval < time.Second {
		return nil, fmt.Errorf("SCHEDULER_INTERVAL must be at least 1s, got %s", cfg.TickInterval)
	}

	return cfg, nil
}

// MustLoad loads the configuration and panics on failure.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvDecimal(key, def string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, v, err)
	}
	return d, nil
}

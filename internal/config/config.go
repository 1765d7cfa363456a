// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Wallet backend
	WalletMode string // "simulated" (in-process wallet network)

	// Sessions seeded at startup, by ID. Each starts disconnected until
	// a connect request pairs it with a wallet.
	Sessions []string

	// Connection behavior
	BalancePollInterval time.Duration
	DialTimeout         time.Duration

	// Payment settings
	MinInvoiceMsat int64

	// Observability
	OTELEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Security
	RateLimitRPS int
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultWalletMode   = "simulated"
	DefaultSessions     = "alice,bob"
	DefaultPollInterval = 30 * time.Second
	DefaultDialTimeout  = 15 * time.Second
	DefaultMinInvoice   = 1000 // msat
	DefaultRateLimit    = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		WalletMode:          getEnv("WALLET_MODE", DefaultWalletMode),
		Sessions:            splitList(getEnv("SESSIONS", DefaultSessions)),
		BalancePollInterval: getEnvDuration("BALANCE_POLL_INTERVAL", DefaultPollInterval),
		DialTimeout:         getEnvDuration("DIAL_TIMEOUT", DefaultDialTimeout),
		MinInvoiceMsat:      getEnvInt64("MIN_INVOICE_MSAT", DefaultMinInvoice),
		OTELEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.WalletMode != "simulated" {
		return fmt.Errorf("WALLET_MODE %q is not supported (use \"simulated\")", c.WalletMode)
	}

	if len(c.Sessions) == 0 {
		return fmt.Errorf("SESSIONS must name at least one session")
	}
	seen := make(map[string]bool, len(c.Sessions))
	for _, id := range c.Sessions {
		if seen[id] {
			return fmt.Errorf("SESSIONS contains duplicate id %q", id)
		}
		seen[id] = true
	}

	if c.BalancePollInterval < time.Second {
		return fmt.Errorf("BALANCE_POLL_INTERVAL must be at least 1s")
	}

	if c.MinInvoiceMsat <= 0 {
		return fmt.Errorf("MIN_INVOICE_MSAT must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

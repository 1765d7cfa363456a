package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "simulated", cfg.WalletMode)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Sessions)
	assert.Equal(t, DefaultPollInterval, cfg.BalancePollInterval)
	assert.Equal(t, int64(DefaultMinInvoice), cfg.MinInvoiceMsat)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "SESSIONS", "merchant, buyer ,courier")
	setEnv(t, "BALANCE_POLL_INTERVAL", "5s")
	setEnv(t, "MIN_INVOICE_MSAT", "5000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"merchant", "buyer", "courier"}, cfg.Sessions)
	assert.Equal(t, 5*time.Second, cfg.BalancePollInterval)
	assert.Equal(t, int64(5000), cfg.MinInvoiceMsat)
}

func TestLoad_UnsupportedWalletMode(t *testing.T) {
	setEnv(t, "WALLET_MODE", "lnd")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "WALLET_MODE")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		WalletMode:          "simulated",
		Sessions:            []string{"alice", "bob"},
		BalancePollInterval: DefaultPollInterval,
		MinInvoiceMsat:      DefaultMinInvoice,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "unsupported wallet mode",
			mutate:  func(c *Config) { c.WalletMode = "cln" },
			wantErr: "WALLET_MODE",
		},
		{
			name:    "no sessions",
			mutate:  func(c *Config) { c.Sessions = nil },
			wantErr: "SESSIONS",
		},
		{
			name:    "duplicate sessions",
			mutate:  func(c *Config) { c.Sessions = []string{"alice", "alice"} },
			wantErr: "duplicate",
		},
		{
			name:    "poll interval too short",
			mutate:  func(c *Config) { c.BalancePollInterval = 100 * time.Millisecond },
			wantErr: "BALANCE_POLL_INTERVAL",
		},
		{
			name:    "non-positive min invoice",
			mutate:  func(c *Config) { c.MinInvoiceMsat = 0 },
			wantErr: "MIN_INVOICE_MSAT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Sessions = append([]string(nil), valid.Sessions...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList("a,b"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b , "))
	assert.Nil(t, splitList(""))
}

package config

import (
	"os"
	"testing"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "RATE_LIMIT_RPS", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, 50, cfg.RateLimitRPS)
	assert.Equal(t, int64(DefaultMaxRequestSize), cfg.MaxRequestSize)
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "RATE_LIMIT_RPS", "")
	setEnv(t, "DEMO_MODE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
	assert.False(t, cfg.DemoMode)
}

func TestLoad_DemoMode(t *testing.T) {
	setEnv(t, "DEMO_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DemoMode)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env:            "development",
				RateLimitRPS:   100,
				MaxRequestSize: DefaultMaxRequestSize,
			},
			wantErr: "",
		},
		{
			name: "non-positive rate limit",
			config: Config{
				Env:            "development",
				RateLimitRPS:   0,
				MaxRequestSize: DefaultMaxRequestSize,
			},
			wantErr: "RATE_LIMIT_RPS must be positive",
		},
		{
			name: "non-positive request size",
			config: Config{
				Env:            "development",
				RateLimitRPS:   100,
				MaxRequestSize: 0,
			},
			wantErr: "MAX_REQUEST_SIZE must be positive",
		},
		{
			name: "unknown environment",
			config: Config{
				Env:            "qa",
				RateLimitRPS:   100,
				MaxRequestSize: DefaultMaxRequestSize,
			},
			wantErr: "ENV must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
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

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_BAD_BOOL", "yep")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))
	assert.False(t, getEnvBool("TEST_BAD_BOOL", false)) // Falls back on parse error
}

package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://u:p@localhost/db")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 3, cfg.PGMaxTxRetries)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
	require.Equal(t, 5*time.Minute, cfg.PolicyCacheTTL)
	require.False(t, cfg.IsProduction())
	require.EqualValues(t, 10, cfg.PoolOptions().MaxConns)
	require.Equal(t, 0, cfg.RedisDB)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PG_MAX_TX_RETRIES", "5")
	t.Setenv("POLICY_CACHE_TTL", "30s")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "10")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 5, cfg.PGMaxTxRetries)
	require.Equal(t, 30*time.Second, cfg.PolicyCacheTTL)
	require.Equal(t, 10, cfg.RateLimitPerMinute)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{PGDSN: "postgres://x", PGMaxTxRetries: 1, RateLimitPerMinute: 1, PolicyCacheTTL: time.Second}
	require.NoError(t, valid.Validate())

	cases := map[string]func(c *Config){
		"dsn":     func(c *Config) { c.PGDSN = "" },
		"retries": func(c *Config) { c.PGMaxTxRetries = 0 },
		"rate":    func(c *Config) { c.RateLimitPerMinute = 0 },
		"ttl":     func(c *Config) { c.PolicyCacheTTL = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestInTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}

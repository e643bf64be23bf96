package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		wantField string
		check     func(*testing.T, *Config)
	}{
		{
			name: "defaults",
			envVars: map[string]string{
				"SIGNING_KEY": testKey,
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.True(t, cfg.IsDevelopment())
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Empty(t, cfg.Server.TrustedProxies, "no forwarding headers are trusted by default")
				assert.Equal(t, DriverSQLite, cfg.Database.Driver)
				assert.Equal(t, "gateway.db", cfg.Database.Path)
				assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
				assert.Equal(t, 10*time.Minute, cfg.Auth.RotationGrace)
				assert.Equal(t, time.Minute, cfg.RateLimit.Window)
				assert.Equal(t, 60, cfg.RateLimit.MaxRequests)
				assert.Equal(t, 1.0, cfg.RateLimit.AnonPerSecond)
				assert.Equal(t, 5, cfg.RateLimit.AnonBurst)
				assert.Equal(t, 64*1024, cfg.Hash.MemoryKiB)
				assert.Equal(t, ProviderOpenAI, cfg.Providers.Default)
				assert.Equal(t, 16, cfg.Relay.BufferSize)
			},
		},
		{
			name: "postgres through pgx",
			envVars: map[string]string{
				"SIGNING_KEY":             testKey,
				"DB_DRIVER":               "pgx",
				"DB_HOST":                 "db.internal",
				"DB_PORT":                 "5433",
				"RATE_LIMIT_WINDOW":       "30s",
				"RATE_LIMIT_MAX_REQUESTS": "10",
				"TOKEN_TTL":               "1h",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DriverPgx, cfg.Database.Driver)
				assert.Equal(t, "db.internal", cfg.Database.Host)
				assert.Equal(t, 5433, cfg.Database.Port)
				assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
				assert.Equal(t, 10, cfg.RateLimit.MaxRequests)
				assert.Equal(t, time.Hour, cfg.Auth.TokenTTL)
			},
		},
		{
			name: "base64 signing key",
			envVars: map[string]string{
				"SIGNING_KEY": "base64:MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
			},
			check: func(t *testing.T, cfg *Config) {
				key, err := cfg.Auth.SigningKeyBytes()
				require.NoError(t, err)
				assert.Equal(t, []byte(testKey), key)
			},
		},
		{
			name:      "missing signing key",
			envVars:   map[string]string{},
			wantField: "SIGNING_KEY",
		},
		{
			name:      "short signing key",
			envVars:   map[string]string{"SIGNING_KEY": "short"},
			wantField: "SIGNING_KEY",
		},
		{
			name:      "bad base64 key",
			envVars:   map[string]string{"SIGNING_KEY": "base64:!!!"},
			wantField: "SIGNING_KEY",
		},
		{
			name:      "weak hash memory",
			envVars:   map[string]string{"SIGNING_KEY": testKey, "HASH_MEMORY_KIB": "64"},
			wantField: "HASH_MEMORY_KIB",
		},
		{
			name:      "zero rate limit",
			envVars:   map[string]string{"SIGNING_KEY": testKey, "RATE_LIMIT_MAX_REQUESTS": "0"},
			wantField: "RATE_LIMIT_MAX_REQUESTS",
		},
		{
			name:      "unknown driver",
			envVars:   map[string]string{"SIGNING_KEY": testKey, "DB_DRIVER": "mysql"},
			wantField: "DB_DRIVER",
		},
		{
			name:      "unknown provider",
			envVars:   map[string]string{"SIGNING_KEY": testKey, "LLM_PROVIDER": "bard"},
			wantField: "LLM_PROVIDER",
		},
		{
			name:      "production without provider key",
			envVars:   map[string]string{"SIGNING_KEY": testKey, "ENVIRONMENT": "production"},
			wantField: "LLM_PROVIDER",
		},
		{
			name: "trusted proxies",
			envVars: map[string]string{
				"SIGNING_KEY":     testKey,
				"TRUSTED_PROXIES": "10.0.0.0/8, 192.0.2.7 ,2001:db8::/32",
			},
			check: func(t *testing.T, cfg *Config) {
				prefixes, err := cfg.Server.TrustedProxyPrefixes()
				require.NoError(t, err)
				require.Len(t, prefixes, 3)
				assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
				assert.Equal(t, "192.0.2.7/32", prefixes[1].String())
				assert.Equal(t, "2001:db8::/32", prefixes[2].String())
			},
		},
		{
			name:      "bad trusted proxy",
			envVars:   map[string]string{"SIGNING_KEY": testKey, "TRUSTED_PROXIES": "proxy.internal"},
			wantField: "TRUSTED_PROXIES",
		},
		{
			name: "previous signing key",
			envVars: map[string]string{
				"SIGNING_KEY":            testKey,
				"SIGNING_KEY_GENERATION": "3",
				"SIGNING_KEY_PREVIOUS":   "ffffffffffffffffffffffffffffffff",
			},
			check: func(t *testing.T, cfg *Config) {
				prev, err := cfg.Auth.PreviousSigningKeyBytes()
				require.NoError(t, err)
				assert.Equal(t, []byte("ffffffffffffffffffffffffffffffff"), prev)
				assert.Equal(t, 3, cfg.Auth.SigningKeyGeneration)
			},
		},
		{
			name: "previous signing key without a generation before it",
			envVars: map[string]string{
				"SIGNING_KEY":          testKey,
				"SIGNING_KEY_PREVIOUS": "ffffffffffffffffffffffffffffffff",
			},
			wantField: "SIGNING_KEY_PREVIOUS",
		},
		{
			name: "refresh shorter than access",
			envVars: map[string]string{
				"SIGNING_KEY":       testKey,
				"TOKEN_TTL":         "48h",
				"REFRESH_TOKEN_TTL": "24h",
			},
			wantField: "REFRESH_TOKEN_TTL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SIGNING_KEY", "")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := New(context.Background())
			if tt.wantField != "" {
				require.Error(t, err)
				var cfgErr *ConfigError
				require.True(t, errors.As(err, &cfgErr), "want ConfigError, got %v", err)
				assert.Equal(t, tt.wantField, cfgErr.Field)
				return
			}

			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Run("sqlite file", func(t *testing.T) {
		c := DatabaseConfig{Driver: DriverSQLite, Path: "data/gw.db"}
		assert.Equal(t, "data/gw.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", c.DSN())
		assert.Equal(t, "path=data/gw.db", c.LogString())
		assert.False(t, c.IsInMemory())
	})

	t.Run("sqlite memory", func(t *testing.T) {
		c := DatabaseConfig{Driver: DriverSQLite, Path: ":memory:"}
		assert.True(t, c.IsInMemory())
	})

	t.Run("postgres fields", func(t *testing.T) {
		c := DatabaseConfig{Driver: DriverPostgres, Host: "h", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
		assert.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=disable", c.DSN())
		assert.Equal(t, "host=h port=5432 database=d", c.LogString())
	})

	t.Run("postgres url never logs password", func(t *testing.T) {
		c := DatabaseConfig{Driver: DriverPgx, ConnectionString: "postgres://u:hunter2@db:6543/gw"}
		assert.Equal(t, c.ConnectionString, c.DSN())
		assert.Equal(t, "host=db port=6543 database=gw", c.LogString())
	})
}

func TestServerConfig_Address(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 9000}
	assert.Equal(t, "127.0.0.1:9000", c.Address())
}

func TestGetEnvAsSlice(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil))
}

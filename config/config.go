package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database drivers understood by the repository layer
const (
	DriverPostgres = "postgres" // lib/pq
	DriverPgx      = "pgx"      // jackc/pgx stdlib
	DriverSQLite   = "sqlite"   // modernc.org/sqlite
)

// LLM providers the relay can stream from
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// minSigningKeyLength mirrors the token service requirement
const minSigningKeyLength = 32

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Hash          HashConfig
	Providers     ProvidersConfig
	Relay         RelayConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration // 0 disables; streaming responses need it off
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
	TrustedProxies     []string // addresses or CIDRs allowed to set X-Forwarded-For
	TLS                struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds credential store configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	Driver           string
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	Path             string // SQLite file, or :memory:
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	AutoMigrate      bool
}

// AuthConfig holds token and session configuration
type AuthConfig struct {
	SigningKey           string
	PreviousSigningKey   string // verifies generation SigningKeyGeneration-1 for the grace window
	SigningKeyGeneration int
	TokenTTL             time.Duration
	RotationGrace        time.Duration
	RefreshTokenTTL      time.Duration
	Issuer               string
}

// RateLimitConfig holds per-identity and per-origin limits
type RateLimitConfig struct {
	Window          time.Duration
	MaxRequests     int
	AnonPerSecond   float64
	AnonBurst       int
	CleanupInterval time.Duration
}

// HashConfig holds argon2id cost parameters
type HashConfig struct {
	MemoryKiB   int
	Iterations  int
	Parallelism int
}

// ProvidersConfig holds LLM provider configurations
type ProvidersConfig struct {
	Default string
	OpenAI  OpenAIConfig
	Gemini  GeminiConfig
}

// OpenAIConfig holds OpenAI-compatible provider configuration
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// GeminiConfig holds Google Gemini provider configuration
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// RelayConfig holds streaming relay configuration
type RelayConfig struct {
	BufferSize     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxPromptBytes int
	HistoryLimit   int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// ConfigError reports an invalid setting. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration from the environment without validating it
func Load() *Config {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               getPort(),
			ReadTimeout:        getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:       getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout:    getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TrustedProxies:     getEnvAsSlice("TRUSTED_PROXIES", nil),
		},
		Database: loadDatabaseConfig(),
		Auth: AuthConfig{
			SigningKey:           getEnv("SIGNING_KEY", ""),
			PreviousSigningKey:   getEnv("SIGNING_KEY_PREVIOUS", ""),
			SigningKeyGeneration: getEnvAsInt("SIGNING_KEY_GENERATION", 1),
			TokenTTL:             getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
			RotationGrace:        getEnvAsDuration("SIGNING_KEY_GRACE", 10*time.Minute),
			RefreshTokenTTL:      getEnvAsDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			Issuer:               getEnv("TOKEN_ISSUER", "llm-gateway"),
		},
		RateLimit: RateLimitConfig{
			Window:          getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			MaxRequests:     getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 60),
			AnonPerSecond:   getEnvAsFloat("ANON_RATE_LIMIT_PER_SECOND", 1),
			AnonBurst:       getEnvAsInt("ANON_RATE_LIMIT_BURST", 5),
			CleanupInterval: getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Minute),
		},
		Hash: HashConfig{
			MemoryKiB:   getEnvAsInt("HASH_MEMORY_KIB", 64*1024),
			Iterations:  getEnvAsInt("HASH_ITERATIONS", 3),
			Parallelism: getEnvAsInt("HASH_PARALLELISM", 2),
		},
		Providers: ProvidersConfig{
			Default: getEnv("LLM_PROVIDER", ProviderOpenAI),
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
				Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 5*time.Minute),
			},
			Gemini: GeminiConfig{
				APIKey:  getEnv("GEMINI_API_KEY", ""),
				BaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				Model:   getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
				Timeout: getEnvAsDuration("GEMINI_TIMEOUT", 5*time.Minute),
			},
		},
		Relay: RelayConfig{
			BufferSize:     getEnvAsInt("RELAY_BUFFER_SIZE", 16),
			PingInterval:   getEnvAsDuration("RELAY_PING_INTERVAL", 30*time.Second),
			WriteTimeout:   getEnvAsDuration("RELAY_WRITE_TIMEOUT", 10*time.Second),
			MaxPromptBytes: getEnvAsInt("RELAY_MAX_PROMPT_BYTES", 32*1024),
			HistoryLimit:   getEnvAsInt("RELAY_HISTORY_LIMIT", 50),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}
	return cfg
}

// Validate checks if all required configuration fields are set. Every
// failure is a *ConfigError.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}

	key, err := c.Auth.SigningKeyBytes()
	if err != nil {
		return err
	}
	if len(key) < minSigningKeyLength {
		return configErr("SIGNING_KEY", "must be at least %d bytes, got %d", minSigningKeyLength, len(key))
	}
	if c.Auth.SigningKeyGeneration < 1 {
		return configErr("SIGNING_KEY_GENERATION", "must be positive")
	}
	prev, err := c.Auth.PreviousSigningKeyBytes()
	if err != nil {
		return err
	}
	if prev != nil {
		if len(prev) < minSigningKeyLength {
			return configErr("SIGNING_KEY_PREVIOUS", "must be at least %d bytes, got %d", minSigningKeyLength, len(prev))
		}
		if c.Auth.SigningKeyGeneration < 2 {
			return configErr("SIGNING_KEY_PREVIOUS", "requires SIGNING_KEY_GENERATION of at least 2")
		}
	}
	if c.Auth.TokenTTL <= 0 {
		return configErr("TOKEN_TTL", "must be positive")
	}
	if c.Auth.RotationGrace < 0 {
		return configErr("SIGNING_KEY_GRACE", "must not be negative")
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.TokenTTL {
		return configErr("REFRESH_TOKEN_TTL", "must be longer than TOKEN_TTL")
	}

	if c.RateLimit.Window <= 0 {
		return configErr("RATE_LIMIT_WINDOW", "must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return configErr("RATE_LIMIT_MAX_REQUESTS", "must be positive")
	}
	if c.RateLimit.AnonPerSecond <= 0 || c.RateLimit.AnonBurst <= 0 {
		return configErr("ANON_RATE_LIMIT", "rate and burst must be positive")
	}

	if c.Hash.MemoryKiB < 1024 {
		return configErr("HASH_MEMORY_KIB", "must be at least 1024")
	}
	if c.Hash.Iterations < 1 {
		return configErr("HASH_ITERATIONS", "must be positive")
	}
	if c.Hash.Parallelism < 1 || c.Hash.Parallelism > 255 {
		return configErr("HASH_PARALLELISM", "must be between 1 and 255")
	}

	switch c.Providers.Default {
	case ProviderOpenAI, ProviderGemini:
	default:
		return configErr("LLM_PROVIDER", "unknown provider %q", c.Providers.Default)
	}
	if c.IsProduction() && c.Providers.OpenAI.APIKey == "" && c.Providers.Gemini.APIKey == "" {
		return configErr("LLM_PROVIDER", "at least one provider API key is required in production")
	}

	if c.Relay.BufferSize < 1 {
		return configErr("RELAY_BUFFER_SIZE", "must be positive")
	}
	if c.Relay.MaxPromptBytes < 1 {
		return configErr("RELAY_MAX_PROMPT_BYTES", "must be positive")
	}

	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return err
	}

	if c.Observability.LogLevel == "" {
		return configErr("LOG_LEVEL", "is required")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// SigningKeyBytes decodes SIGNING_KEY. A "base64:" prefix marks an encoded key.
func (a *AuthConfig) SigningKeyBytes() ([]byte, error) {
	if a.SigningKey == "" {
		return nil, configErr("SIGNING_KEY", "is required")
	}
	return decodeKey("SIGNING_KEY", a.SigningKey)
}

// PreviousSigningKeyBytes decodes SIGNING_KEY_PREVIOUS, or returns nil when
// it is unset.
func (a *AuthConfig) PreviousSigningKeyBytes() ([]byte, error) {
	if a.PreviousSigningKey == "" {
		return nil, nil
	}
	return decodeKey("SIGNING_KEY_PREVIOUS", a.PreviousSigningKey)
}

func decodeKey(field, value string) ([]byte, error) {
	if enc, ok := strings.CutPrefix(value, "base64:"); ok {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, configErr(field, "invalid base64: %v", err)
		}
		return key, nil
	}
	return []byte(value), nil
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES. A bare address is a
// single-host prefix.
func (c *ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, configErr("TRUSTED_PROXIES", "%q is neither an address nor a CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Validate checks the database settings for the selected driver
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.ConnectionString == "" && c.Path == "" {
			return configErr("SQLITE_PATH", "is required for the sqlite driver")
		}
	case DriverPostgres, DriverPgx:
		if c.ConnectionString == "" && c.Host == "" {
			return configErr("DATABASE_URL", "set DATABASE_URL or DB_HOST")
		}
		if c.ConnectionString == "" {
			if c.User == "" {
				return configErr("DB_USER", "is required")
			}
			if c.Database == "" {
				return configErr("DB_NAME", "is required")
			}
		}
	default:
		return configErr("DB_DRIVER", "unsupported driver %q", c.Driver)
	}
	return nil
}

// IsInMemory reports whether the database is a private SQLite memory database
func (c *DatabaseConfig) IsInMemory() bool {
	return c.Driver == DriverSQLite && c.ConnectionString == "" && c.Path == ":memory:"
}

// DSN returns the driver connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	if c.Driver == DriverSQLite {
		return c.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.Driver == DriverSQLite && c.ConnectionString == "" {
		return "path=" + c.Path
	}
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil && u.Host != "" {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Driver:           getEnv("DB_DRIVER", DriverSQLite),
		ConnectionString: getEnv("DATABASE_URL", ""),
		Path:             getEnv("SQLITE_PATH", "gateway.db"),
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:      getEnvAsBool("DB_AUTO_MIGRATE", true),
	}
	if cfg.ConnectionString == "" && cfg.Driver != DriverSQLite {
		cfg.Host = getEnv("DB_HOST", "localhost")
		cfg.Port = getEnvAsInt("DB_PORT", 5432)
		cfg.User = getEnv("DB_USER", "gateway")
		cfg.Password = getEnv("DB_PASSWORD", "")
		cfg.Database = getEnv("DB_NAME", "gateway")
		cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	}
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config loads service configuration from the environment.
package config

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Store drivers accepted by DB_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig    `env:",prefix=SERVER_"`
	Store   DatabaseConfig  `env:",prefix=DB_"`
	Auth    AuthConfig      `env:",prefix=AUTH_"`
	Credits CreditsConfig   `env:",prefix=CREDITS_"`
	Gemini  GeminiConfig    `env:",prefix=GEMINI_"`
	Rate    RateLimitConfig `env:",prefix=RATE_"`
	App     AppConfig       `env:",prefix=APP_"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `env:"PORT,default=8080"`
	Host            string        `env:"HOST,default=0.0.0.0"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=120s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS,default=http://localhost:5173,http://localhost:3000"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES,default=10485760"` // 10 MiB
}

// DatabaseConfig selects and configures the store
type DatabaseConfig struct {
	Driver string `env:"DRIVER,default=sqlite"`

	// SQLite
	Path string `env:"PATH,default=./data/tryon.db"`

	// PostgreSQL. URL wins over the discrete fields when set.
	URL             string        `env:"URL"`
	Host            string        `env:"HOST,default=localhost"`
	Port            string        `env:"PORT,default=5432"`
	User            string        `env:"USER,default=postgres"`
	Password        string        `env:"PASSWORD,default=postgres"`
	Name            string        `env:"NAME,default=tryon"`
	SSLMode         string        `env:"SSL_MODE,default=disable"`
	MaxConns        int           `env:"MAX_CONNS,default=25"`
	MinConns        int           `env:"MIN_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME,default=1h"`
}

// AuthConfig holds session token verification settings
type AuthConfig struct {
	JWTSecret  string `env:"JWT_SECRET"`
	Issuer     string `env:"ISSUER"`
	Audience   string `env:"AUDIENCE,default=authenticated"`
	AdminEmail string `env:"ADMIN_EMAIL"`
}

// CreditsConfig holds the credit rules
type CreditsConfig struct {
	StartingGrant     int64 `env:"STARTING_GRANT,default=10"`
	FreeRegenerations int64 `env:"FREE_REGENERATIONS,default=2"`
	GenerationCost    int64 `env:"GENERATION_COST,default=1"`
}

// GeminiConfig holds image model settings
type GeminiConfig struct {
	APIKey      string        `env:"API_KEY"`
	Project     string        `env:"PROJECT"`
	Location    string        `env:"LOCATION,default=us-central1"`
	Model       string        `env:"MODEL,default=gemini-2.5-flash-image"`
	Temperature float32       `env:"TEMPERATURE,default=0"`
	Timeout     time.Duration `env:"TIMEOUT,default=90s"`
}

// RateLimitConfig holds the per-account generation limit
type RateLimitConfig struct {
	PerMinute float64 `env:"PER_MINUTE,default=10"`
	Burst     int     `env:"BURST,default=5"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	Currency    string `env:"CURRENCY,default=USD"`
}

// Load loads configuration from environment variables
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith loads and validates configuration from l.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg, err := ParseWith(ctx, l)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseWith reads configuration from l without validating it.
func ParseWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that envconfig cannot.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("DB_DRIVER must be one of memory, sqlite, postgres; got %q", c.Store.Driver)
	}
	if c.Credits.StartingGrant < 0 {
		return fmt.Errorf("CREDITS_STARTING_GRANT must not be negative")
	}
	if c.Credits.FreeRegenerations < 0 {
		return fmt.Errorf("CREDITS_FREE_REGENERATIONS must not be negative")
	}
	if c.Credits.GenerationCost <= 0 {
		return fmt.Errorf("CREDITS_GENERATION_COST must be positive")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("SERVER_MAX_UPLOAD_BYTES must be positive")
	}
	if c.Rate.PerMinute <= 0 || c.Rate.Burst <= 0 {
		return fmt.Errorf("RATE_PER_MINUTE and RATE_BURST must be positive")
	}
	return nil
}

// GetDatabaseURL returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

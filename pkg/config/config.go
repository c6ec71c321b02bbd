package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Segment store backends.
const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config holds all configuration for ekaya-segments.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, connection URIs) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3460"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	SegmentStore SegmentStoreConfig `yaml:"segment_store"`
	Mongo        MongoConfig        `yaml:"mongo"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	QueryEngine  QueryEngineConfig  `yaml:"query_engine"`
	Segments     SegmentsConfig     `yaml:"segments"`
	MCP          MCPConfig          `yaml:"mcp"`

	// Location is the parsed Segments.Timezone (not from config file).
	Location *time.Location `yaml:"-"`
}

// SegmentStoreConfig selects where segment metadata lives.
type SegmentStoreConfig struct {
	Backend string `yaml:"backend" env:"SEGMENT_STORE_BACKEND" env-default:"mongo"`
}

// MongoConfig holds MongoDB configuration for the document store backend.
type MongoConfig struct {
	URI        string `yaml:"-" env:"MONGO_URI"` // Secret - may embed credentials
	Database   string `yaml:"database" env:"MONGO_DATABASE" env-default:"crm"`
	Collection string `yaml:"collection" env:"MONGO_COLLECTION" env-default:"segments"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_segments"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds Redis configuration. An empty host disables idempotency keys.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// QueryEngineConfig points at the external query engine.
type QueryEngineConfig struct {
	BaseURL string `yaml:"base_url" env:"QUERY_ENGINE_URL" env-default:""`
	// Timeout bounds each engine call. Zero leaves cancellation to request contexts.
	Timeout time.Duration `yaml:"timeout" env:"QUERY_ENGINE_TIMEOUT" env-default:"120s"`
	// BreakerThreshold is the number of consecutive unreachable results that open the
	// circuit. Zero disables the breaker.
	BreakerThreshold  int           `yaml:"breaker_threshold" env:"QUERY_ENGINE_BREAKER_THRESHOLD" env-default:"5"`
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after" env:"QUERY_ENGINE_BREAKER_RESET_AFTER" env-default:"30s"`
}

// SegmentsConfig holds lifecycle settings.
type SegmentsConfig struct {
	// Timezone decides which calendar day "today" is when resolving relative dates.
	Timezone       string        `yaml:"timezone" env:"SEGMENTS_TIMEZONE" env-default:"Asia/Jakarta"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"SEGMENTS_IDEMPOTENCY_TTL" env-default:"24h"`
	// IdempotencyPendingTTL bounds how long an unfinished create holds its key, so a
	// crashed request does not block retries for the full TTL. Zero derives it from the
	// engine timeout: a create makes two engine calls.
	IdempotencyPendingTTL time.Duration `yaml:"idempotency_pending_ttl" env:"SEGMENTS_IDEMPOTENCY_PENDING_TTL" env-default:"0"`
}

// defaultPendingTTL applies when neither the pending TTL nor the engine timeout is set.
const defaultPendingTTL = 5 * time.Minute

// MCPConfig controls the MCP tool surface.
type MCPConfig struct {
	Enabled bool `yaml:"enabled" env:"MCP_ENABLED" env-default:"true"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; env vars and defaults are used instead.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := readConfig("config.yaml", cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func readConfig(path string, cfg *Config) error {
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		if !isNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
	}
	return nil
}

// validate checks cross-field constraints and parses derived fields.
func (c *Config) validate() error {
	switch c.SegmentStore.Backend {
	case BackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo segment store")
		}
	case BackendPostgres:
	default:
		return fmt.Errorf("segment_store.backend must be %q or %q, got %q", BackendMongo, BackendPostgres, c.SegmentStore.Backend)
	}

	if c.QueryEngine.BaseURL == "" {
		return fmt.Errorf("query_engine.base_url (QUERY_ENGINE_URL) is required")
	}
	u, err := url.Parse(c.QueryEngine.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("query_engine.base_url must be an absolute http(s) URL, got %q", c.QueryEngine.BaseURL)
	}
	if c.QueryEngine.Timeout < 0 {
		return fmt.Errorf("query_engine.timeout must not be negative")
	}
	if c.QueryEngine.BreakerThreshold < 0 {
		return fmt.Errorf("query_engine.breaker_threshold must not be negative")
	}

	if c.Segments.IdempotencyTTL <= 0 {
		return fmt.Errorf("segments.idempotency_ttl must be positive")
	}
	if c.Segments.IdempotencyPendingTTL < 0 {
		return fmt.Errorf("segments.idempotency_pending_ttl must not be negative")
	}
	if c.Segments.IdempotencyPendingTTL == 0 {
		c.Segments.IdempotencyPendingTTL = 2 * c.QueryEngine.Timeout
		if c.Segments.IdempotencyPendingTTL == 0 {
			c.Segments.IdempotencyPendingTTL = defaultPendingTTL
		}
	}
	c.Segments.IdempotencyPendingTTL = min(c.Segments.IdempotencyPendingTTL, c.Segments.IdempotencyTTL)

	loc, err := time.LoadLocation(c.Segments.Timezone)
	if err != nil {
		return fmt.Errorf("segments.timezone: %w", err)
	}
	c.Location = loc

	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection as a URL, as needed by database/sql drivers
// used for migrations.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Enabled reports whether Redis is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns host:port for the Redis client.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}

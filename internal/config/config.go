package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings for the version log store
	Database DatabaseConfig

	// Graph store (Neo4j) settings
	Graph GraphStoreConfig

	// OTel tracing
	Otel OtelConfig

	// Log/graph reconciliation
	Reconcile ReconcileConfig

	// Engagement scoring
	Engagement EngagementConfig

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"agora"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"agora"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// GraphStoreConfig holds Neo4j connection settings
type GraphStoreConfig struct {
	URI      string `env:"NEO4J_URI" envDefault:"bolt://localhost:7687"`
	Username string `env:"NEO4J_USERNAME" envDefault:"neo4j"`
	Password string `env:"NEO4J_PASSWORD" envDefault:""`
	Database string `env:"NEO4J_DATABASE" envDefault:"neo4j"`

	// MaxPoolSize caps concurrent bolt connections
	MaxPoolSize int `env:"NEO4J_MAX_POOL_SIZE" envDefault:"25"`

	// QueryTimeout bounds a single graph round trip
	QueryTimeout time.Duration `env:"NEO4J_QUERY_TIMEOUT" envDefault:"15s"`

	// LiteralQueries inlines escaped literals instead of bolt parameters.
	// Only for proxies that strip query parameters; leave off otherwise.
	LiteralQueries bool `env:"NEO4J_LITERAL_QUERIES" envDefault:"false"`
}

// ReconcileConfig holds settings for the log/graph reconciler
type ReconcileConfig struct {
	// RunOnStart triggers a reconciliation pass during application startup
	RunOnStart bool `env:"RECONCILE_ON_START" envDefault:"true"`

	// Schedule is a cron expression with a seconds field; empty disables
	// the periodic run
	Schedule string `env:"RECONCILE_CRON" envDefault:"0 */10 * * * *"`

	// Lookback restricts the scan to rows changed within this window.
	// Zero scans the whole log.
	Lookback time.Duration `env:"RECONCILE_LOOKBACK" envDefault:"24h"`

	// BatchSize is the number of entities fetched per scan page
	BatchSize int `env:"RECONCILE_BATCH_SIZE" envDefault:"500"`
}

// EngagementConfig holds engagement signal caching settings
type EngagementConfig struct {
	// CacheSize is the number of per-entity signal aggregates kept in the LRU
	CacheSize int `env:"ENGAGEMENT_CACHE_SIZE" envDefault:"1024"`

	// CacheTTL is how long a cached aggregate stays fresh; zero disables
	// caching entirely
	CacheTTL time.Duration `env:"ENGAGEMENT_CACHE_TTL" envDefault:"30s"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("db_host", cfg.Database.Host),
		slog.String("db_name", cfg.Database.Database),
		slog.String("neo4j_uri", cfg.Graph.URI),
		slog.Bool("tracing", cfg.Otel.Enabled()),
	)

	return cfg, nil
}

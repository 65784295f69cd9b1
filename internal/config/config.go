package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/flappy-rocket/internal/domain"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	SQLite      SQLiteConfig      `yaml:"sqlite"`
	Allowance   AllowanceConfig   `yaml:"allowance"`
	Auth        AuthConfig        `yaml:"auth"`
	Rewards     RewardsConfig     `yaml:"rewards"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Events      EventsConfig      `yaml:"events"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the backend that holds allowance and score records
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// SQLiteConfig holds the embedded database configuration
type SQLiteConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// AllowanceConfig holds the play allowance policy.
//
// Earlier releases seeded first-time players with 3 plays but reset returning
// players to 4. Both paths now use DailyGrant.
type AllowanceConfig struct {
	DailyGrant    int           `yaml:"daily_grant"`
	RollingPeriod time.Duration `yaml:"rolling_period"`
}

// Policy returns the domain policy for this configuration
func (c AllowanceConfig) Policy() domain.AllowancePolicy {
	return domain.AllowancePolicy{
		DailyGrant:    c.DailyGrant,
		RollingPeriod: c.RollingPeriod,
	}
}

// AuthConfig holds request token verification settings
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`
	MaxTokenAge  time.Duration `yaml:"max_token_age"`
	ClockSkew    time.Duration `yaml:"clock_skew"`
	PayoutAPIKey string        `yaml:"payout_api_key"`
}

// RewardsConfig holds reward bookkeeping settings
type RewardsConfig struct {
	RatePerPoint float64 `yaml:"rate_per_point"`
}

// KafkaConfig holds Kafka consumer configuration for payout events
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// EventsConfig holds Kafka producer configuration for game events
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	FlushFrequency time.Duration `yaml:"flush_frequency"`
}

// LeaderboardConfig holds leaderboard query limits
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// BroadcastConfig holds the periodic leaderboard broadcast settings
type BroadcastConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	TopN     int           `yaml:"top_n"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// envOverrides carries values that are usually injected as secrets.
type envOverrides struct {
	StorageDriver    string `env:"FLAPPY_STORAGE_DRIVER"`
	JWTSecret        string `env:"FLAPPY_JWT_SECRET"`
	PayoutAPIKey     string `env:"FLAPPY_PAYOUT_API_KEY"`
	PostgresPassword string `env:"FLAPPY_POSTGRES_PASSWORD"`
	RedisPassword    string `env:"FLAPPY_REDIS_PASSWORD"`
	DailyGrant       int    `env:"FLAPPY_DAILY_GRANT"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnv overlays FLAPPY_* environment variables on the file values
func (c *Config) applyEnv() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	if overrides.StorageDriver != "" {
		c.Storage.Driver = overrides.StorageDriver
	}
	if overrides.JWTSecret != "" {
		c.Auth.JWTSecret = overrides.JWTSecret
	}
	if overrides.PayoutAPIKey != "" {
		c.Auth.PayoutAPIKey = overrides.PayoutAPIKey
	}
	if overrides.PostgresPassword != "" {
		c.Postgres.Password = overrides.PostgresPassword
	}
	if overrides.RedisPassword != "" {
		c.Redis.Password = overrides.RedisPassword
	}
	if overrides.DailyGrant != 0 {
		c.Allowance.DailyGrant = overrides.DailyGrant
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	// Storage defaults
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "flappy"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// SQLite defaults
	if c.SQLite.Path == "" {
		c.SQLite.Path = "flappy.db"
	}
	if c.SQLite.BusyTimeout == 0 {
		c.SQLite.BusyTimeout = 5 * time.Second
	}

	// Allowance defaults
	if c.Allowance.DailyGrant == 0 {
		c.Allowance.DailyGrant = domain.DefaultDailyGrant
	}
	if c.Allowance.RollingPeriod == 0 {
		c.Allowance.RollingPeriod = domain.DefaultRollingPeriod
	}

	// Auth defaults
	if c.Auth.MaxTokenAge == 0 {
		c.Auth.MaxTokenAge = 2 * time.Minute
	}
	if c.Auth.ClockSkew == 0 {
		c.Auth.ClockSkew = 5 * time.Second
	}

	// Rewards defaults
	if c.Rewards.RatePerPoint == 0 {
		c.Rewards.RatePerPoint = 0.0005
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "flappy-payouts"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "flappy-allowance"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Events defaults
	if len(c.Events.Brokers) == 0 {
		c.Events.Brokers = c.Kafka.Brokers
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "flappy-game-events"
	}
	if c.Events.FlushFrequency == 0 {
		c.Events.FlushFrequency = 100 * time.Millisecond
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 5
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 100
	}

	// Broadcast defaults
	if c.Broadcast.Interval == 0 {
		c.Broadcast.Interval = 5 * time.Second
	}
	if c.Broadcast.TopN == 0 {
		c.Broadcast.TopN = c.Leaderboard.DefaultLimit
	}

	// Metrics defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks settings that have no safe default
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverPostgres, DriverRedis, DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if err := c.Allowance.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Rewards.RatePerPoint < 0 {
		errs = append(errs, errors.New("rewards.rate_per_point must not be negative"))
	}
	if c.Leaderboard.DefaultLimit > c.Leaderboard.MaxLimit {
		errs = append(errs, fmt.Errorf("leaderboard.default_limit %d exceeds max_limit %d",
			c.Leaderboard.DefaultLimit, c.Leaderboard.MaxLimit))
	}

	return errors.Join(errs...)
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = cfg.applyEnv()
	cfg.applyDefaults()
	cfg.Broadcast.Enabled = true
	cfg.Metrics.Enabled = true
	return cfg
}

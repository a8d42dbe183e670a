package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	GameAPI    GameAPIConfig    `yaml:"game_api"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Presence   PresenceConfig   `yaml:"presence"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
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

// KafkaConfig holds Kafka producer configuration for death-event emission
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	DeathTopic    string        `yaml:"death_topic"`
	Enabled       bool          `yaml:"enabled"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// GameAPIConfig holds external game-data API client configuration
type GameAPIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CharacterTTL   time.Duration `yaml:"character_ttl"`
	WorldTTL       time.Duration `yaml:"world_ttl"`
	GuildTTL       time.Duration `yaml:"guild_ttl"`
	RateLimit      int           `yaml:"rate_limit"`
	Concurrency    int           `yaml:"concurrency"`
}

// IngestConfig holds death ingestion pipeline configuration
type IngestConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// PresenceConfig holds presence reconciliation loop configuration
type PresenceConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SupervisorConfig holds health-probe and cleanup configuration
type SupervisorConfig struct {
	ProbeInterval       time.Duration `yaml:"probe_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	TransitionRetention time.Duration `yaml:"transition_retention"`
	UsageLogRetention   time.Duration `yaml:"usage_log_retention"`
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

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
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

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
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
		c.Postgres.MaxConnections = 25
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.DeathTopic == "" {
		c.Kafka.DeathTopic = "guild-deaths"
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	// Game API defaults
	if c.GameAPI.BaseURL == "" {
		c.GameAPI.BaseURL = "https://api.tibiadata.com/v4"
	}
	if c.GameAPI.RequestTimeout == 0 {
		c.GameAPI.RequestTimeout = 10 * time.Second
	}
	if c.GameAPI.CharacterTTL == 0 {
		c.GameAPI.CharacterTTL = 5 * time.Minute
	}
	if c.GameAPI.WorldTTL == 0 {
		c.GameAPI.WorldTTL = 60 * time.Second
	}
	if c.GameAPI.GuildTTL == 0 {
		c.GameAPI.GuildTTL = 10 * time.Minute
	}
	if c.GameAPI.RateLimit == 0 {
		c.GameAPI.RateLimit = 60
	}
	if c.GameAPI.Concurrency == 0 {
		c.GameAPI.Concurrency = 5
	}

	// Ingest defaults
	if c.Ingest.Interval == 0 {
		c.Ingest.Interval = 30 * time.Second
	}

	// Presence defaults
	if c.Presence.Interval == 0 {
		c.Presence.Interval = 60 * time.Second
	}

	// Supervisor defaults
	if c.Supervisor.ProbeInterval == 0 {
		c.Supervisor.ProbeInterval = 5 * time.Minute
	}
	if c.Supervisor.CleanupInterval == 0 {
		c.Supervisor.CleanupInterval = 1 * time.Hour
	}
	if c.Supervisor.TransitionRetention == 0 {
		c.Supervisor.TransitionRetention = 7 * 24 * time.Hour
	}
	if c.Supervisor.UsageLogRetention == 0 {
		c.Supervisor.UsageLogRetention = 30 * 24 * time.Hour
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration.
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Sandbox   SandboxConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-wide settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings used for heartbeat/progress
// fan-out; the queue's system of record remains Postgres.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig holds worker pool scheduling settings.
type QueueConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	ShutdownGrace     time.Duration
	ConcurrencyCaps   map[string]int
}

// SandboxConfig holds virtual execution sandbox settings.
type SandboxConfig struct {
	MaxBlobBytes int
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	EnableMetrics bool
	MetricsPort   int
}

// Load reads configuration from the environment for the named service.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "workflows"),
			User:        getEnv("POSTGRES_USER", "workflows"),
			Password:    getEnv("POSTGRES_PASSWORD", "workflows"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			PollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			HeartbeatInterval: getEnvDuration("QUEUE_HEARTBEAT_INTERVAL", 10*time.Second),
			StaleThreshold:    getEnvDuration("QUEUE_STALE_THRESHOLD", 45*time.Second),
			ShutdownGrace:     getEnvDuration("QUEUE_SHUTDOWN_GRACE", 30*time.Second),
			ConcurrencyCaps:   map[string]int{"default": getEnvInt("QUEUE_DEFAULT_CONCURRENCY", 4)},
		},
		Sandbox: SandboxConfig{
			MaxBlobBytes: getEnvInt("SANDBOX_MAX_BLOB_BYTES", 16*1024*1024),
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// runtime errors deep inside the engine.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	if c.Queue.HeartbeatInterval >= c.Queue.StaleThreshold {
		return fmt.Errorf("heartbeat interval must be strictly less than stale threshold")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string for pgx.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database,
	)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

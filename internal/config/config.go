// Package config handles loading and validating configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store backend selectors for STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration for the sentiflow server.
type Config struct {
	// HTTP
	ListenAddr string

	// Primary store
	StoreBackend  string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Archive (empty DSN disables archiving)
	ClickhouseDSN string

	// Fan-out
	DedupWindow   int
	WriteRetries  int
	BusBufferSize int

	// Cache
	CacheCapacity int

	// Preload
	PreloadWorkers   int
	PreloadQueueSize int

	// Streaming
	HeartbeatInterval time.Duration
	DebounceInterval  time.Duration
	ReplayBufferSize  int
	SendQueueSize     int

	// Retention
	SweepInterval time.Duration
}

// Load reads configuration with priority: environment variables > .env
// file > defaults.
func Load() (*Config, error) {
	// Missing .env is fine, env vars and defaults still apply.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		StoreBackend:  getEnv("STORE_BACKEND", BackendMemory),
		PostgresDSN:   getEnv("POSTGRES_DSN", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ClickhouseDSN: getEnv("CLICKHOUSE_DSN", ""),

		DedupWindow:   getEnvInt("DEDUP_WINDOW", 64),
		WriteRetries:  getEnvInt("WRITE_RETRIES", 3),
		BusBufferSize: getEnvInt("BUS_BUFFER_SIZE", 256),

		CacheCapacity: getEnvInt("CACHE_CAPACITY", 16384),

		PreloadWorkers:   getEnvInt("PRELOAD_WORKERS", 4),
		PreloadQueueSize: getEnvInt("PRELOAD_QUEUE_SIZE", 256),

		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 15)) * time.Second,
		DebounceInterval:  time.Duration(getEnvInt("DEBOUNCE_INTERVAL_MS", 100)) * time.Millisecond,
		ReplayBufferSize:  getEnvInt("REPLAY_BUFFER_SIZE", 1024),
		SendQueueSize:     getEnvInt("SEND_QUEUE_SIZE", 64),

		SweepInterval: time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.DedupWindow < 1 {
		return fmt.Errorf("DEDUP_WINDOW must be at least 1")
	}
	if c.WriteRetries < 0 {
		return fmt.Errorf("WRITE_RETRIES must not be negative")
	}
	if c.CacheCapacity < 1 {
		return fmt.Errorf("CACHE_CAPACITY must be at least 1")
	}
	if c.PreloadWorkers < 1 {
		return fmt.Errorf("PRELOAD_WORKERS must be at least 1")
	}
	if c.DebounceInterval <= 0 {
		return fmt.Errorf("DEBOUNCE_INTERVAL_MS must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an environment variable as an integer or returns a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the upload service
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Storage  StorageConfig  `toml:"storage"`
	Retry    RetryConfig    `toml:"retry"`
	Reaper   ReaperConfig   `toml:"reaper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
	// JWTSecret is taken from the JWT_SECRET environment variable, never
	// from the config file.
	JWTSecret string `toml:"-"`
}

// DatabaseConfig holds the session metadata store configuration. An empty
// URL selects the in-memory store.
type DatabaseConfig struct {
	URL            string `toml:"url"`
	MigrationsPath string `toml:"migrations_path"`
}

// RedisConfig holds the notification channel configuration. An empty
// address selects the log publisher.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// StorageConfig holds chunk and final-file storage settings
type StorageConfig struct {
	DataDir           string `toml:"data_dir"`
	FinalDir          string `toml:"final_dir"`
	MinChunkBytes     int64  `toml:"min_chunk_bytes"`
	DefaultChunkBytes int64  `toml:"default_chunk_bytes"`
	MaxChunkBytes     int64  `toml:"max_chunk_bytes"`
	ConcurrentChunks  int    `toml:"concurrent_chunks"`
}

// RetryConfig holds the retry policy inputs
type RetryConfig struct {
	MaxAttempts     int `toml:"max_attempts"`
	BackoffBaseMs   int `toml:"backoff_base_ms"`
	BackoffCapMs    int `toml:"backoff_cap_ms"`
	ChunkTimeoutSec int `toml:"chunk_timeout_sec"`
}

// ReaperConfig holds the stale-session sweep settings
type ReaperConfig struct {
	IntervalMin          int `toml:"interval_min"`
	SessionTTLHours      int `toml:"session_ttl_hours"`
	FailedRetentionHours int `toml:"failed_retention_hours"`
}

// Load loads configuration from a TOML file, then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.SetDefaults()

	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.SetDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	c.Server.JWTSecret = os.Getenv("JWT_SECRET")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("FINAL_DIR"); v != "" {
		c.Storage.FinalDir = v
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("SESSION_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reaper.SessionTTLHours = n
		}
	}
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60
	}
	if c.Database.MigrationsPath == "" {
		c.Database.MigrationsPath = "./migrations"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "uploads.events"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.FinalDir == "" {
		c.Storage.FinalDir = "uploaded_files"
	}
	if c.Storage.MinChunkBytes == 0 {
		c.Storage.MinChunkBytes = 256 * 1024 // 256KB
	}
	if c.Storage.DefaultChunkBytes == 0 {
		c.Storage.DefaultChunkBytes = 1024 * 1024 // 1MB
	}
	if c.Storage.MaxChunkBytes == 0 {
		c.Storage.MaxChunkBytes = 2 * 1024 * 1024 // 2MB
	}
	if c.Storage.ConcurrentChunks == 0 {
		c.Storage.ConcurrentChunks = 3
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffBaseMs == 0 {
		c.Retry.BackoffBaseMs = 500
	}
	if c.Retry.BackoffCapMs == 0 {
		c.Retry.BackoffCapMs = 8000
	}
	if c.Retry.ChunkTimeoutSec == 0 {
		c.Retry.ChunkTimeoutSec = 30
	}
	if c.Reaper.IntervalMin == 0 {
		c.Reaper.IntervalMin = 60
	}
	if c.Reaper.SessionTTLHours == 0 {
		c.Reaper.SessionTTLHours = 24
	}
	if c.Reaper.FailedRetentionHours == 0 {
		c.Reaper.FailedRetentionHours = 24
	}
}

// ChunkTimeout returns the per-chunk write deadline.
func (c *RetryConfig) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutSec) * time.Second
}

// BackoffBase returns the backoff base delay.
func (c *RetryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the backoff ceiling.
func (c *RetryConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMs) * time.Millisecond
}

// Interval returns the sweep interval.
func (c *ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMin) * time.Minute
}

// SessionTTL returns how long an uploading session may sit idle.
func (c *ReaperConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// FailedRetention returns how long failed sessions keep their chunk data.
func (c *ReaperConfig) FailedRetention() time.Duration {
	return time.Duration(c.FailedRetentionHours) * time.Hour
}

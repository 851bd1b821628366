package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// FileEnv names the optional YAML file applied beneath the environment.
const FileEnv = "TRACEHUB_CONFIG"

// Config holds all application configuration.
//
// Precedence, lowest first: Default(), the YAML file named by TRACEHUB_CONFIG,
// environment variables, then CLI flags applied by cmd/server. Fields carry no
// envconfig defaults so an unset variable never overrides the file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Adaptive  AdaptiveConfig  `yaml:"adaptive"`
	Stream    StreamConfig    `yaml:"stream"`
	Recent    RecentConfig    `yaml:"recent"`
	Logging   LogConfig       `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `envconfig:"TRACEHUB_HOST" yaml:"host"`
	Port            string        `envconfig:"TRACEHUB_PORT" yaml:"port"`
	MaxConnections  int           `envconfig:"TRACEHUB_MAX_CONNECTIONS" yaml:"max_connections"`
	ShutdownTimeout time.Duration `envconfig:"TRACEHUB_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// StorageConfig holds trace store configuration.
type StorageConfig struct {
	Path           string        `envconfig:"TRACEHUB_DB" yaml:"path"`
	RetentionHours int           `envconfig:"TRACEHUB_RETENTION_HOURS" yaml:"retention_hours"`
	Timeout        time.Duration `envconfig:"TRACEHUB_STORAGE_TIMEOUT" yaml:"timeout"`
	MaxOpenConns   int           `envconfig:"TRACEHUB_DB_MAX_CONNS" yaml:"max_open_conns"`
}

// Retention returns the retention horizon.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// AuthConfig holds ingest authentication. An empty secret leaves ingest open.
type AuthConfig struct {
	Secret string `envconfig:"TRACEHUB_SECRET" yaml:"secret"`
}

// AdaptiveConfig holds the sampling state machine settings, in seconds.
type AdaptiveConfig struct {
	HotTTL       int     `envconfig:"ADAPTIVE_HOT_TTL" yaml:"hot_ttl"`
	WarmTTL      int     `envconfig:"ADAPTIVE_WARM_TTL" yaml:"warm_ttl"`
	WarmRate     float64 `envconfig:"ADAPTIVE_WARM_RATE" yaml:"warm_rate"`
	ColdRate     float64 `envconfig:"ADAPTIVE_COLD_RATE" yaml:"cold_rate"`
	TickInterval int     `envconfig:"ADAPTIVE_TICK_INTERVAL" yaml:"tick_interval"`
}

// Tick returns the maintenance base interval.
func (a AdaptiveConfig) Tick() time.Duration {
	return time.Duration(a.TickInterval) * time.Second
}

// StreamConfig holds live stream settings.
type StreamConfig struct {
	QueueSize      int           `envconfig:"STREAM_QUEUE_SIZE" yaml:"queue_size"`
	Keepalive      time.Duration `envconfig:"STREAM_KEEPALIVE" yaml:"keepalive"`
	DefaultTimeout time.Duration `envconfig:"STREAM_DEFAULT_TIMEOUT" yaml:"default_timeout"`
	MaxTimeout     time.Duration `envconfig:"STREAM_MAX_TIMEOUT" yaml:"max_timeout"`
	StaleAfter     time.Duration `envconfig:"STREAM_STALE_AFTER" yaml:"stale_after"`
}

// RecentConfig holds the global cap on the recent-traces endpoint.
type RecentConfig struct {
	RateLimit  int           `envconfig:"RECENT_RATE_LIMIT" yaml:"rate_limit"`
	RateWindow time.Duration `envconfig:"RECENT_RATE_WINDOW" yaml:"rate_window"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development"`
}

// RateLimitConfig holds API-wide rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"rps"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled"`
}

// Load builds configuration from defaults, the optional YAML file and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.MergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// MergeFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.ParseUint(c.Server.Port, 10, 16); err != nil {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Server.Port))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Storage.RetentionHours <= 0 {
		errs = append(errs, errors.New("retention hours must be positive"))
	}
	if c.Adaptive.HotTTL <= 0 || c.Adaptive.WarmTTL <= 0 {
		errs = append(errs, errors.New("adaptive TTLs must be positive"))
	}
	if c.Adaptive.TickInterval <= 0 {
		errs = append(errs, errors.New("adaptive tick interval must be positive"))
	}
	if c.Adaptive.WarmRate < 0 || c.Adaptive.WarmRate > 1 || c.Adaptive.ColdRate < 0 || c.Adaptive.ColdRate > 1 {
		errs = append(errs, errors.New("sampling rates must be within [0, 1]"))
	}
	if c.Recent.RateLimit <= 0 || c.Recent.RateWindow <= 0 {
		errs = append(errs, errors.New("recent rate limit and window must be positive"))
	}
	return errors.Join(errs...)
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8099",
			MaxConnections:  1024,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Path:           "/tmp/tracehub.db",
			RetentionHours: 24,
			Timeout:        5 * time.Second,
			MaxOpenConns:   4,
		},
		Adaptive: AdaptiveConfig{
			HotTTL:       300,
			WarmTTL:      1500,
			WarmRate:     0.1,
			ColdRate:     0.0,
			TickInterval: 10,
		},
		Stream: StreamConfig{
			QueueSize:      100,
			Keepalive:      time.Second,
			DefaultTimeout: 60 * time.Second,
			MaxTimeout:     time.Hour,
			StaleAfter:     5 * time.Minute,
		},
		Recent: RecentConfig{
			RateLimit:  30,
			RateWindow: 60 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           false,
		},
	}
}

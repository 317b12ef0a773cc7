// Package config loads and validates keystored configuration from a YAML
// file, applying defaults for anything the file omits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level keystored configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Audit   AuditConfig   `yaml:"audit"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AuthSecret enables request signing when non-empty. Clients must
	// send an Authorization header computed over method, path, and date
	// with this shared secret.
	AuthSecret string `yaml:"auth_secret"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the key record backend.
type StorageConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EngineConfig tunes the software keystore engine.
type EngineConfig struct {
	MaxUpdateChunk int `yaml:"max_update_chunk"`
	MaxOperations  int `yaml:"max_operations"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled   bool       `yaml:"enabled"`
	MaxEvents int        `yaml:"max_events"`
	Sink      SinkConfig `yaml:"sink"`
	// RedactMetadataKeys holds glob patterns; metadata whose key
	// matches any pattern is replaced with a placeholder.
	RedactMetadataKeys []string `yaml:"redact_metadata_keys"`
}

// SinkConfig selects where audit events are written.
type SinkConfig struct {
	Type          string            `yaml:"type"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":7499",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Type: "memory",
			Redis: RedisConfig{
				Address: "127.0.0.1:6379",
			},
		},
		Engine: EngineConfig{
			MaxUpdateChunk: 32 * 1024,
			MaxOperations:  1024,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 1000,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "keystored",
		},
	}
}

// Load reads path, overlays it on the defaults, and validates the result.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}

	switch c.Storage.Type {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("storage.redis.address must be set when storage.type is redis")
		}
	default:
		return fmt.Errorf("storage.type %q must be memory or redis", c.Storage.Type)
	}

	if c.Engine.MaxUpdateChunk <= 0 {
		return fmt.Errorf("engine.max_update_chunk must be positive")
	}
	if c.Engine.MaxOperations <= 0 {
		return fmt.Errorf("engine.max_operations must be positive")
	}

	if c.Audit.Enabled {
		switch c.Audit.Sink.Type {
		case "", "stdout":
		case "http":
			if c.Audit.Sink.Endpoint == "" {
				return fmt.Errorf("audit.sink.endpoint must be set for the http sink")
			}
		case "file":
			if c.Audit.Sink.FilePath == "" {
				return fmt.Errorf("audit.sink.file_path must be set for the file sink")
			}
		default:
			return fmt.Errorf("audit.sink.type %q is not a known sink", c.Audit.Sink.Type)
		}
		if c.Audit.MaxEvents <= 0 {
			return fmt.Errorf("audit.max_events must be positive")
		}
	}

	return nil
}

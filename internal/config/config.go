// Package config defines the top-level configuration for the D3SK indexer
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by D3SK_* environment variables.
type Config struct {
	Flow     FlowConfig     `toml:"flow"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Indexer  IndexerConfig  `toml:"indexer"`
	Server   ServerConfig   `toml:"server"`
	Export   ExportConfig   `toml:"export"`
	S3       S3Config       `toml:"s3"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// FlowConfig holds Flow access-node endpoints and D3SK contract addresses.
type FlowConfig struct {
	Network         string `toml:"network"`
	AccessNode      string `toml:"access_node"`
	StreamEndpoint  string `toml:"stream_endpoint"`
	OfferAddress    string `toml:"offer_address"`
	RegistryAddress string `toml:"registry_address"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When Addr is empty the
// indexer uses an in-process event bus instead of Redis Pub/Sub.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// IndexerConfig holds reconciliation-engine tuning parameters.
type IndexerConfig struct {
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBase        duration `toml:"reconnect_base"`
	ReconnectCap         duration `toml:"reconnect_cap"`
	Shards               int      `toml:"shards"`
}

// ServerConfig holds the HTTP/WebSocket API server configuration.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// ExportConfig holds the trade archive export job parameters. The export is
// copy-only; rows are never deleted from the store.
type ExportConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	Prefix   string   `toml:"prefix"`
}

// S3Config holds S3-compatible object storage parameters for trade exports.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration wraps time.Duration so TOML values like "5s" decode naturally.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

var validModes = map[string]bool{
	"full":  true,
	"index": true,
	"api":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Defaults returns the built-in configuration that a TOML file and
// environment overrides are merged on top of.
func Defaults() Config {
	return Config{
		Flow: FlowConfig{
			Network:         "testnet",
			AccessNode:      "https://rest-testnet.onflow.org",
			StreamEndpoint:  "wss://rest-testnet.onflow.org/v1/ws",
			OfferAddress:    "0x0",
			RegistryAddress: "0x0",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "d3sk",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		Indexer: IndexerConfig{
			MaxReconnectAttempts: 10,
			ReconnectBase:        duration{time.Second},
			ReconnectCap:         duration{60 * time.Second},
			Shards:               8,
		},
		Server: ServerConfig{
			Port:        3001,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Export: ExportConfig{
			Enabled:  false,
			Interval: duration{time.Hour},
			Prefix:   "trades",
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency and returns a
// single error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, index, api)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Flow.AccessNode == "" {
		errs = append(errs, "flow: access_node must not be empty")
	}
	needsIndexer := c.Mode == "full" || c.Mode == "index"
	if needsIndexer {
		if c.Flow.StreamEndpoint == "" {
			errs = append(errs, "flow: stream_endpoint must not be empty for mode "+c.Mode)
		}
		if c.Flow.OfferAddress == "" {
			errs = append(errs, "flow: offer_address must not be empty")
		}
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}

	if c.Indexer.MaxReconnectAttempts < 1 {
		errs = append(errs, "indexer: max_reconnect_attempts must be >= 1")
	}
	if c.Indexer.ReconnectBase.Duration <= 0 {
		errs = append(errs, "indexer: reconnect_base must be positive")
	}
	if c.Indexer.ReconnectCap.Duration < c.Indexer.ReconnectBase.Duration {
		errs = append(errs, "indexer: reconnect_cap must be >= reconnect_base")
	}
	if c.Indexer.Shards < 1 {
		errs = append(errs, "indexer: shards must be >= 1")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Export.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "export: s3.bucket is required when export is enabled")
		}
		if c.Export.Interval.Duration <= 0 {
			errs = append(errs, "export: interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

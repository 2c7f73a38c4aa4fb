package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies D3SK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load. A missing file is not
// an error: defaults plus environment overrides are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known D3SK_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Flow ──
	setStr(&cfg.Flow.Network, "D3SK_FLOW_NETWORK")
	setStr(&cfg.Flow.AccessNode, "D3SK_FLOW_ACCESS_NODE")
	setStr(&cfg.Flow.StreamEndpoint, "D3SK_FLOW_STREAM_ENDPOINT")
	setStr(&cfg.Flow.OfferAddress, "D3SK_OFFER_ADDRESS")
	setStr(&cfg.Flow.RegistryAddress, "D3SK_REGISTRY_ADDRESS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "D3SK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "D3SK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "D3SK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "D3SK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "D3SK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "D3SK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "D3SK_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "D3SK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "D3SK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "D3SK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "D3SK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "D3SK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "D3SK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "D3SK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "D3SK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "D3SK_REDIS_TLS_ENABLED")

	// ── Indexer ──
	setInt(&cfg.Indexer.MaxReconnectAttempts, "D3SK_INDEXER_MAX_RECONNECT_ATTEMPTS")
	setDuration(&cfg.Indexer.ReconnectBase, "D3SK_INDEXER_RECONNECT_BASE")
	setDuration(&cfg.Indexer.ReconnectCap, "D3SK_INDEXER_RECONNECT_CAP")
	setInt(&cfg.Indexer.Shards, "D3SK_INDEXER_SHARDS")

	// ── Server ──
	setInt(&cfg.Server.Port, "D3SK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "D3SK_SERVER_CORS_ORIGINS")

	// ── Export / S3 ──
	setBool(&cfg.Export.Enabled, "D3SK_EXPORT_ENABLED")
	setDuration(&cfg.Export.Interval, "D3SK_EXPORT_INTERVAL")
	setStr(&cfg.Export.Prefix, "D3SK_EXPORT_PREFIX")
	setStr(&cfg.S3.Endpoint, "D3SK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "D3SK_S3_REGION")
	setStr(&cfg.S3.Bucket, "D3SK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "D3SK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "D3SK_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "D3SK_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	setStr(&cfg.Mode, "D3SK_MODE")
	setStr(&cfg.LogLevel, "D3SK_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

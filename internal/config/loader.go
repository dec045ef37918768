package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMBET_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STREAMBET_* environment variable overrides, and
// returns the final Config. A missing file is not an error when path is
// empty. The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads well-known STREAMBET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Identity ──
	setStr(&cfg.Identity.PrivateKey, "IDENTITY_PRIVATE_KEY")
	setStr(&cfg.Identity.KeyFile, "IDENTITY_KEY_FILE")
	setStr(&cfg.Identity.KeyPassword, "IDENTITY_KEY_PASSWORD")

	// ── ClearNode ──
	setStr(&cfg.ClearNode.URL, "CLEARNODE_URL")
	setStr(&cfg.ClearNode.Application, "CLEARNODE_APPLICATION")
	setStr(&cfg.ClearNode.Scope, "CLEARNODE_SCOPE")
	setDuration(&cfg.ClearNode.SessionTTL, "CLEARNODE_SESSION_TTL")
	setDuration(&cfg.ClearNode.RequestTimeout, "CLEARNODE_REQUEST_TIMEOUT")
	setInt(&cfg.ClearNode.ReconnectAttempts, "CLEARNODE_RECONNECT_ATTEMPTS")

	// ── Market ──
	setStr(&cfg.Market.DefaultAsset, "MARKET_DEFAULT_ASSET")
	setInt(&cfg.Market.BetLimit, "MARKET_BET_LIMIT")
	setDuration(&cfg.Market.BetWindow, "MARKET_BET_WINDOW")

	// ── Metrics ──
	setStr(&cfg.Metrics.BaseURL, "METRICS_BASE_URL")
	setStr(&cfg.Metrics.APIKey, "METRICS_API_KEY")
	setStr(&cfg.Metrics.APISecret, "METRICS_API_SECRET")
	setDuration(&cfg.Metrics.Timeout, "METRICS_TIMEOUT")
	setInt(&cfg.Metrics.Retries, "METRICS_RETRIES")

	// ── Oracle ──
	setBool(&cfg.Oracle.Enabled, "ORACLE_ENABLED")
	setStr(&cfg.Oracle.Schedule, "ORACLE_SCHEDULE")
	setDuration(&cfg.Oracle.LockTTL, "ORACLE_LOCK_TTL")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "SUPABASE_POOL_MAX_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "REDIS_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the prefixed
// environment variable is present and non-empty.
// ---------------------------------------------------------------------------

func lookup(key string) string { return os.Getenv(EnvPrefix + key) }

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

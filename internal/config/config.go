// Package config defines the top-level configuration for streambet and
// provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STREAMBET_* environment variables.
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	ClearNode ClearNodeConfig `toml:"clearnode"`
	Market    MarketConfig    `toml:"market"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Oracle    OracleConfig    `toml:"oracle"`
	Supabase  SupabaseConfig  `toml:"supabase"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// IdentityConfig holds the long-lived signing identity. A raw private key
// wins over an encrypted key file.
type IdentityConfig struct {
	PrivateKey  string `toml:"private_key"`
	KeyFile     string `toml:"key_file"`
	KeyPassword string `toml:"key_password"`
}

// AllowanceConfig caps how much of one asset the session key may move.
type AllowanceConfig struct {
	Asset  string `toml:"asset"`
	Amount string `toml:"amount"`
}

// ClearNodeConfig holds the coordinator endpoint and handshake parameters.
type ClearNodeConfig struct {
	URL                string            `toml:"url"`
	Application        string            `toml:"application"`
	Scope              string            `toml:"scope"`
	Allowances         []AllowanceConfig `toml:"allowances"`
	SessionTTL         duration          `toml:"session_ttl"`
	RequestTimeout     duration          `toml:"request_timeout"`
	HandshakeTimeout   duration          `toml:"handshake_timeout"`
	ReconnectAttempts  int               `toml:"reconnect_attempts"`
	ReconnectBaseDelay duration          `toml:"reconnect_base_delay"`
	MaxQueue           int               `toml:"max_queue"`
}

// MarketConfig holds market creation and betting parameters.
type MarketConfig struct {
	DefaultAsset string   `toml:"default_asset"`
	BetLimit     int      `toml:"bet_limit"` // bets per bettor per window; 0 disables
	BetWindow    duration `toml:"bet_window"`
	CacheTTL     duration `toml:"cache_ttl"`
}

// MetricsConfig points at the streaming platform's metric API.
type MetricsConfig struct {
	BaseURL    string   `toml:"base_url"`
	APIKey     string   `toml:"api_key"`
	APISecret  string   `toml:"api_secret"`
	Timeout    duration `toml:"timeout"`
	Retries    int      `toml:"retries"`
	RetryDelay duration `toml:"retry_delay"`
}

// OracleConfig holds settlement scheduling parameters.
type OracleConfig struct {
	Enabled  bool     `toml:"enabled"`
	Schedule string   `toml:"schedule"` // robfig/cron spec, e.g. "@every 30s"
	LockKey  string   `toml:"lock_key"`
	LockTTL  duration `toml:"lock_ttl"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	Prefix       string `toml:"prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the resolution
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP API server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	ReplayCount int64    `toml:"replay_count"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPI       string   `toml:"telegram_api"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Run modes.
const (
	ModeOracle = "oracle"
	ModeServer = "server"
	ModeFull   = "full"
)

var validModes = map[string]bool{
	ModeOracle: true,
	ModeServer: true,
	ModeFull:   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		ClearNode: ClearNodeConfig{
			URL:                "wss://clearnet.yellow.com/ws",
			Application:        "streambet",
			Scope:              "app.streambet",
			SessionTTL:         duration{24 * time.Hour},
			RequestTimeout:     duration{10 * time.Second},
			HandshakeTimeout:   duration{15 * time.Second},
			ReconnectAttempts:  5,
			ReconnectBaseDelay: duration{time.Second},
			MaxQueue:           256,
		},
		Market: MarketConfig{
			DefaultAsset: "usdc",
			BetLimit:     10,
			BetWindow:    duration{time.Minute},
			CacheTTL:     duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Timeout:    duration{10 * time.Second},
			Retries:    2,
			RetryDelay: duration{500 * time.Millisecond},
		},
		Oracle: OracleConfig{
			Enabled:  true,
			Schedule: "@every 30s",
			LockKey:  "oracle:cycle",
			LockTTL:  duration{2 * time.Minute},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			Prefix:       "streambet",
			StreamMaxLen: 1000,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "streambet-data",
			Prefix:         "resolutions",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
			ReplayCount: 20,
		},
		Notify: NotifyConfig{
			Events:   []string{"market_resolved", "market_settled", "oracle_errors"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

// NeedsOracle reports whether the mode runs the settlement scheduler.
func (c *Config) NeedsOracle() bool {
	return c.Oracle.Enabled && (c.Mode == ModeOracle || c.Mode == ModeFull)
}

// NeedsServer reports whether the mode serves the HTTP API.
func (c *Config) NeedsServer() bool {
	return c.Server.Enabled && (c.Mode == ModeServer || c.Mode == ModeFull)
}

// Validate checks Config for obviously invalid or missing values and returns a
// single error listing every problem.
func (c *Config) Validate() error {
	var errs []string

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: oracle, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Identity: every mode talks to the coordinator.
	if c.Identity.PrivateKey == "" && c.Identity.KeyFile == "" {
		errs = append(errs, "identity: either private_key or key_file must be set")
	}
	if c.Identity.KeyFile != "" && c.Identity.PrivateKey == "" && c.Identity.KeyPassword == "" {
		errs = append(errs, "identity: key_password is required when key_file is set")
	}

	// ClearNode
	if u, err := url.Parse(c.ClearNode.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("clearnode: url must be a ws:// or wss:// URL, got %q", c.ClearNode.URL))
	}
	if c.ClearNode.Application == "" {
		errs = append(errs, "clearnode: application must not be empty")
	}
	if c.ClearNode.RequestTimeout.Duration <= 0 {
		errs = append(errs, "clearnode: request_timeout must be > 0")
	}
	if c.ClearNode.SessionTTL.Duration < time.Minute {
		errs = append(errs, "clearnode: session_ttl must be at least 1m")
	}
	for i, a := range c.ClearNode.Allowances {
		if a.Asset == "" {
			errs = append(errs, fmt.Sprintf("clearnode: allowances[%d].asset must not be empty", i))
		}
		if n, ok := new(big.Int).SetString(a.Amount, 10); !ok || n.Sign() < 0 {
			errs = append(errs, fmt.Sprintf("clearnode: allowances[%d].amount must be a non-negative integer, got %q", i, a.Amount))
		}
	}

	// Market
	if c.Market.DefaultAsset == "" {
		errs = append(errs, "market: default_asset must not be empty")
	}
	if c.Market.BetLimit < 0 {
		errs = append(errs, "market: bet_limit must be >= 0")
	}
	if c.Market.BetLimit > 0 && c.Market.BetWindow.Duration <= 0 {
		errs = append(errs, "market: bet_window must be > 0 when bet_limit is set")
	}

	// Metrics: only the oracle reads them.
	if c.NeedsOracle() {
		if u, err := url.Parse(c.Metrics.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("metrics: base_url must be an absolute URL, got %q", c.Metrics.BaseURL))
		}
		if (c.Metrics.APIKey == "") != (c.Metrics.APISecret == "") {
			errs = append(errs, "metrics: api_key and api_secret must be set together")
		}
	}
	if c.Metrics.Retries < 0 {
		errs = append(errs, "metrics: retries must be >= 0")
	}

	// Oracle
	if c.NeedsOracle() {
		if _, err := cron.ParseStandard(c.Oracle.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("oracle: schedule %q: %v", c.Oracle.Schedule, err))
		}
		if c.Oracle.LockTTL.Duration <= 0 {
			errs = append(errs, "oracle: lock_ttl must be > 0")
		}
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	// Server
	if c.NeedsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

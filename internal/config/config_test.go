package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Identity.PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Metrics.BaseURL = "https://metrics.example"
	return cfg
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streambet.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsNeedOnlyIdentityAndMetrics(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bare := Defaults()
	err := bare.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity: either private_key or key_file must be set")
	assert.Contains(t, err.Error(), "metrics: base_url must be an absolute URL")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := writeTOML(t, `
mode = "oracle"

[clearnode]
url = "wss://node.example/ws"
request_timeout = "3s"

[[clearnode.allowances]]
asset = "usdc"
amount = "1000000"

[oracle]
schedule = "*/5 * * * *"
`)
	t.Setenv("STREAMBET_ORACLE_LOCK_TTL", "45s")
	t.Setenv("STREAMBET_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("STREAMBET_MARKET_BET_LIMIT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeOracle, cfg.Mode)
	assert.Equal(t, "wss://node.example/ws", cfg.ClearNode.URL)
	assert.Equal(t, 3*time.Second, cfg.ClearNode.RequestTimeout.Duration)
	assert.Equal(t, []AllowanceConfig{{Asset: "usdc", Amount: "1000000"}}, cfg.ClearNode.Allowances)
	assert.Equal(t, "*/5 * * * *", cfg.Oracle.Schedule)
	assert.Equal(t, 45*time.Second, cfg.Oracle.LockTTL.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 10, cfg.Market.BetLimit, "unparseable override is ignored")
	assert.Equal(t, "streambet", cfg.ClearNode.Application, "unset keys keep defaults")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTOML(t, `
[oracle]
shedule = "@every 1m"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle.shedule")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "trade"
	cfg.ClearNode.URL = "https://node.example"
	cfg.ClearNode.Allowances = []AllowanceConfig{{Asset: "usdc", Amount: "-5"}}
	cfg.Supabase.PoolMinConns = 50
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"clearnode: url must be a ws:// or wss:// URL",
		"allowances[0].amount must be a non-negative integer",
		"pool_min_conns must be between 0 and pool_max_conns",
		"telegram_token and telegram_chat_id must be set together",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateOracleSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Oracle.Schedule = "every thirty seconds"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle: schedule")

	cfg = validConfig()
	cfg.Mode = ModeServer
	cfg.Oracle.Schedule = "every thirty seconds"
	cfg.Metrics.BaseURL = ""
	assert.NoError(t, cfg.Validate(), "server mode does not run the oracle")
}

func TestModeHelpers(t *testing.T) {
	cfg := validConfig()
	assert.True(t, cfg.NeedsOracle())
	assert.True(t, cfg.NeedsServer())

	cfg.Mode = ModeOracle
	assert.True(t, cfg.NeedsOracle())
	assert.False(t, cfg.NeedsServer())

	cfg.Oracle.Enabled = false
	assert.False(t, cfg.NeedsOracle())
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.APISecret = "s3cret"
	cfg.Server.APIKey = "operator"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Identity.PrivateKey)
	assert.Equal(t, "***", out.Metrics.APISecret)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Notify.Events[0] = "mutated"
	assert.Equal(t, "market_resolved", cfg.Notify.Events[0])
	assert.Equal(t, "operator", cfg.Server.APIKey)
}

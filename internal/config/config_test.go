package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATA_DIR", "PORT", "LOG_LEVEL", "DEV_MODE", "WEBHOOK_PASSPHRASE",
		"MASTER_ENCRYPTION_KEY", "WORKER_CONCURRENCY", "SIGNAL_CONCURRENCY_CAP",
		"SUPERVISOR_TICK_SECONDS", "WEBHOOK_BURST_PER_MINUTE", "BINANCE_USE_TESTNET",
		"MARK_PRICE_STREAM_URL", "R2_BACKUP_BUCKET",
		"RATE_LIMIT_DEFAULT_PER_SEC", "RATE_LIMIT_DEFAULT_BURST",
		"BINANCE_RATE_LIMIT_PER_SEC", "BINANCE_RATE_LIMIT_BURST",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_FailsWithoutWebhookPassphrase(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTER_ENCRYPTION_KEY", "01234567890123456789012345678901")

	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestLoad_FailsWithShortMasterKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PASSPHRASE", "shh")
	t.Setenv("MASTER_ENCRYPTION_KEY", "tooshort")

	_, err := Load(t.TempDir())
	require.Error(t, err)
}

func TestLoad_DefaultsMarkPriceStreamURLToBinanceCombinedStream(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PASSPHRASE", "shh")
	t.Setenv("MASTER_ENCRYPTION_KEY", "01234567890123456789012345678901")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=!markPrice@arr@1s", cfg.MarkPriceStreamURL)
}

func TestLoad_EmptyMarkPriceStreamURLFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PASSPHRASE", "shh")
	t.Setenv("MASTER_ENCRYPTION_KEY", "01234567890123456789012345678901")
	t.Setenv("MARK_PRICE_STREAM_URL", "")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=!markPrice@arr@1s", cfg.MarkPriceStreamURL, "an empty env value falls back to the default, like an unset one")
}

func TestLoad_RateLimitDefaultsApplyWhenUnset(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PASSPHRASE", "shh")
	t.Setenv("MASTER_ENCRYPTION_KEY", "01234567890123456789012345678901")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.RateLimitDefault.RatePerSecond)
	assert.Equal(t, 20, cfg.RateLimitDefault.Burst)
	assert.Empty(t, cfg.RateLimitByExchange, "no per-exchange override env vars were set")
}

func TestLoad_PerExchangeRateLimitOverridesDefaultForThatExchangeOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PASSPHRASE", "shh")
	t.Setenv("MASTER_ENCRYPTION_KEY", "01234567890123456789012345678901")
	t.Setenv("BINANCE_RATE_LIMIT_PER_SEC", "25")
	t.Setenv("BINANCE_RATE_LIMIT_BURST", "50")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Contains(t, cfg.RateLimitByExchange, "binance")
	assert.Equal(t, 25.0, cfg.RateLimitByExchange["binance"].RatePerSecond)
	assert.Equal(t, 50, cfg.RateLimitByExchange["binance"].Burst)
	assert.Equal(t, 10.0, cfg.RateLimitDefault.RatePerSecond, "default is unaffected by the binance override")
}

func TestLoad_R2BackupConfigNilWhenBucketUnset(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PASSPHRASE", "shh")
	t.Setenv("MASTER_ENCRYPTION_KEY", "01234567890123456789012345678901")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cfg.R2Backup)
}

func TestLoad_R2BackupConfigPopulatedWhenBucketSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEBHOOK_PASSPHRASE", "shh")
	t.Setenv("MASTER_ENCRYPTION_KEY", "01234567890123456789012345678901")
	t.Setenv("R2_BACKUP_BUCKET", "signalmirror-backups")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, cfg.R2Backup)
	assert.Equal(t, "signalmirror-backups", cfg.R2Backup.Bucket)
	assert.Equal(t, "auto", cfg.R2Backup.Region)
}

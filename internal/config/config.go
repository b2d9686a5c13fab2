// Package config provides configuration management for the signal dispatch
// and execution engine.
//
// Configuration Loading Order:
//  1. Load from .env file (if present)
//  2. Load from environment variables
//
// All other repository concerns (dashboard, billing, chat, etc.) own their
// own configuration surfaces that this package never reads.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration for the core engine.
type Config struct {
	DataDir              string // base directory for the SQLite database file
	Port                 int    // HTTP server port
	LogLevel             string // debug, info, warn, error
	DevMode              bool   // development mode flag (pretty logging, testnet default)
	WebhookPassphrase    string // shared secret compared against incoming webhook bodies
	MasterEncryptionKey  string // symmetric key used by the credential store
	WorkerConcurrency    int    // number of workers draining the job queue
	SignalConcurrencyCap int    // max concurrent per-subscriber tasks within one execute_signal job

	SupervisorTick     time.Duration // Position Supervisor tick interval
	WebhookBurstPerMin int           // requests per source IP per minute; not read by internal/server, whose webhook route uses a fixed 30
	BinanceUseTestnet  bool          // route the Binance adapter at the futures testnet
	MarkPriceStreamURL string        // combined mark-price WebSocket stream; empty disables the live cache (an empty MARK_PRICE_STREAM_URL falls back to the default)
	R2Backup           *R2BackupConfig

	RateLimitDefault    ExchangeRateLimit            // fallback capacity for an exchange with no override below
	RateLimitByExchange map[string]ExchangeRateLimit // exchange_id -> its own capacity, e.g. "binance"
}

// ExchangeRateLimit is the token-bucket capacity applied to outbound calls
// against one exchange.
type ExchangeRateLimit struct {
	RatePerSecond float64
	Burst         int
}

// R2BackupConfig configures the optional encrypted off-box backup of the
// audit/ledger databases to an S3-compatible object store (e.g. Cloudflare R2).
// Nil when R2_BACKUP_BUCKET is unset — the feature is then simply disabled.
type R2BackupConfig struct {
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// Load reads configuration from environment variables.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:              absDataDir,
		Port:                 getEnvAsInt("PORT", 8080),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		WebhookPassphrase:    getEnv("WEBHOOK_PASSPHRASE", ""),
		MasterEncryptionKey:  getEnv("MASTER_ENCRYPTION_KEY", ""),
		WorkerConcurrency:    getEnvAsInt("WORKER_CONCURRENCY", 8),
		SignalConcurrencyCap: getEnvAsInt("SIGNAL_CONCURRENCY_CAP", 8),
		SupervisorTick:       time.Duration(getEnvAsInt("SUPERVISOR_TICK_SECONDS", 5)) * time.Second,
		WebhookBurstPerMin:   getEnvAsInt("WEBHOOK_BURST_PER_MINUTE", 30),
		BinanceUseTestnet:    getEnvAsBool("BINANCE_USE_TESTNET", false),
		MarkPriceStreamURL:   getEnv("MARK_PRICE_STREAM_URL", "wss://fstream.binance.com/stream?streams=!markPrice@arr@1s"),
		R2Backup:             loadR2BackupConfig(),
		RateLimitDefault: ExchangeRateLimit{
			RatePerSecond: getEnvAsFloat("RATE_LIMIT_DEFAULT_PER_SEC", 10),
			Burst:         getEnvAsInt("RATE_LIMIT_DEFAULT_BURST", 20),
		},
		RateLimitByExchange: loadRateLimitByExchange(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present. Startup fails fast
// rather than running a webhook nobody can authenticate against, or an
// encrypted credential store with no key.
func (c *Config) Validate() error {
	if c.WebhookPassphrase == "" {
		return fmt.Errorf("WEBHOOK_PASSPHRASE is required")
	}
	if c.MasterEncryptionKey == "" {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY is required")
	}
	if len(c.MasterEncryptionKey) < 32 {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY must be at least 32 bytes (got %d)", len(c.MasterEncryptionKey))
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	return nil
}

// exchangesWithOwnRateLimitEnvPrefix lists the exchanges this deployment
// knows how to override individually. Each entry is looked up as
// <PREFIX>_RATE_LIMIT_PER_SEC / <PREFIX>_RATE_LIMIT_BURST; an exchange with
// neither variable set falls back to RateLimitDefault.
var exchangesWithOwnRateLimitEnvPrefix = map[string]string{
	"binance": "BINANCE",
}

func loadRateLimitByExchange() map[string]ExchangeRateLimit {
	overrides := make(map[string]ExchangeRateLimit)
	for exchangeID, prefix := range exchangesWithOwnRateLimitEnvPrefix {
		rateKey := prefix + "_RATE_LIMIT_PER_SEC"
		burstKey := prefix + "_RATE_LIMIT_BURST"
		if os.Getenv(rateKey) == "" && os.Getenv(burstKey) == "" {
			continue
		}
		overrides[exchangeID] = ExchangeRateLimit{
			RatePerSecond: getEnvAsFloat(rateKey, 10),
			Burst:         getEnvAsInt(burstKey, 20),
		}
	}
	return overrides
}

func loadR2BackupConfig() *R2BackupConfig {
	bucket := getEnv("R2_BACKUP_BUCKET", "")
	if bucket == "" {
		return nil
	}
	return &R2BackupConfig{
		Bucket:          bucket,
		Endpoint:        getEnv("R2_BACKUP_ENDPOINT", ""),
		AccessKeyID:     getEnv("R2_BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("R2_BACKUP_SECRET_ACCESS_KEY", ""),
		Region:          getEnv("R2_BACKUP_REGION", "auto"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

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

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPBOT_* environment variable overrides, and
// returns the final Config. A missing file leaves the defaults in place so a
// deployment can be configured from the environment alone. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty).
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "PERPBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.Symbol, "PERPBOT_EXCHANGE_SYMBOL")
	setStr(&cfg.Exchange.ProductType, "PERPBOT_EXCHANGE_PRODUCT_TYPE")
	setStr(&cfg.Exchange.MarginCoin, "PERPBOT_EXCHANGE_MARGIN_COIN")
	setStr(&cfg.Exchange.MarginMode, "PERPBOT_EXCHANGE_MARGIN_MODE")
	setInt(&cfg.Exchange.PricePlace, "PERPBOT_EXCHANGE_PRICE_PLACE")
	setStr(&cfg.Exchange.APIKey, "PERPBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "PERPBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.Passphrase, "PERPBOT_EXCHANGE_PASSPHRASE")
	setStr(&cfg.Exchange.EncryptedSecretPath, "PERPBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "PERPBOT_EXCHANGE_SECRET_PASSWORD")
	setDuration(&cfg.Exchange.Timeout, "PERPBOT_EXCHANGE_TIMEOUT")
	setInt(&cfg.Exchange.RequestsPerSecond, "PERPBOT_EXCHANGE_REQUESTS_PER_SECOND")

	// ── Oracle ──
	setStr(&cfg.Oracle.Model, "PERPBOT_ORACLE_MODEL")
	setStr(&cfg.Oracle.OpenAIKey, "PERPBOT_ORACLE_OPENAI_API_KEY")
	setStr(&cfg.Oracle.OpenAIKey, "OPENAI_API_KEY") // compatibility alias
	setStr(&cfg.Oracle.OpenAIBaseURL, "PERPBOT_ORACLE_OPENAI_BASE_URL")
	setStr(&cfg.Oracle.AnthropicKey, "PERPBOT_ORACLE_ANTHROPIC_API_KEY")
	setStr(&cfg.Oracle.AnthropicKey, "ANTHROPIC_API_KEY") // compatibility alias
	setStr(&cfg.Oracle.AnthropicBaseURL, "PERPBOT_ORACLE_ANTHROPIC_BASE_URL")
	setInt(&cfg.Oracle.MaxTokens, "PERPBOT_ORACLE_MAX_TOKENS")
	setFloat64(&cfg.Oracle.Temperature, "PERPBOT_ORACLE_TEMPERATURE")
	setDuration(&cfg.Oracle.Timeout, "PERPBOT_ORACLE_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.DSN, "PERPBOT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "PERPBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "PERPBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "PERPBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "PERPBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "PERPBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "PERPBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "PERPBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PERPBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.PreferIPv4, "PERPBOT_DATABASE_PREFER_IPV4")
	setBool(&cfg.Database.RunMigrations, "PERPBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PERPBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERPBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setFloat64(&cfg.Trading.BalanceUsage, "PERPBOT_TRADING_BALANCE_USAGE")
	setFloat64(&cfg.Trading.LeverageAdjust, "PERPBOT_TRADING_LEVERAGE_ADJUST_FACTOR")
	setInt(&cfg.Trading.SizePrecision, "PERPBOT_TRADING_SIZE_PRECISION")
	setInt(&cfg.Trading.MaxLeverage, "PERPBOT_TRADING_MAX_LEVERAGE")
	setFloat64(&cfg.Trading.DefaultPositionSize, "PERPBOT_TRADING_DEFAULT_POSITION_SIZE")
	setInt(&cfg.Trading.DefaultLeverage, "PERPBOT_TRADING_DEFAULT_LEVERAGE")
	setFloat64(&cfg.Trading.DefaultStopLossROE, "PERPBOT_TRADING_DEFAULT_STOP_LOSS_ROE")
	setFloat64(&cfg.Trading.DefaultTakeProfitROE, "PERPBOT_TRADING_DEFAULT_TAKE_PROFIT_ROE")
	setInt(&cfg.Trading.DefaultExpectedMinutes, "PERPBOT_TRADING_DEFAULT_EXPECTED_MINUTES")
	setInt(&cfg.Trading.StopLossReanalysisMinutes, "PERPBOT_TRADING_STOP_LOSS_REANALYSIS_MINUTES")
	setInt(&cfg.Trading.NormalReanalysisMinutes, "PERPBOT_TRADING_NORMAL_REANALYSIS_MINUTES")
	setInt(&cfg.Trading.MonitoringIntervalMinutes, "PERPBOT_TRADING_MONITORING_INTERVAL_MINUTES")
	setInt(&cfg.Trading.ForceCloseRetryMinutes, "PERPBOT_TRADING_FORCE_CLOSE_RETRY_MINUTES")
	setDuration(&cfg.Trading.MisfireGrace, "PERPBOT_TRADING_MISFIRE_GRACE")
	setInt(&cfg.Trading.Workers, "PERPBOT_TRADING_WORKERS")
	setDuration(&cfg.Trading.LockTTL, "PERPBOT_TRADING_LOCK_TTL")

	// ── Reconciler ──
	setDuration(&cfg.Reconciler.PollInterval, "PERPBOT_RECONCILER_POLL_INTERVAL")
	setDuration(&cfg.Reconciler.Jitter, "PERPBOT_RECONCILER_JITTER")
	setDuration(&cfg.Reconciler.WatchInterval, "PERPBOT_RECONCILER_WATCH_INTERVAL")
	setFloat64(&cfg.Reconciler.LargeMovePct, "PERPBOT_RECONCILER_LARGE_MOVE_PCT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PERPBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "PERPBOT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "PERPBOT_ARCHIVE_CRON")
	setBool(&cfg.Archive.Prune, "PERPBOT_ARCHIVE_PRUNE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PERPBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PERPBOT_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PERPBOT_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

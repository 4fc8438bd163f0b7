// Package config defines the top-level configuration for perpbot and
// provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Exchange   ExchangeConfig   `toml:"exchange"`
	Oracle     OracleConfig     `toml:"oracle"`
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Trading    TradingConfig    `toml:"trading"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	// Mode is "trade" (start trading on boot) or "standby" (wait for the API).
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
}

// ExchangeConfig holds the Bitget futures credentials and contract.
type ExchangeConfig struct {
	BaseURL     string `toml:"base_url"`
	Symbol      string `toml:"symbol"`
	ProductType string `toml:"product_type"`
	MarginCoin  string `toml:"margin_coin"`
	MarginMode  string `toml:"margin_mode"`
	PricePlace  int    `toml:"price_place"`

	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	Passphrase string `toml:"passphrase"`
	// EncryptedSecretPath points at a secret written by crypto.EncryptSecret;
	// it is used when api_secret is empty.
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`

	Timeout duration `toml:"timeout"`
	// RequestsPerSecond throttles REST calls through the shared redis limiter.
	RequestsPerSecond int `toml:"requests_per_second"`
}

// OracleConfig holds the LLM provider credentials.
type OracleConfig struct {
	Model            string   `toml:"model"`
	OpenAIKey        string   `toml:"openai_api_key"`
	OpenAIBaseURL    string   `toml:"openai_base_url"`
	AnthropicKey     string   `toml:"anthropic_api_key"`
	AnthropicBaseURL string   `toml:"anthropic_base_url"`
	MaxTokens        int      `toml:"max_tokens"`
	Temperature      float64  `toml:"temperature"`
	Timeout          duration `toml:"timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	PreferIPv4    bool   `toml:"prefer_ipv4"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds sizing, risk and scheduling parameters.
type TradingConfig struct {
	BalanceUsage   float64 `toml:"balance_usage"`
	LeverageAdjust float64 `toml:"leverage_adjust_factor"`
	SizePrecision  int     `toml:"size_precision"`
	MaxLeverage    int     `toml:"max_leverage"`

	DefaultPositionSize    float64 `toml:"default_position_size"`
	DefaultLeverage        int     `toml:"default_leverage"`
	DefaultStopLossROE     float64 `toml:"default_stop_loss_roe"`
	DefaultTakeProfitROE   float64 `toml:"default_take_profit_roe"`
	DefaultExpectedMinutes int     `toml:"default_expected_minutes"`

	// Seed values for the runtime settings table.
	StopLossReanalysisMinutes int `toml:"stop_loss_reanalysis_minutes"`
	NormalReanalysisMinutes   int `toml:"normal_reanalysis_minutes"`
	MonitoringIntervalMinutes int `toml:"monitoring_interval_minutes"`

	ForceCloseRetryMinutes int      `toml:"force_close_retry_minutes"`
	MisfireGrace           duration `toml:"misfire_grace"`
	Workers                int      `toml:"workers"`
	LockTTL                duration `toml:"lock_ttl"`
}

// ReconcilerConfig holds the liquidation poll parameters.
type ReconcilerConfig struct {
	PollInterval  duration `toml:"poll_interval"`
	Jitter        duration `toml:"jitter"`
	WatchInterval duration `toml:"watch_interval"`
	LargeMovePct  float64  `toml:"large_move_pct"`
}

// ArchiveConfig controls the history/audit cold archive.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	Prune         bool   `toml:"prune"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.bitget.com",
			Symbol:            "BTCUSDT",
			ProductType:       "USDT-FUTURES",
			MarginCoin:        "USDT",
			MarginMode:        "isolated",
			PricePlace:        1,
			Timeout:           duration{15 * time.Second},
			RequestsPerSecond: 10,
		},
		Oracle: OracleConfig{
			Model:       "claude",
			MaxTokens:   4096,
			Temperature: 0.2,
			Timeout:     duration{2 * time.Minute},
		},
		Database: DatabaseConfig{
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
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "perpbot:",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-archive",
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			BalanceUsage:              0.95,
			LeverageAdjust:            0.1,
			SizePrecision:             4,
			MaxLeverage:               20,
			DefaultPositionSize:       0.5,
			DefaultLeverage:           5,
			DefaultStopLossROE:        5,
			DefaultTakeProfitROE:      10,
			DefaultExpectedMinutes:    240,
			StopLossReanalysisMinutes: 30,
			NormalReanalysisMinutes:   60,
			MonitoringIntervalMinutes: 60,
			ForceCloseRetryMinutes:    15,
			MisfireGrace:              duration{5 * time.Minute},
			Workers:                   2,
			LockTTL:                   duration{5 * time.Minute},
		},
		Reconciler: ReconcilerConfig{
			PollInterval:  duration{10 * time.Second},
			Jitter:        duration{2 * time.Second},
			WatchInterval: duration{2 * time.Second},
			LargeMovePct:  5,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
			Prune:         true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"liquidation", "trade_executed", "force_close", "error"},
		},
		Mode:     "standby",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"standby": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, standby)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credentials come as a set.
	if c.Exchange.APIKey == "" {
		errs = append(errs, "exchange: api_key must be set")
	}
	if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
		errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set")
	}
	if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
		errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
	}
	if c.Exchange.Passphrase == "" {
		errs = append(errs, "exchange: passphrase must be set")
	}
	if c.Exchange.Symbol == "" {
		errs = append(errs, "exchange: symbol must not be empty")
	}
	if c.Exchange.PricePlace < 0 {
		errs = append(errs, "exchange: price_place must be >= 0")
	}

	if c.Oracle.OpenAIKey == "" && c.Oracle.AnthropicKey == "" {
		errs = append(errs, "oracle: at least one of openai_api_key or anthropic_api_key must be set")
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if _, err := cron.ParseStandard(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: cron %q: %v", c.Archive.Cron, err))
		}
	}

	t := c.Trading
	if t.BalanceUsage <= 0 || t.BalanceUsage > 1 {
		errs = append(errs, "trading: balance_usage must be in (0, 1]")
	}
	if t.MaxLeverage < 1 {
		errs = append(errs, "trading: max_leverage must be >= 1")
	}
	if t.DefaultLeverage < 1 || t.DefaultLeverage > t.MaxLeverage {
		errs = append(errs, "trading: default_leverage must be between 1 and max_leverage")
	}
	if t.DefaultPositionSize <= 0 || t.DefaultPositionSize > 1 {
		errs = append(errs, "trading: default_position_size must be in (0, 1]")
	}
	for name, v := range map[string]int{
		"stop_loss_reanalysis_minutes": t.StopLossReanalysisMinutes,
		"normal_reanalysis_minutes":    t.NormalReanalysisMinutes,
		"monitoring_interval_minutes":  t.MonitoringIntervalMinutes,
		"force_close_retry_minutes":    t.ForceCloseRetryMinutes,
		"default_expected_minutes":     t.DefaultExpectedMinutes,
	} {
		if v < 1 {
			errs = append(errs, fmt.Sprintf("trading: %s must be >= 1", name))
		}
	}
	if t.MisfireGrace.Duration < 0 {
		errs = append(errs, "trading: misfire_grace must not be negative")
	}

	if c.Reconciler.PollInterval.Duration <= 0 {
		errs = append(errs, "reconciler: poll_interval must be positive")
	}
	if c.Reconciler.LargeMovePct <= 0 {
		errs = append(errs, "reconciler: large_move_pct must be positive")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

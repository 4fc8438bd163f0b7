package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/market"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/orchestrator"
	"github.com/alanyoungcy/perpbot/internal/pipeline"
	"github.com/alanyoungcy/perpbot/internal/platform/bitget"
	"github.com/alanyoungcy/perpbot/internal/platform/llm"
	"github.com/alanyoungcy/perpbot/internal/scheduler"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/service"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
	"github.com/alanyoungcy/perpbot/internal/tracker"
)

// Dependencies bundles everything the run loop needs. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Infrastructure
	Redis    *redis.Client
	Postgres *postgres.Client
	S3       *s3blob.Client

	// Stores
	HistoryStore  domain.HistoryStore
	SettingsStore domain.SettingsStore
	AuditStore    domain.AuditStore

	// Redis-backed primitives
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Exchange
	Gateway *bitget.Client

	// Lifecycle
	Tracker      *tracker.Tracker
	Queue        *scheduler.Queue
	Scheduler    *scheduler.Scheduler
	Reconciler   *service.Reconciler
	Watcher      *service.Watcher
	Orchestrator *orchestrator.Orchestrator

	// Notifications
	Events   *notify.Bus
	Notifier *notify.Notifier

	// Archiver is nil unless archive.enabled.
	Archiver *pipeline.Archiver

	// Checks feed GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(stage string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", stage, err)
	}

	deps := &Dependencies{Checks: map[string]handler.Check{}}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:        cfg.Database.DSN,
		Host:       cfg.Database.Host,
		Port:       cfg.Database.Port,
		Database:   cfg.Database.Database,
		User:       cfg.Database.User,
		Password:   cfg.Database.Password,
		SSLMode:    cfg.Database.SSLMode,
		MaxConns:   cfg.Database.PoolMaxConns,
		MinConns:   cfg.Database.PoolMinConns,
		PreferIPv4: cfg.Database.PreferIPv4,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)
	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}
	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.HistoryStore = postgres.NewHistoryStore(pool)
	deps.SettingsStore = postgres.NewSettingsStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.Checks["postgres"] = pool.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient
	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Exchange.RequestsPerSecond, time.Second)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- Exchange ---
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:           cfg.Exchange.APISecret,
		EncryptedPath: cfg.Exchange.EncryptedSecretPath,
		Password:      cfg.Exchange.SecretPassword,
	})
	if err != nil {
		return fail("exchange secret", err)
	}
	gateway := bitget.NewClient(bitget.Config{
		BaseURL:     cfg.Exchange.BaseURL,
		Symbol:      cfg.Exchange.Symbol,
		ProductType: cfg.Exchange.ProductType,
		MarginCoin:  cfg.Exchange.MarginCoin,
		MarginMode:  cfg.Exchange.MarginMode,
		PricePlace:  int32(cfg.Exchange.PricePlace),
		Timeout:     cfg.Exchange.Timeout.Duration,
	}, &crypto.HMACAuth{
		Key:        cfg.Exchange.APIKey,
		Secret:     secret,
		Passphrase: cfg.Exchange.Passphrase,
	}, deps.RateLimiter, logger)
	deps.Gateway = gateway

	// --- Oracle ---
	oracle, err := newOracle(cfg.Oracle, logger)
	if err != nil {
		return fail("oracle", err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Events = notify.NewBus(deps.SignalBus, deps.Notifier, logger)

	// --- Lifecycle ---
	symbol := cfg.Exchange.Symbol
	deps.Tracker = tracker.New(logger, tracker.WithStore(redis.NewPositionStateStore(redisClient, symbol)))
	if err := deps.Tracker.Restore(ctx); err != nil {
		return fail("tracker restore", err)
	}

	deps.Queue = scheduler.NewQueue(64, cfg.Trading.Workers, logger)
	deps.Scheduler = scheduler.New(deps.Queue, deps.Tracker, cfg.Trading.MisfireGrace.Duration, logger,
		scheduler.WithStore(redis.NewJobStore(redisClient, symbol)))

	settings := service.NewSettings(deps.SettingsStore, map[domain.SettingKey]int{
		domain.SettingStopLossReanalysis: cfg.Trading.StopLossReanalysisMinutes,
		domain.SettingNormalReanalysis:   cfg.Trading.NormalReanalysisMinutes,
		domain.SettingMonitoringInterval: cfg.Trading.MonitoringIntervalMinutes,
	}, logger)

	deps.Reconciler = service.NewReconciler(deps.Tracker, deps.Scheduler, gateway, settings,
		deps.Events, deps.HistoryStore, service.ReconcilerConfig{
			PollInterval: cfg.Reconciler.PollInterval.Duration,
			Jitter:       cfg.Reconciler.Jitter.Duration,
			LargeMovePct: cfg.Reconciler.LargeMovePct,
		}, logger)
	deps.Watcher = service.NewWatcher(deps.Tracker, gateway, deps.Reconciler, cfg.Reconciler.WatchInterval.Duration, logger)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Symbol = symbol
	orchCfg.Mode = cfg.Mode
	orchCfg.BalanceUsage = cfg.Trading.BalanceUsage
	orchCfg.LeverageAdjust = cfg.Trading.LeverageAdjust
	orchCfg.SizePrecision = int32(cfg.Trading.SizePrecision)
	orchCfg.MaxLeverage = cfg.Trading.MaxLeverage
	orchCfg.DefaultPositionSize = cfg.Trading.DefaultPositionSize
	orchCfg.DefaultLeverage = cfg.Trading.DefaultLeverage
	orchCfg.DefaultStopLossROE = cfg.Trading.DefaultStopLossROE
	orchCfg.DefaultTakeProfitROE = cfg.Trading.DefaultTakeProfitROE
	orchCfg.DefaultExpectedMinutes = cfg.Trading.DefaultExpectedMinutes
	orchCfg.ForceCloseRetry = time.Duration(cfg.Trading.ForceCloseRetryMinutes) * time.Minute
	if cfg.Trading.LockTTL.Duration > 0 {
		orchCfg.LockTTL = cfg.Trading.LockTTL.Duration
	}

	deps.Orchestrator = orchestrator.New(orchestrator.Deps{
		Tracker:    deps.Tracker,
		Scheduler:  deps.Scheduler,
		Gateway:    gateway,
		Oracle:     oracle,
		Models:     oracle,
		Collector:  market.NewCollector(gateway, symbol, nil, logger),
		Settings:   settings,
		Reconciler: deps.Reconciler,
		Watcher:    deps.Watcher,
		Events:     deps.Events,
		History:    deps.HistoryStore,
		Audit:      deps.AuditStore,
		Locks:      deps.LockManager,
	}, orchCfg, logger)
	deps.Reconciler.SetActiveFunc(deps.Orchestrator.Active)

	// Handlers are registered by orchestrator.New, so persisted jobs can be
	// re-armed now.
	if _, err := deps.Scheduler.Restore(ctx); err != nil {
		return fail("scheduler restore", err)
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3Client
		deps.Checks["s3"] = s3Client.Health

		if cfg.Archive.Enabled {
			blobArchiver := s3blob.NewArchiver(
				s3blob.NewWriter(s3Client),
				s3blob.NewReader(s3Client),
				deps.HistoryStore,
				deps.AuditStore,
				s3blob.ArchiverConfig{Prune: cfg.Archive.Prune},
				logger,
			)
			deps.Archiver = pipeline.NewArchiver(blobArchiver, deps.LockManager, cfg.Archive.RetentionDays, logger)
		}
	}

	return deps, cleanup, nil
}

// newOracle builds a client per configured provider and the model-switching
// oracle on top of them.
func newOracle(cfg config.OracleConfig, logger *slog.Logger) (*llm.Oracle, error) {
	clients := map[llm.Provider]llm.Completer{}
	if cfg.OpenAIKey != "" {
		clients[llm.ProviderOpenAI] = llm.NewClient(llm.ClientConfig{
			Provider:    llm.ProviderOpenAI,
			BaseURL:     cfg.OpenAIBaseURL,
			APIKey:      cfg.OpenAIKey,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout.Duration,
		})
	}
	if cfg.AnthropicKey != "" {
		clients[llm.ProviderAnthropic] = llm.NewClient(llm.ClientConfig{
			Provider:    llm.ProviderAnthropic,
			BaseURL:     cfg.AnthropicBaseURL,
			APIKey:      cfg.AnthropicKey,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout.Duration,
		})
	}
	oracle, err := llm.NewOracle(clients, llm.DefaultModels, cfg.Model, logger)
	if errors.Is(err, domain.ErrUnknownModel) {
		logger.Warn("configured model has no provider key, using the first available",
			slog.String("model", cfg.Model))
		return llm.NewOracle(clients, llm.DefaultModels, "", logger)
	}
	return oracle, err
}

// hostname labels this process in the audit log.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

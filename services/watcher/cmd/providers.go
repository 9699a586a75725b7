package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"gigwatch/common/cache"
	"gigwatch/common/cache/memory"
	rediscache "gigwatch/common/cache/redis"
	"gigwatch/common/database"
	"gigwatch/common/telemetry"
	"gigwatch/services/watcher/internal/archive"
	"gigwatch/services/watcher/internal/config"
	"gigwatch/services/watcher/internal/dedup"
	"gigwatch/services/watcher/internal/notifier"
	"gigwatch/services/watcher/internal/pipeline"
	"gigwatch/services/watcher/internal/preferences"
	"gigwatch/services/watcher/internal/retry"
	"gigwatch/services/watcher/internal/sources"
	"gigwatch/services/watcher/internal/sources/adzuna"
	"gigwatch/services/watcher/internal/sources/careers"
	"gigwatch/services/watcher/internal/sources/hackernews"
)

const (
	serviceName    = "gigwatch"
	serviceVersion = "1.0.0"
	setupTimeout   = 30 * time.Second
)

// watcherModule provides everything a run needs, from config to the
// orchestrator.
func watcherModule(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newCache,
			newHTTPGetter,
			newRegistry,
			newClickHouseProvider,
			newStore,
			newNotifier,
			newArchive,
			newPreferences,
			newRunConfig,
			pipeline.NewOrchestrator,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Invoke(registerTracing),
	)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development() {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if cfg.LogLevel != "" {
		level, err := zap.ParseAtomicLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", serviceName)), nil
}

func registerTracing(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	shutdown, err := telemetry.InitTracer(ctx, serviceName, serviceVersion, cfg.OTelCollectorURL)
	if err != nil {
		return err
	}
	if cfg.OTelCollectorURL != "" {
		logger.Info("tracing enabled", zap.String("collector", cfg.OTelCollectorURL))
	}
	lc.Append(fx.Hook{OnStop: shutdown})
	return nil
}

// newCache backs source caching with Redis when REDIS_ADDR is set, memory
// otherwise.
func newCache(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) cache.Cache {
	opts := cache.DefaultOptions()
	opts.DefaultTTL = cfg.CacheTTL
	opts.RedisAddr = cfg.RedisAddr
	opts.RedisPassword = cfg.RedisPassword
	opts.RedisDB = cfg.RedisDB

	var c cache.Cache
	if cfg.RedisAddr != "" {
		logger.Info("using redis cache", zap.String("addr", cfg.RedisAddr))
		c = rediscache.New(opts)
	} else {
		c = memory.New(opts)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return c.Close() }})
	return c
}

func retryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}
}

func newHTTPGetter(cfg *config.Config, logger *zap.Logger) *sources.HTTPGetter {
	return sources.NewHTTPGetter(&http.Client{}, sources.HTTPGetterOptions{
		CallTimeout:       cfg.HTTPTimeout,
		RequestsPerSecond: 10,
		Burst:             5,
		Policy:            retryPolicy(cfg),
	}, logger.Named("http"))
}

func newRegistry(cfg *config.Config, getter *sources.HTTPGetter, c cache.Cache, logger *zap.Logger) (*sources.Registry, error) {
	registry := sources.NewRegistry(
		hackernews.New(getter, c, hackernews.Options{
			APIBaseURL:       cfg.HNAPIBaseURL,
			SearchAPIBaseURL: cfg.HNSearchAPIBaseURL,
			MaxComments:      cfg.HNMaxComments,
			CacheTTL:         cfg.CacheTTL,
		}, logger),
		adzuna.New(getter, adzuna.Options{
			AppID:   cfg.AdzunaAppID,
			AppKey:  cfg.AdzunaAppKey,
			Country: cfg.AdzunaCountry,
		}, logger),
	)

	if cfg.CareersConfig != "" {
		pages, err := careers.LoadPages(cfg.CareersConfig)
		if err != nil {
			return nil, err
		}
		registry.Register(careers.New(pages, cfg.HTTPTimeout, logger))
	}
	return registry, nil
}

// clickHouseProvider opens the ClickHouse connection on first use so runs
// that use neither the ClickHouse ledger nor the archive never dial it.
type clickHouseProvider struct {
	cfg    *config.Config
	logger *zap.Logger

	once sync.Once
	db   *database.Database
	err  error
}

func newClickHouseProvider(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) *clickHouseProvider {
	p := &clickHouseProvider{cfg: cfg, logger: logger}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		if p.db == nil {
			return nil
		}
		return p.db.Close()
	}})
	return p
}

func (p *clickHouseProvider) Conn() (clickhouse.Conn, error) {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		p.db, p.err = openClickHouse(ctx, p.cfg, p.logger)
	})
	if p.err != nil {
		return nil, p.err
	}
	return p.db.Conn(), nil
}

func openClickHouse(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.Database, error) {
	return database.New(ctx, database.Options{
		DSN:             cfg.ClickHouseDSN,
		MaxOpenConns:    cfg.ClickHouseMaxOpenConns,
		MaxIdleConns:    cfg.ClickHouseMaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouseConnMaxLife,
		Username:        cfg.ClickHouseUsername,
		Password:        cfg.ClickHousePassword,
		Database:        cfg.ClickHouseDatabase,
	}, logger)
}

func newStore(lc fx.Lifecycle, cfg *config.Config, ch *clickHouseProvider, logger *zap.Logger) (*dedup.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	var ledger dedup.Ledger
	switch cfg.DedupBackend {
	case config.DedupBackendMemory:
		logger.Warn("using in-memory dedup ledger, seen postings are lost on exit")
		ledger = dedup.NewMemoryLedger()
	case config.DedupBackendSQLite:
		l, err := dedup.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		ledger = l
	case config.DedupBackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		ledger = dedup.NewRedisLedger(client)
	case config.DedupBackendClickHouse:
		conn, err := ch.Conn()
		if err != nil {
			return nil, err
		}
		ledger = dedup.NewClickHouseLedger(conn, false)
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.DedupBackend)
	}

	logger.Info("dedup ledger ready", zap.String("backend", cfg.DedupBackend))
	store := dedup.NewStore(ledger, logger)
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func newNotifier(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (notifier.Notifier, error) {
	var n notifier.Notifier
	switch cfg.Notifier {
	case config.NotifierNATS:
		nn, err := notifier.NewNATSNotifier(notifier.NATSOptions{
			URL:         cfg.NATSURL,
			Subject:     cfg.NATSSubject,
			ConnTimeout: cfg.NATSConnTimeout,
			CallTimeout: cfg.HTTPTimeout,
			Policy:      retryPolicy(cfg),
		}, logger)
		if err != nil {
			return nil, err
		}
		n = nn
	default:
		wn, err := notifier.NewWebhookNotifier(&http.Client{}, notifier.WebhookOptions{
			URL:           cfg.WebhookURL,
			SigningSecret: cfg.WebhookSigningSecret,
			Batch:         cfg.WebhookBatch,
			CallTimeout:   cfg.HTTPTimeout,
			Policy:        retryPolicy(cfg),
		}, logger)
		if err != nil {
			return nil, err
		}
		n = wn
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return n.Close() }})
	return n, nil
}

func newArchive(cfg *config.Config, ch *clickHouseProvider, logger *zap.Logger) (pipeline.Archive, error) {
	if !cfg.ArchiveEnabled {
		return nil, nil
	}
	conn, err := ch.Conn()
	if err != nil {
		return nil, err
	}
	return archive.NewClickHouseArchive(conn, logger), nil
}

func newPreferences(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (preferences.Loader, error) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	loader, closeFn, err := preferences.NewLoader(ctx, preferences.LoaderOptions{
		DatabaseURL: cfg.PreferencesDatabaseURL,
		File:        cfg.PreferencesFile,
		Inline:      cfg.Preferences,
	}, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return closeFn() }})
	return loader, nil
}

func newRunConfig(cfg *config.Config, loader preferences.Loader) pipeline.RunConfig {
	return pipeline.RunConfig{
		Sources: cfg.Sources,
		Query: sources.Query{
			Keywords: cfg.SourceQuery,
			Location: cfg.SourceLocation,
		},
		Preferences: loader,
		Timeout:     cfg.Timeout(),
	}
}

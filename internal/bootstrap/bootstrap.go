// Package bootstrap builds a sharing engine and its supporting services from
// configuration. Every binary goes through here.
package bootstrap

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/intelcommons/internal/adapter/notifier"
	"github.com/hive-corporation/intelcommons/internal/adapter/querylog"
	"github.com/hive-corporation/intelcommons/internal/adapter/repository"
	"github.com/hive-corporation/intelcommons/internal/config"
	"github.com/hive-corporation/intelcommons/internal/core/domain"
	"github.com/hive-corporation/intelcommons/internal/core/ports"
	"github.com/hive-corporation/intelcommons/internal/core/privacy"
	"github.com/hive-corporation/intelcommons/internal/core/ratelimit"
	"github.com/hive-corporation/intelcommons/internal/core/service"
	"github.com/hive-corporation/intelcommons/internal/logger"
	"github.com/hive-corporation/intelcommons/internal/metrics"
)

// App is a wired engine plus the resources that must be released with it.
type App struct {
	Engine  *service.Engine
	Janitor *service.Janitor
	Store   ports.IndicatorStore
	Logger  zerolog.Logger
	// Checks are the dependencies a health endpoint should report.
	Checks []Check

	closers []func()
}

// Check is one named dependency probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Close drains pending notifications and releases connections in reverse
// order of acquisition.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Drain()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Build wires the engine from cfg. On error every resource acquired so far
// is released.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *App, err error) {
	metrics.InitMetrics()

	app := &App{Logger: log}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	var pool *pgxpool.Pool
	if cfg.Storage.Backend == "postgres" || cfg.QueryLog.Backend == "postgres" {
		pool, err = pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		app.onClose(pool.Close)
		app.Checks = append(app.Checks, Check{Name: "postgres", Fn: pool.Ping})
		if err = repository.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		log.Info().Msg("postgres schema ready")
	}

	store, participation := buildStores(cfg, pool)
	resilient := repository.NewResilientIndicatorStore(store, repository.BreakerConfig{
		Name:        "indicator-store",
		MaxFailures: cfg.Storage.BreakerFailures,
		OpenTimeout: cfg.Storage.BreakerTimeout,
	}, logger.Component(log, "store"))
	app.Store = resilient
	app.Checks = append(app.Checks, Check{Name: "indicator_store", Fn: resilient.Check})

	qlog, err := buildQueryLog(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}
	if c, ok := qlog.(interface{ Close() error }); ok {
		app.onClose(func() { _ = c.Close() })
	}
	if c, ok := qlog.(interface{ Check(context.Context) error }); ok {
		app.Checks = append(app.Checks, Check{Name: "query_log", Fn: c.Check})
	}

	notify, err := buildNotifier(cfg, log, app)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(qlog, ratelimit.Config{
		Share: ratelimit.Quota{Limit: cfg.RateLimit.ShareLimit, Window: cfg.RateLimit.ShareWindow},
		Query: ratelimit.Quota{Limit: cfg.RateLimit.QueryLimit, Window: cfg.RateLimit.QueryWindow},
	}, ratelimit.WithLogger(logger.Component(log, "ratelimit")))

	app.Engine, err = service.New(EngineConfig(cfg), service.Dependencies{
		Store:         app.Store,
		Participation: participation,
		QueryLog:      qlog,
		Limiter:       limiter,
		Hasher: privacy.NewHasher(privacy.HasherConfig{
			Secret:    cfg.Privacy.HashSecret,
			CacheSize: cfg.Privacy.OrgCacheSize,
			CacheTTL:  cfg.Privacy.OrgCacheTTL,
		}),
		Noiser:   privacy.NewNoiser(cfg.Privacy.Epsilon, nil),
		Notifier: notify,
	}, service.WithLogger(logger.Component(log, "engine")))
	if err != nil {
		return nil, err
	}

	app.Janitor = service.NewJanitor(app.Store, service.JanitorConfig{
		Schedule:       cfg.Indicators.PurgeSchedule,
		RetentionGrace: cfg.Indicators.RetentionGrace,
		Timeout:        time.Minute,
	}, logger.Component(log, "janitor"))

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Str("querylog", cfg.QueryLog.Backend).
		Int("k", cfg.Privacy.KThreshold).
		Float64("epsilon", cfg.Privacy.Epsilon).
		Bool("keyed_hashing", cfg.Privacy.HashSecret != "").
		Msg("sharing engine ready")
	return app, nil
}

// EngineConfig maps the file configuration onto the engine's.
func EngineConfig(cfg *config.Config) service.Config {
	return service.Config{
		KThreshold: cfg.Privacy.KThreshold,
		Epsilon:    cfg.Privacy.Epsilon,
		TTL: domain.TTLPolicy{
			DefaultHours: cfg.Indicators.DefaultTTLHours,
			MinHours:     cfg.Indicators.MinTTLHours,
			MaxHours:     cfg.Indicators.MaxTTLHours,
		},
		StoreTimeout:         cfg.Storage.Timeout,
		NotifyTimeout:        cfg.Notify.Timeout,
		DisclosePendingCount: cfg.Privacy.DisclosePendingCount,
	}
}

func buildStores(cfg *config.Config, pool *pgxpool.Pool) (ports.IndicatorStore, ports.ParticipationStore) {
	if cfg.Storage.Backend == "postgres" {
		return repository.NewPostgresRepository(pool, repository.DefaultRetryConfig()),
			repository.NewPostgresParticipationStore(pool)
	}
	return repository.NewMemoryIndicatorStore(cfg.Storage.ShardPow, cfg.Storage.ExpectedItems),
		repository.NewMemoryParticipationStore()
}

func buildQueryLog(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (ports.QueryLog, error) {
	switch cfg.QueryLog.Backend {
	case "redis":
		return querylog.NewRedisLog(ctx, querylog.RedisConfig{
			Addr:      cfg.QueryLog.RedisAddr,
			Password:  cfg.QueryLog.RedisPassword,
			DB:        cfg.QueryLog.RedisDB,
			KeyPrefix: cfg.QueryLog.KeyPrefix,
			Retention: cfg.LongestWindow(),
			AuditCap:  cfg.QueryLog.AuditCap,
		})
	case "postgres":
		return querylog.NewPostgresLog(pool), nil
	default:
		return querylog.NewMemoryLog(querylog.MemoryConfig{
			Retention: cfg.LongestWindow(),
			AuditCap:  cfg.QueryLog.AuditCap,
		}), nil
	}
}

// buildNotifier returns nil when no target is configured.
func buildNotifier(cfg *config.Config, log zerolog.Logger, app *App) (ports.Notifier, error) {
	var targets []notifier.Named

	if cfg.Notify.NATSURL != "" {
		nc, err := notifier.ConnectNATS(cfg.Notify.NATSURL, "intelcommons")
		if err != nil {
			return nil, err
		}
		app.onClose(func() { _ = nc.Drain() })
		targets = append(targets, notifier.Named{
			Name:     "nats",
			Notifier: notifier.NewNATSNotifier(nc, cfg.Notify.NATSSubject),
		})
		log.Info().Str("subject", cfg.Notify.NATSSubject).Msg("NATS notifier enabled")
	}

	if cfg.Notify.SlackToken != "" {
		targets = append(targets, notifier.Named{
			Name:     "slack",
			Notifier: notifier.NewSlackNotifier(cfg.Notify.SlackToken, cfg.Notify.SlackChannel, cfg.Notify.SlackMention),
		})
		log.Info().Str("channel", cfg.Notify.SlackChannel).Msg("Slack notifier enabled")
	}

	if len(targets) == 0 {
		log.Info().Msg("threshold notifications disabled")
		return nil, nil
	}
	return notifier.NewMulti(logger.Component(log, "notifier"), targets...), nil
}

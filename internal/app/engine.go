// Package app wires the engine's components from configuration. Both
// binaries build the same graph so the API and the worker agree on queue
// layout and reminder policy.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminder-engine/internal/appointment"
	"github.com/hackgods/appointment-reminder-engine/internal/config"
	"github.com/hackgods/appointment-reminder-engine/internal/db"
	"github.com/hackgods/appointment-reminder-engine/internal/metrics"
	"github.com/hackgods/appointment-reminder-engine/internal/notify"
	redisclient "github.com/hackgods/appointment-reminder-engine/internal/redis"
	"github.com/hackgods/appointment-reminder-engine/internal/reminder"
)

type Engine struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Registry    *prometheus.Registry
	Metrics     *metrics.EngineMetrics
	Repo        *appointment.PgRepository
	Queue       *redisclient.JobQueue
	Dispatcher  *notify.Dispatcher
	Reminders   *reminder.Scheduler
	Coordinator *appointment.Coordinator
}

// Build connects to Postgres and Redis and assembles the engine.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{}

	if cfg.MetricsEnabled {
		e.Registry = prometheus.NewRegistry()
		e.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		e.Metrics = metrics.NewEngineMetrics(e.Registry)
	}

	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	e.Pool = pool
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	e.Redis = rdb
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	senders, err := notify.NewSenders(ctx, cfg, logger)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("notification senders: %w", err)
	}
	notifyCfg, err := notify.ConfigFrom(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}

	e.Repo = appointment.NewPgRepository(pool)
	e.Queue = redisclient.NewJobQueue(rdb, redisclient.QueueConfig{
		Prefix:            "reminders",
		BatchSize:         cfg.Jobs.BatchSize,
		MaxAttempts:       cfg.Jobs.MaxAttempts,
		RetryBaseDelay:    cfg.Jobs.RetryBaseDelay,
		VisibilityTimeout: cfg.Jobs.VisibilityTimeout,
		PollInterval:      cfg.Jobs.PollInterval,
		Concurrency:       cfg.Jobs.Concurrency,
	}, logger, e.Metrics)
	e.Dispatcher = notify.NewDispatcher(notifyCfg, senders, logger, e.Metrics)
	e.Reminders = reminder.NewScheduler(e.Queue, e.Repo, e.Dispatcher, logger, e.Metrics)
	e.Reminders.Register(e.Queue)

	resolverCfg := appointment.DefaultResolverConfig()
	resolverCfg.Hours = appointment.BusinessHours{
		Start:    cfg.BusinessHoursStart,
		End:      cfg.BusinessHoursEnd,
		Location: cfg.Location(),
	}
	resolver := appointment.NewConflictResolver(e.Repo, resolverCfg, e.Metrics)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, cfg.LockTTL)
	e.Coordinator = appointment.NewCoordinator(e.Repo, resolver, e.Reminders, locker, logger)

	return e, nil
}

// Close releases connections in reverse order of acquisition.
func (e *Engine) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// Gatherer exposes the registry for /metrics, nil when metrics are off.
func (e *Engine) Gatherer() prometheus.Gatherer {
	if e.Registry == nil {
		return nil
	}
	return e.Registry
}

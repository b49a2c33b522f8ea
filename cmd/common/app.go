package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/acquirer/internal/acquisition"
	"github.com/jonesrussell/north-cloud/acquirer/internal/admission"
	"github.com/jonesrussell/north-cloud/acquirer/internal/api"
	"github.com/jonesrussell/north-cloud/acquirer/internal/audit"
	"github.com/jonesrussell/north-cloud/acquirer/internal/captcha"
	"github.com/jonesrussell/north-cloud/acquirer/internal/config"
	"github.com/jonesrussell/north-cloud/acquirer/internal/database"
	"github.com/jonesrussell/north-cloud/acquirer/internal/events"
	"github.com/jonesrussell/north-cloud/acquirer/internal/job"
	"github.com/jonesrussell/north-cloud/acquirer/internal/logger"
	"github.com/jonesrussell/north-cloud/acquirer/internal/metrics"
	"github.com/jonesrussell/north-cloud/acquirer/internal/portal"
	"github.com/jonesrussell/north-cloud/acquirer/internal/retry"
	"github.com/jonesrussell/north-cloud/acquirer/internal/scheduler"
	"github.com/jonesrussell/north-cloud/acquirer/internal/storage"
)

const redisPingTimeout = 5 * time.Second

// App is the fully wired acquirer.
type App struct {
	Config    *config.Config
	Logger    logger.Logger
	DB        *sqlx.DB
	Redis     *redis.Client
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Bus       *events.Bus
	Recorder  *audit.Recorder
	Admission *admission.Controller
	Portal    *portal.Client
	Jobs      *job.Service
	Scheduler *scheduler.Engine

	Policies database.PolicyStore
}

// Build constructs every component on top of an open database.
func Build(ctx context.Context, deps *CommandDeps, db *sqlx.DB) (*App, error) {
	cfg := deps.Config
	log := deps.Logger

	app := &App{Config: cfg, Logger: log, DB: db, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.New(app.Registry)
	app.Bus = events.NewBus(app.Metrics)

	sinks, err := auditSinks(cfg, log, db)
	if err != nil {
		return nil, err
	}
	app.Recorder = audit.NewRecorder(log, app.Metrics, sinks...)

	limiter, err := app.rateLimiter(ctx)
	if err != nil {
		return nil, err
	}

	app.Admission = admission.NewController(admission.Config{
		StoragePath:   cfg.Storage.Root,
		MinFreeBytes:  uint64(max(cfg.Admission.MinFreeBytes, 0)),
		MaxConcurrent: cfg.Admission.MaxConcurrent,
	}, limiter,
		admission.WithDiskProbe(storage.StatfsProbe{}),
		admission.WithAuditor(app.Recorder),
		admission.WithMetrics(app.Metrics),
		admission.WithLogger(log),
	)

	executor, err := app.executor()
	if err != nil {
		return nil, err
	}

	jobStore := database.NewJobRepository(db)
	coordinator := retry.NewCoordinator(jobStore, retry.NewExponential(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		retry.WithAuditor(app.Recorder),
		retry.WithPublisher(app.Bus),
		retry.WithLogger(log),
		retry.WithMetrics(app.Metrics),
	)

	app.Jobs = job.NewService(
		job.Config{MaxAttempts: cfg.Retry.MaxAttempts},
		jobStore, app.Admission, coordinator, executor, app.Recorder, log,
	)

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler timezone: %w", err)
	}
	app.Policies = database.NewPolicyRepository(db)
	app.Scheduler = scheduler.NewEngine(app.Policies, database.NewExecutionLogRepository(db), app.Jobs,
		scheduler.WithAuditor(app.Recorder),
		scheduler.WithMetrics(app.Metrics),
		scheduler.WithLogger(log),
		scheduler.WithLocation(loc),
	)

	app.Recorder.Start(audit.DefaultQueueSize)
	return app, nil
}

func auditSinks(cfg *config.Config, log logger.Logger, db *sqlx.DB) ([]audit.Sink, error) {
	sinks := []audit.Sink{audit.NewStoreSink(database.NewAuditRepository(db)), audit.NewLogSink(log)}
	if !cfg.Elasticsearch.Enabled {
		return sinks, nil
	}

	client, err := audit.NewElasticsearchClient(cfg.Elasticsearch)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit mirror: %w", err)
	}
	return append(sinks, audit.NewElasticsearchSink(client, cfg.Elasticsearch.AuditIndex)), nil
}

func (a *App) rateLimiter(ctx context.Context) (admission.RateLimiter, error) {
	limits := admission.LimitsFromConfig(a.Config.Admission)
	if a.Config.Admission.RateBackend != config.RateBackendRedis {
		return admission.NewMemoryLimiter(limits), nil
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Address,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		_ = a.Redis.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.Logger.Info("Using redis rate limiter", logger.String("address", a.Config.Redis.Address))
	return admission.NewRedisLimiter(a.Redis, a.Config.Redis.KeyPrefix, limits), nil
}

func (a *App) executor() (*acquisition.Executor, error) {
	client, err := portal.NewClient(a.Config.Portal)
	if err != nil {
		return nil, err
	}
	a.Portal = client

	solver, err := captcha.New(a.Config.Captcha)
	if err != nil {
		return nil, err
	}

	artifacts, err := storage.NewArtifactStore(a.Config.Storage.Root, a.Config.Storage.Extension)
	if err != nil {
		return nil, err
	}

	magic, err := a.Config.Storage.MagicBytes()
	if err != nil {
		return nil, err
	}

	return acquisition.NewExecutor(client, solver, artifacts, magic, a.Logger, a.Metrics), nil
}

// HealthChecks returns the dependency probes served on /health.
func (a *App) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"database": a.DB.PingContext,
		"storage": func(context.Context) error {
			_, err := storage.StatfsProbe{}.FreeBytes(a.Config.Storage.Root)
			return err
		},
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Close shuts the job service down, flushes queued audit events and
// releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job service shutdown: %w", err))
	}
	if err := a.Recorder.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("audit flush: %w", err))
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

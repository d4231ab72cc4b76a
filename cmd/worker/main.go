package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-research/meridian-authz/internal/app"
	"github.com/meridian-research/meridian-authz/internal/audit"
	"github.com/meridian-research/meridian-authz/internal/authz"
	"github.com/meridian-research/meridian-authz/internal/jobs"
	"github.com/meridian-research/meridian-authz/internal/platform/cache"
	"github.com/meridian-research/meridian-authz/internal/platform/db"
	"github.com/meridian-research/meridian-authz/internal/principals"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, jobs run without cache", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	aclRepo := authz.NewPostgresRepository(pool)
	aclCache := authz.NewAclCache(redisClient, aclRepo, cfg.AclCacheTTL, logger)
	recorder := audit.NewPostgresRecorder(pool)
	principalRepo := principals.NewPostgresRepository(pool)

	service := authz.NewService(authz.ServiceParams{
		Repo:      aclRepo,
		Directory: principalRepo,
		Cache:     aclCache,
		Audit:     recorder,
		Logger:    logger,
	})

	jobMetrics := jobs.NewMetrics(nil)
	sweepJob := jobs.NewSweepExpiredJob(service, logger, jobMetrics)
	refreshJob := jobs.NewAclRefreshJob(service, logger, jobMetrics)

	sweepTask, err := jobs.NewSweepExpiredTask(jobs.SweepExpiredPayload{BatchSize: cfg.SweepBatchSize})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSweepExpired, Handler: sweepJob.Handle},
			{Type: jobs.TaskAclRefresh, Handler: refreshJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepInterval, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

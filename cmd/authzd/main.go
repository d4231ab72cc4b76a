package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-research/meridian-authz/internal/app"
	"github.com/meridian-research/meridian-authz/internal/audit"
	"github.com/meridian-research/meridian-authz/internal/authz"
	authzhttp "github.com/meridian-research/meridian-authz/internal/authz/http"
	"github.com/meridian-research/meridian-authz/internal/jobs"
	"github.com/meridian-research/meridian-authz/internal/observability"
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
		logger.Warn("redis unavailable, serving without cache", slog.Any("error", err))
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

	metrics := observability.NewMetrics()

	refreshClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := refreshClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	aclRepo := authz.NewPostgresRepository(pool)
	aclCache := authz.NewAclCache(redisClient, aclRepo, cfg.AclCacheTTL, logger).WithMetrics(metrics)
	recorder := audit.NewPostgresRecorder(pool)

	principalRepo := principals.NewPostgresRepository(pool)

	service := authz.NewService(authz.ServiceParams{
		Repo:      aclRepo,
		Directory: principalRepo,
		Cache:     aclCache,
		Audit:     recorder,
		Refresh:   refreshClient,
		Metrics:   metrics,
		Logger:    logger,
	})
	evaluator := authz.NewEvaluator(aclCache, aclRepo, metrics)

	directory := principals.NewService(principalRepo, service, logger)
	explainer := authz.NewExplainer(aclCache, directory)

	handler := authzhttp.NewHandler(service, evaluator, explainer, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthzHandler: handler,
		Pool:         pool,
		Metrics:      metrics,
	})

	srv := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", slog.Any("error", err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

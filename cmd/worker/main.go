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

	"github.com/go-chi/chi/v5"

	"github.com/staykit/staykit/internal/app"
	"github.com/staykit/staykit/internal/backup"
	jobmetrics "github.com/staykit/staykit/internal/jobs"
	"github.com/staykit/staykit/internal/observability"
	"github.com/staykit/staykit/internal/platform/cache"
	"github.com/staykit/staykit/internal/platform/db"
	"github.com/staykit/staykit/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	engine := app.NewBackupEngine(cfg, pool, redisClient, logger, backup.WithObserver(metrics))
	exportJob := jobs.NewBackupExportJob(engine, cfg.BackupDir, cfg.BackupRetain, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	var cron []jobs.CronRegistration
	if cfg.BackupCron != "" {
		entry, err := jobs.ScheduledExport(cfg.BackupCron)
		if err != nil {
			logger.Error("build backup export task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, entry)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: cfg.RedisOptions().AsynqOptions(),
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBackupExport, Handler: exportJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := serveMetrics(cfg.WorkerMetricsAddr, metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("worker started", slog.String("backup_cron", cfg.BackupCron), slog.String("backup_dir", cfg.BackupDir))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

// serveMetrics exposes the worker registry on its own listener; the worker
// has no other HTTP surface.
func serveMetrics(addr string, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics listener", slog.Any("error", err))
		}
	}()
	return server
}

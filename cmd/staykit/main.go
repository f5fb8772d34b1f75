package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/staykit/staykit/cmd/staykit/cli"
	"github.com/staykit/staykit/internal/app"
	"github.com/staykit/staykit/internal/auth"
	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/backup"
	"github.com/staykit/staykit/internal/observability"
	"github.com/staykit/staykit/internal/platform/cache"
	"github.com/staykit/staykit/internal/platform/db"
	"github.com/staykit/staykit/internal/rbac"
	"github.com/staykit/staykit/internal/shared"
	"github.com/staykit/staykit/internal/users"
	"github.com/staykit/staykit/internal/view"
	"github.com/staykit/staykit/jobs"
)

const usage = `usage:
  staykit [serve]
  staykit jobs trigger <job>
  staykit jobs stats
  staykit jobs scheduled [-n size]`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "jobs":
		err = runJobs(ctx, cfg, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("web"))
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "staykit_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(pool)
	metrics := observability.NewMetrics()

	templates, err := view.NewEngine()
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	rbacRepo := rbac.NewRepository(pool)
	authService := auth.NewService(auth.NewRepository(pool), auditLogger, logger)
	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	guard := authz.Middleware{
		Resolver:   authz.NewResolver(rbacRepo, logger),
		Identities: authService,
		Tokens:     tokens,
		Denied:     view.Forbidden{Engine: templates, CSRF: csrfManager},
		Observer:   metrics,
		Logger:     logger,
	}

	engine := app.NewBackupEngine(cfg, pool, redisClient, logger, backup.WithObserver(metrics))

	inspector := asynq.NewInspector(cfg.RedisOptions().AsynqOptions())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Templates:      templates,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Guard:          guard,
		AuthHandler:    auth.NewHandler(logger, authService, tokens, templates, sessionManager, csrfManager, guard),
		RBACHandler:    rbac.NewHandler(logger, rbac.NewService(rbacRepo, auditLogger, logger), guard),
		UsersHandler:   users.NewHandler(logger, users.NewService(users.NewRepository(pool), auditLogger, logger), guard),
		BackupHandler:  backup.NewHandler(logger, engine, guard),
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	c := cli.NewJobsCLI(cfg.RedisOptions().AsynqOptions())
	defer c.Close()

	var out any
	var err error
	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: job name required")
		}
		out, err = c.Trigger(ctx, args[1])
	case "stats":
		out, err = c.InspectQueue(ctx)
	case "scheduled":
		fs := flag.NewFlagSet("jobs scheduled", flag.ContinueOnError)
		size := fs.Int("n", 10, "page size")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		out, err = c.ListScheduled(ctx, *size)
	default:
		return fmt.Errorf("jobs: unknown command %q", args[0])
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

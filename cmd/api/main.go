package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authgate/internal/audit"
	"authgate/internal/auth"
	"authgate/internal/config"
	"authgate/internal/credstore"
	"authgate/internal/httpapi"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
	"authgate/pkg/logger"
	"authgate/pkg/metrics"
	"authgate/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	metrics.Init()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())
	r.GET("/metrics", metrics.Handler())

	if err := deps.Mount(r); err != nil {
		return fmt.Errorf("routes: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "env", cfg.App.Env, "session_backend", cfg.Session.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildDeps wires the session registry and credential store for the
// configured backend. The returned cleanup closes whatever was opened.
func buildDeps(ctx context.Context, cfg config.Config) (httpapi.Handlers, func(), error) {
	codec, err := auth.NewCodec(cfg.Auth)
	if err != nil {
		return httpapi.Handlers{}, nil, fmt.Errorf("auth: %w", err)
	}

	limiter := ratelimit.New(cfg.Rate.PerSecond, cfg.Rate.Burst)
	h := httpapi.Handlers{
		Codec:        codec,
		Audit:        audit.NewService(audit.NewMemoryRepo()),
		RefreshTTL:   cfg.Auth.RefreshTokenTTL,
		CookieSecure: cfg.App.Env != "local",
		AuthLimiter:  limiter.Middleware(),
	}
	cleanup := limiter.Stop

	switch cfg.Session.Backend {
	case config.BackendRedis:
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return httpapi.Handlers{}, nil, fmt.Errorf("redis: %w", err)
		}
		cleanup = func() { _ = rdb.Close(); limiter.Stop() }
		h.Sessions = session.NewRedisRegistry(rdb, cfg.Auth.RefreshTokenTTL, cfg.Session.OpTimeout)
		// Principals stay in memory without Postgres; fine for redis-backed
		// development setups, not for real deployments.
		h.Credentials = credstore.NewMemoryStore()

	case config.BackendPostgres:
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return httpapi.Handlers{}, nil, fmt.Errorf("postgres: %w", err)
		}
		cleanup = func() { _ = db.Close(); limiter.Stop() }
		h.Sessions = session.NewPostgresRegistry(db, cfg.Auth.RefreshTokenTTL, cfg.Session.OpTimeout)
		h.Credentials = credstore.NewPostgresStore(db)

	default:
		h.Sessions = session.NewMemoryRegistry(cfg.Auth.RefreshTokenTTL)
		h.Credentials = credstore.NewMemoryStore()
	}

	return h, cleanup, nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/PragyanCoder/orbitec/internal/app/migrate"
	"github.com/PragyanCoder/orbitec/internal/docker"
	"github.com/PragyanCoder/orbitec/internal/git"
	httpx "github.com/PragyanCoder/orbitec/internal/http"
	"github.com/PragyanCoder/orbitec/internal/repository"
	"github.com/PragyanCoder/orbitec/internal/repository/memory"
	"github.com/PragyanCoder/orbitec/internal/repository/postgres"
	"github.com/PragyanCoder/orbitec/internal/service/apps"
	"github.com/PragyanCoder/orbitec/internal/service/billing"
	"github.com/PragyanCoder/orbitec/internal/service/deploy"
	"github.com/PragyanCoder/orbitec/internal/service/ingress"
	"github.com/PragyanCoder/orbitec/internal/service/logs"
	"github.com/PragyanCoder/orbitec/internal/service/notify"
	"github.com/PragyanCoder/orbitec/internal/service/ports"
	"github.com/PragyanCoder/orbitec/internal/workspace"
	"github.com/PragyanCoder/orbitec/internal/ws"
	"github.com/PragyanCoder/orbitec/pkg/config"
	"github.com/PragyanCoder/orbitec/pkg/crypto"
	"github.com/PragyanCoder/orbitec/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.LoadOrbitecConfig()
	log := logger.New("orbitec", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("orbitec exited", "error", err)
		os.Exit(1)
	}
	log.Info("orbitec stopped")
}

func run(ctx context.Context, cfg config.OrbitecConfig, log *slog.Logger) error {
	health := map[string]httpx.HealthCheck{}

	var store repository.Store
	switch strings.ToLower(cfg.StoreBackend) {
	case "memory":
		log.Warn("using in-memory store, state is lost on restart")
		store = memory.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if cfg.AutoMigrate {
			runner, err := migrate.New(pool, cfg.MigrationsDir, log)
			if err != nil {
				return err
			}
			if err := runner.Ensure(ctx); err != nil {
				return err
			}
		}
		if cfg.EnvSecret == "" {
			log.Warn("ENV_ENCRYPTION_KEY not set, environment variables are stored unencrypted")
		}
		repo := postgres.New(pool, crypto.NewEnvSealer(cfg.EnvSecret))
		health["database"] = repo.Ping
		store = repo
	}

	dockerClient, err := docker.New(cfg.DockerHost, cfg.StopTimeout)
	if err != nil {
		return err
	}
	defer dockerClient.Close()
	health["docker"] = dockerClient.Ping

	hub := ws.NewHub()
	defer hub.Close()
	logOpts := []logs.Option{logs.WithStreamBuffer(cfg.StreamBuffer)}
	if cfg.NotifyWebhookURL != "" {
		webhook, err := notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, nil)
		if err != nil {
			return err
		}
		logOpts = append(logOpts, logs.WithNotifier(webhook, cfg.NotifyTimeout))
	}
	events := logs.New(store, hub, log, logOpts...)

	proxy, err := ingress.New(ingress.Options{
		AvailableDir:    cfg.NginxAvailableDir,
		EnabledDir:      cfg.NginxEnabledDir,
		BaseDomain:      cfg.BaseDomain,
		UpstreamHost:    cfg.UpstreamHost,
		ReloadCommand:   cfg.NginxReloadCmd,
		ReloadContainer: cfg.NginxContainerName,
	}, dockerClient, log)
	if err != nil {
		return err
	}
	workspaces, err := workspace.New(cfg.AppsBasePath)
	if err != nil {
		return err
	}
	alloc, err := ports.New(store, ports.Range{Start: cfg.PortRangeFrom, End: cfg.PortRangeTo})
	if err != nil {
		return err
	}
	pipeline, err := deploy.New(deploy.Deps{
		Runtime:    dockerClient,
		Fetcher:    git.NewFetcher(cfg.GitTimeout),
		Workspaces: workspaces,
		Ports:      alloc,
		Router:     proxy,
		Events:     events,
		Store:      store,
	}, deploy.Config{
		BuildTimeout: cfg.BuildTimeout,
		ImagePrefix:  cfg.ImagePrefix,
		PublicScheme: cfg.PublicScheme,
	}, log)
	if err != nil {
		return err
	}
	controller, err := apps.New(apps.Deps{
		Store:      store,
		Pipeline:   pipeline,
		Runtime:    dockerClient,
		Router:     proxy,
		Ports:      alloc,
		Billing:    billing.New(store, log),
		Workspaces: workspaces,
		Events:     events,
	}, apps.Options{
		MonthlyCharge: cfg.MonthlyCharge,
		RestartDelay:  cfg.RestartDelay,
	}, log)
	if err != nil {
		return err
	}
	if n, err := controller.Recover(ctx); err != nil {
		log.Error("recovering interrupted deployments failed", "error", err)
	} else if n > 0 {
		log.Warn("marked interrupted deployments as failed", "count", n)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}
	router := httpx.NewRouter(log, controller, events, limiter, health, httpx.Config{
		APIToken:   cfg.APIToken,
		RateLimit:  cfg.RateLimitRequests,
		RateWindow: cfg.RateLimitWindow,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("orbitec server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := controller.Shutdown(shutdownCtx); err != nil {
			log.Error("deployments did not finish before shutdown", "error", err)
		}
		events.Wait()
		return nil
	})
	return g.Wait()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lexflow/lexflow/internal/analysis"
	"github.com/lexflow/lexflow/internal/api"
	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/dispatch"
	"github.com/lexflow/lexflow/internal/job"
	"github.com/lexflow/lexflow/internal/retention"
	"github.com/lexflow/lexflow/internal/webhook"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := dispatch.NewRegistry()
	engine := analysis.New(analysis.Config{BaseURL: cfg.EngineURL, APIKey: cfg.EngineAPIKey})
	engine.Register(reg)

	var sender *webhook.Sender
	if cfg.WebhookURL != "" {
		sender, err = webhook.NewSender(cfg.WebhookURL)
		if err != nil {
			slog.Error("webhook", "error", err)
			os.Exit(1)
		}
	}

	d := dispatch.New(store, reg, dispatch.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Webhook:   sender,
	})

	// Jobs orphaned by a previous crash are failed before workers start, so
	// nothing re-runs half-finished work.
	if err := d.RecoverStuck(context.Background()); err != nil {
		slog.Error("recovery", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	if cfg.RetentionDays > 0 {
		sweeper, err := retention.New(store, retention.Config{
			Schedule: cfg.RetentionSchedule,
			MaxAge:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			slog.Error("retention", "error", err)
			os.Exit(1)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	mux := http.NewServeMux()
	api.NewHandler(d).RegisterRoutes(mux)
	handler := api.Chain(mux,
		api.RequestID(),
		api.Logging(),
		api.CORS(cfg.CORSOrigins),
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimit),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")

		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
		cancel()
		if err := d.Shutdown(shutdownCtx); err != nil {
			slog.Error("dispatcher shutdown", "error", err)
		}
	}()

	slog.Info("lexflowd listening", "addr", cfg.ListenAddr, "store", cfg.Store, "workers", cfg.Workers)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	// ListenAndServe returns as soon as Shutdown begins; wait for the
	// dispatcher to drain before letting the deferred Close run.
	<-shutdownDone
}

func openStore(cfg *config.Config) (job.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return job.NewMemoryStore(), nil
	case config.StoreSQLite:
		return job.NewSQLiteStore(cfg.SQLitePath)
	case config.StorePostgres:
		return job.NewPostgresStore(cfg.PostgresDSN)
	case config.StoreRedis:
		return job.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

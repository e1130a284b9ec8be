// Package app wires the delivery engine together and owns its
// lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierd/courierd/internal/api"
	"github.com/courierd/courierd/internal/apikey"
	"github.com/courierd/courierd/internal/config"
	"github.com/courierd/courierd/internal/dkim"
	"github.com/courierd/courierd/internal/event"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/send"
	"github.com/courierd/courierd/internal/smtp"
	"github.com/courierd/courierd/internal/store"
	"github.com/courierd/courierd/internal/suppress"
	"github.com/courierd/courierd/internal/tracking"
	"github.com/courierd/courierd/internal/webhook"
)

// App is the main application
type App struct {
	config    *config.Config
	store     *store.Store
	pool      *smtp.Pool
	processor *send.Processor
	webhooks  *webhook.Engine
	suppress  *suppress.Service
	apiServer *api.Server
	redis     *redis.Client
	logger    *slog.Logger
}

// New creates the application from a loaded configuration
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	// Redis backs the webhook retry schedule. Without it, retries
	// live on in-process timers and do not survive a restart.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("redis retry schedule enabled", "addr", cfg.Redis.Addr)
	}

	pool := smtp.NewPool(smtp.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		TLS:        cfg.SMTP.TLS,
		HelloName:  cfg.Server.Hostname,
		PoolSize:   cfg.SMTP.PoolSize,
		Timeout:    cfg.SMTP.Timeout,
		ConnMaxAge: cfg.SMTP.ConnMaxAge,
	}, logger.With("component", "smtp_pool"))

	if len(cfg.DKIM) > 0 {
		keys := make(map[string]dkim.Key, len(cfg.DKIM))
		for domain, kc := range cfg.DKIM {
			keys[domain] = dkim.Key{Selector: kc.Selector, KeyFile: kc.KeyFile}
		}
		registry, err := dkim.NewRegistry(keys)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM keys: %w", err)
		}
		pool.SetDKIMProvider(registry)
		logger.Info("DKIM signing enabled", "domains", len(keys))
	}

	sup := suppress.NewService(st, logger, cfg.Suppression.SoftBounceTTL)

	webhooks := webhook.NewEngine(st, logger, redisClient, webhook.Config{
		Workers:       cfg.Webhook.Workers,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
		MaxInterval:   cfg.Webhook.MaxInterval,
		SweepInterval: cfg.Webhook.SweepInterval,
	})

	recorder := event.NewRecorder(st, sup, webhooks, logger)

	injector := tracking.NewInjector(cfg.Tracking.BaseURL, cfg.Tracking.PixelPath, cfg.Tracking.ClickPath)

	pipeline := send.NewPipeline(st, sup, recorder, injector, send.TrackingDefaults{
		Opens:  cfg.Tracking.OpenByDefault,
		Clicks: cfg.Tracking.ClickByDefault,
	}, logger)

	processor := send.NewProcessor(st, pool, recorder, send.ProcessorConfig{
		Workers:         cfg.Queue.Workers,
		ProcessInterval: cfg.Queue.ProcessInterval,
		RequeueGrace:    cfg.Queue.RequeueGrace,
		MaxAttempts:     cfg.SMTP.MaxAttempts,
		Hostname:        cfg.Server.Hostname,
	}, logger)

	keys := apikey.NewService(st)

	apiServer := api.NewServer(st, pipeline, recorder, sup, webhooks, keys, m, cfg, logger)

	return &App{
		config:    cfg,
		store:     st,
		pool:      pool,
		processor: processor,
		webhooks:  webhooks,
		suppress:  sup,
		apiServer: apiServer,
		redis:     redisClient,
		logger:    logger,
	}, nil
}

// Run starts all components and blocks until shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting courierd",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"relay", fmt.Sprintf("%s:%d", a.config.SMTP.Host, a.config.SMTP.Port),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.webhooks.Start(ctx)
	a.processor.Start(ctx)
	go a.suppress.RunCleanup(ctx, a.config.Suppression.CleanupInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops all components in dependency order
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop intake first, then drain the workers behind it.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.processor.Stop()
	a.webhooks.Stop()
	a.pool.Close()

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

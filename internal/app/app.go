package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/Esekyi/mailSage/internal/api"
	"github.com/Esekyi/mailSage/internal/config"
	"github.com/Esekyi/mailSage/internal/delivery"
	"github.com/Esekyi/mailSage/internal/engine"
	"github.com/Esekyi/mailSage/internal/events"
	"github.com/Esekyi/mailSage/internal/jobstore"
	"github.com/Esekyi/mailSage/internal/metrics"
	"github.com/Esekyi/mailSage/internal/provider"
	"github.com/Esekyi/mailSage/internal/quota"
	"github.com/Esekyi/mailSage/internal/template"
)

// App is the main application
type App struct {
	config      *config.Config
	store       *jobstore.BoltStore
	ledger      *quota.Ledger
	bus         *events.Bus
	coordinator *engine.Coordinator
	apiServer   *api.Server
	logger      *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	store, err := jobstore.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	// The quota ledger shares the job store's database so counters survive
	// restarts without a second file.
	ledger, err := quota.NewLedger(
		quota.WithPersistence(store.DB()),
		quota.WithFlushInterval(cfg.Quota.FlushInterval),
		quota.WithLogger(logger.With("component", "quota")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota ledger: %w", err)
	}

	providerStore, err := provider.NewStaticStore(cfg.ModelProviders())
	if err != nil {
		return nil, fmt.Errorf("invalid provider configuration: %w", err)
	}
	health := provider.NewHealthTracker(cfg.Health.Window, cfg.Health.FailureThreshold, cfg.Health.MinSamples)
	router := provider.NewRouter(providerStore, health, logger.With("component", "router"))

	executor := delivery.NewExecutor(
		delivery.NewGomailTransport(),
		router,
		delivery.Config{
			MaxAttempts: cfg.Delivery.MaxAttempts,
			BaseDelay:   cfg.Delivery.BaseDelay,
			MaxDelay:    cfg.Delivery.MaxDelay,
			PerProvider: rate.Limit(cfg.Delivery.PerProviderRate),
		},
		logger.With("component", "executor"),
	)

	bus := events.NewBus(cfg.Events.Buffer, logger.With("component", "events"))
	m := metrics.New()

	coordinator := engine.NewCoordinator(
		engine.Config{
			Workers:           cfg.Engine.Workers,
			StorageRetries:    uint64(cfg.Engine.StorageRetries),
			StorageRetryDelay: cfg.Engine.StorageRetryDelay,
			StaleAfter:        cfg.Engine.StaleAfter,
			SweepInterval:     cfg.Engine.SweepInterval,
		},
		engine.Deps{
			Store:     store,
			Templates: template.NewStaticStore(cfg.ModelTemplates()),
			Router:    router,
			Executor:  executor,
			Ledger:    ledger,
			Bus:       bus,
			Metrics:   m,
			Logger:    logger,
		},
	)

	var metricsHandler = m.Handler()
	if !cfg.Metrics.Enabled {
		metricsHandler = nil
	}

	apiServer := api.NewServer(
		coordinator,
		api.NewStaticAccounts(cfg.APIKeys),
		&cfg.Server,
		logger.With("component", "api"),
		cfg.Metrics.Path,
		metricsHandler,
	)

	return &App{
		config:      cfg,
		store:       store,
		ledger:      ledger,
		bus:         bus,
		coordinator: coordinator,
		apiServer:   apiServer,
		logger:      logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailsage",
		"api_addr", a.config.Server.ListenAddr,
		"workers", a.config.Engine.Workers,
		"providers", len(a.config.Providers),
		"storage", a.config.Storage.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting new submissions before draining the engine.
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.coordinator.Stop()
	a.bus.Close()

	// Stop the ledger before the store: its final flush writes through the
	// shared database.
	if err := a.ledger.Stop(); err != nil {
		a.logger.Error("quota ledger stop error", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("job store close error", "error", err)
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

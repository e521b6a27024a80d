// -----------------------------------------------------------------------
// Application - dependency wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/pulse/internal/common"
	"github.com/ternarybob/pulse/internal/handlers"
	"github.com/ternarybob/pulse/internal/interfaces"
	"github.com/ternarybob/pulse/internal/jobs"
	"github.com/ternarybob/pulse/internal/ledger"
	"github.com/ternarybob/pulse/internal/providers"
	"github.com/ternarybob/pulse/internal/services/auth"
	"github.com/ternarybob/pulse/internal/services/events"
	"github.com/ternarybob/pulse/internal/services/scheduler"
	badgerstore "github.com/ternarybob/pulse/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager

	// Event-driven services
	Registry      *events.Registry
	LedgerService *ledger.Service
	JobService    *jobs.Service
	AuthService   *auth.Service
	Executor      *providers.Executor

	// Stale-job sweeper
	SchedulerService *scheduler.Service

	// Transport
	WSHandler          *handlers.WebSocketHandler
	Bridge             *handlers.Bridge
	NotificationWriter *handlers.NotificationWriter

	// HTTP handlers
	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Storage first; everything downstream persists through it
	storageManager, err := badgerstore.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storageManager
	logger.Debug().
		Str("storage", "badger").
		Str("path", cfg.Storage.Badger.Path).
		Msg("Storage layer initialized")

	// Event registry carries every internal event to the push bridge
	app.Registry = events.NewRegistry(logger)

	// Credit ledger: durable append, then credits_update dispatch
	app.LedgerService = ledger.NewService(storageManager.LedgerStorage(), app.Registry, logger)

	// Provider definitions: file when configured, built-ins otherwise
	definitions := common.DefaultProviderDefinitions()
	if path := cfg.Providers.DefinitionsFile; path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			definitions, err = common.LoadProviderDefinitions(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load provider definitions: %w", err)
			}
		} else {
			logger.Warn().Str("path", path).Msg("Provider definitions file not found, using built-in defaults")
		}
	}
	logger.Info().Int("providers", len(definitions)).Msg("Provider definitions loaded")

	app.Executor = providers.NewExecutor(definitions, logger)

	app.JobService = jobs.NewService(
		storageManager.JobStorage(),
		app.LedgerService,
		app.Registry,
		cfg.Workers,
		definitions,
		app.Executor.Execute,
		cfg.IsDevelopment(),
		logger,
	)

	// Auth: API keys from file, dev tokens in development
	app.AuthService = auth.NewService(cfg.IsDevelopment(), logger)
	if err := app.AuthService.LoadKeysFromFile(cfg.Auth.KeysFile); err != nil {
		return nil, fmt.Errorf("failed to load API keys: %w", err)
	}

	// Transport: per-user connections, bridge from registry to the wire
	app.WSHandler = handlers.NewWebSocketHandler(app.AuthService, &cfg.WebSocket, logger)
	app.Bridge = handlers.NewBridge(app.Registry, app.WSHandler, &cfg.WebSocket, logger)

	// Service log lines pushed to clients as notification envelopes
	notificationWriter, err := handlers.NewNotificationWriter(app.WSHandler, arbormodels.WriterConfiguration{
		Type: arbormodels.LogWriterTypeConsole,
	}, &cfg.WebSocket)
	if err != nil {
		logger.Warn().Err(err).Msg("Notification writer unavailable, continuing without log streaming")
	} else {
		app.NotificationWriter = notificationWriter
	}

	// Stale-job sweeper
	app.SchedulerService = scheduler.NewService(storageManager.JobStorage(), app.JobService, cfg.Scheduler, logger)
	if err := app.SchedulerService.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	// HTTP handlers
	app.APIHandler = handlers.NewAPIHandler()
	app.JobHandler = handlers.NewJobHandler(app.JobService, app.LedgerService, logger)

	logger.Info().
		Str("environment", cfg.Environment).
		Str("instance_id", app.WSHandler.InstanceID()).
		Msg("Application initialization complete")

	return app, nil
}

// Close shuts the application down in reverse dependency order
func (a *App) Close(ctx context.Context) error {
	a.Logger.Info().Msg("Shutting down application...")

	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	if a.JobService != nil {
		a.JobService.Stop()
	}

	if a.Bridge != nil {
		a.Bridge.Close()
	}

	if a.NotificationWriter != nil {
		if err := a.NotificationWriter.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Notification writer close failed")
		}
	}

	if a.WSHandler != nil {
		a.WSHandler.CloseAll()
	}

	if a.Registry != nil {
		if err := a.Registry.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Event registry close failed")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}

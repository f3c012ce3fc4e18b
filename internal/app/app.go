package app

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/permitwatch/internal/common"
	"github.com/ternarybob/permitwatch/internal/handlers"
	"github.com/ternarybob/permitwatch/internal/httpclient"
	"github.com/ternarybob/permitwatch/internal/interfaces"
	"github.com/ternarybob/permitwatch/internal/services/autopull"
	"github.com/ternarybob/permitwatch/internal/services/events"
	"github.com/ternarybob/permitwatch/internal/services/health"
	"github.com/ternarybob/permitwatch/internal/services/jobmonitor"
	"github.com/ternarybob/permitwatch/internal/services/metrics"
	"github.com/ternarybob/permitwatch/internal/services/notify"
	"github.com/ternarybob/permitwatch/internal/storage"
)

// restoreTimeout bounds re-acquiring persisted jobs at startup
const restoreTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config     *common.Config
	Logger     arbor.ILogger
	InstanceID string

	StorageManager interfaces.StorageManager

	// Monitoring core
	EventService interfaces.EventService
	Client       *httpclient.Client
	Metrics      *metrics.Service
	Registry     *jobmonitor.Registry
	Health       *health.Monitor

	// Optional services
	AutoPull   *autopull.Service // nil unless [autopull] enabled
	NATS       *nats.Conn        // nil unless [nats] url is set
	NATSBridge *notify.Bridge

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	HealthHandler   *handlers.HealthHandler
	JobHandler      *handlers.JobHandler
	AutoPullHandler *handlers.AutoPullHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config:     cfg,
		Logger:     logger,
		InstanceID: common.NewInstanceID(),
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Resume monitoring of jobs watched before the last shutdown
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	restored, err := app.Registry.Restore(ctx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to restore watched jobs")
	}

	if app.AutoPull != nil {
		if err := app.AutoPull.Start(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start auto-pull: %w", err)
		}
	}

	logger.Info().
		Str("instance_id", app.InstanceID).
		Str("backend", cfg.Backend.BaseURL).
		Int("restored_jobs", restored).
		Bool("autopull_enabled", app.AutoPull != nil).
		Bool("nats_enabled", app.NATS != nil).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase opens the watch list store when a path is configured
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	if storageManager == nil {
		a.Logger.Info().Msg("Watch list persistence disabled (storage.badger.path is empty)")
		return nil
	}
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices builds the client, monitors and optional integrations
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	a.Metrics = metrics.NewService()

	a.Client = NewClient(a.Config.Backend, a.Logger)

	registryOpts := []jobmonitor.RegistryOption{
		jobmonitor.WithRegistryLogger(a.Logger),
		jobmonitor.WithRegistryEvents(a.EventService),
		jobmonitor.WithMonitorOptions(
			jobmonitor.WithInterval(a.Config.Jobs.GetPollInterval()),
			jobmonitor.WithMetrics(a.Metrics),
		),
	}
	if a.StorageManager != nil {
		registryOpts = append(registryOpts, jobmonitor.WithWatchList(a.StorageManager.WatchListStorage()))
	}
	a.Registry = jobmonitor.NewRegistry(a.Client, registryOpts...)

	a.Health = health.NewMonitor(a.Client,
		health.WithLogger(a.Logger),
		health.WithEventService(a.EventService),
		health.WithMetrics(a.Metrics),
		health.WithIntervals(health.Intervals{
			Healthy:  a.Config.Health.Healthy(),
			Degraded: a.Config.Health.Degraded(),
			Down:     a.Config.Health.Down(),
		}),
		health.WithSuspendCheck(a.Config.Health.SuspendCheckInterval()),
	)

	if a.Config.NATS.URL != "" {
		conn, err := notify.Connect(a.Config.NATS.URL, a.Logger)
		if err != nil {
			return err
		}
		a.NATS = conn
		a.NATSBridge = notify.NewBridge(conn, a.Config.NATS.SubjectPrefix, a.InstanceID, a.Logger)
		if err := a.NATSBridge.Start(a.EventService); err != nil {
			return err
		}
	}

	if a.Config.AutoPull.Enabled {
		a.AutoPull = autopull.NewService(a.Client, a.Registry, a.Config.AutoPull, a.Logger)
	}

	return nil
}

// NewClient builds the backend client from the [backend] section. The CLI
// one-shot commands use it without the rest of the app.
func NewClient(backend common.BackendConfig, logger arbor.ILogger) *httpclient.Client {
	opts := []httpclient.ClientOption{
		httpclient.WithLogger(logger),
		httpclient.WithTimeout(backend.RequestTimeout()),
		httpclient.WithRateLimit(backend.RateLimit, backend.Burst),
	}
	if backend.OAuth.ClientID != "" {
		opts = append(opts, httpclient.WithClientCredentials(
			backend.OAuth.ClientID,
			backend.OAuth.ClientSecret,
			backend.OAuth.TokenURL,
			backend.OAuth.Scopes,
		))
	}
	return httpclient.NewClient(backend.BaseURL, opts...)
}

// initHandlers wires the HTTP and WebSocket handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.InstanceID, a.Logger)
	a.HealthHandler = handlers.NewHealthHandler(a.Health, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Client, a.Registry, a.Logger)

	// A nil *autopull.Service must not become a non-nil interface
	var puller handlers.AutoPuller
	if a.AutoPull != nil {
		puller = a.AutoPull
	}
	a.AutoPullHandler = handlers.NewAutoPullHandler(puller, a.Logger)

	a.WSHandler = handlers.NewWebSocketHandler(a.Registry, a.Health, a.EventService, a.InstanceID, &a.Config.WebSocket, a.Logger)
	if err := a.WSHandler.SubscribeToJobEvents(); err != nil {
		return fmt.Errorf("failed to subscribe websocket handler: %w", err)
	}
	return nil
}

// Close stops everything in reverse dependency order. Watched jobs stay on
// the watch list so the next start resumes them.
func (a *App) Close() error {
	if a.AutoPull != nil {
		a.AutoPull.Stop()
	}
	if a.WSHandler != nil {
		a.WSHandler.Close()
	}
	if a.NATSBridge != nil {
		a.NATSBridge.Stop()
	}
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}
	if a.Registry != nil {
		a.Registry.Close()
	}
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Debug().Msg("Storage closed")
	}
	return nil
}

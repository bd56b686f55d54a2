package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/handlers"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/services/browser"
	"github.com/ternarybob/sessionpool/internal/services/events"
	"github.com/ternarybob/sessionpool/internal/services/pool"
	"github.com/ternarybob/sessionpool/internal/services/supervisor"
	"github.com/ternarybob/sessionpool/internal/services/validation"
	"github.com/ternarybob/sessionpool/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store        interfaces.CredentialStore
	EventService interfaces.EventService
	Registry     *prometheus.Registry

	Pool       *pool.Pool
	Browsers   *browser.Pool // nil unless BROWSER validation is enabled and Chrome was found
	Validator  *validation.Chain
	Supervisor *supervisor.Service

	// HTTP handlers
	APIHandler  *handlers.APIHandler
	PoolHandler *handlers.PoolHandler
	WSHandler   *handlers.WebSocketHandler
}

// New initializes the application with all dependencies. The pool is
// loaded from the store but the supervisor is not started.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(ctx); err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Int("accounts", app.Pool.Status().TotalAccounts).
		Strs("validation_methods", methodNames(app.Validator)).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initStorage(ctx context.Context) error {
	opts := pool.OptionsFromConfig(a.Config)
	store, err := storage.NewCredentialStore(ctx, a.Logger, a.Config, opts.Defaults)
	if err != nil {
		return err
	}
	a.Store = store
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToPoolEvents(a.EventService, a.Logger); err != nil {
		return err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.Pool = pool.New(a.Store, a.Logger, pool.OptionsFromConfig(a.Config),
		pool.WithMetrics(pool.NewMetrics(a.Registry)),
		pool.WithEvents(a.EventService),
	)
	if _, err := a.Pool.Reload(ctx); err != nil {
		return fmt.Errorf("initial account load failed: %w", err)
	}

	a.Validator = a.buildValidator()

	supervisorConfig := supervisor.ConfigFromCommon(a.Config.Supervisor)
	a.Supervisor = supervisor.NewService(a.Pool, a.Validator, supervisorConfig, a.Logger)
	return nil
}

// buildValidator assembles the validation chain from the enabled methods.
// A missing Chrome downgrades to HTTP only rather than failing startup.
func (a *App) buildValidator() *validation.Chain {
	settings := validation.SettingsFromConfig(a.Config.Validation)
	var methods []interfaces.Validator

	if a.Config.Validation.EnableHTTP {
		methods = append(methods, validation.NewHTTPValidator(settings, a.Logger))
	}

	if a.Config.Validation.EnableBrowser {
		switch {
		case !browser.ChromeAvailable():
			a.Logger.Warn().Msg("Browser validation enabled but Chrome was not found, continuing without it")
		default:
			browsers := browser.NewPool(browser.ConfigFromCommon(a.Config), a.Logger)
			if err := browsers.Init(); err != nil {
				a.Logger.Warn().Err(err).Msg("Failed to start browser pool, continuing without browser validation")
				browsers.Shutdown()
				break
			}
			a.Browsers = browsers
			methods = append(methods, validation.NewBrowserValidator(settings, browsers, a.Logger))
		}
	}

	return validation.NewChain(validation.NewCookieJarValidator(settings.RequiredCookies), a.Logger, methods...)
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.PoolHandler = handlers.NewPoolHandler(a.Pool, a.Supervisor, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Pool.Status, a.Logger)
	a.WSHandler.SubscribeToPoolEvents()
}

// Start begins the background maintenance
func (a *App) Start() error {
	return a.Supervisor.Start()
}

// Close stops the supervisor, flushes pending writes and releases resources
// in reverse order of creation
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.Supervisor != nil {
		a.Supervisor.Stop(ctx)
	}

	if a.Pool != nil {
		a.Pool.Close(ctx)
		a.Logger.Info().Msg("Account pool closed")
	}

	if a.Browsers != nil {
		a.Browsers.Shutdown()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
			errs = append(errs, err)
		}
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close credential store")
			errs = append(errs, err)
		} else {
			a.Logger.Info().Msg("Credential store closed")
		}
	}

	return errors.Join(errs...)
}

func methodNames(chain *validation.Chain) []string {
	if chain == nil {
		return nil
	}
	methods := chain.Methods()
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, string(m))
	}
	return names
}

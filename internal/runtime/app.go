// Package runtime assembles the support desk service from configuration and
// manages its lifecycle: storage, responder, event bus, handoff controller,
// HTTP server and config hot-reload.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tjfontaine/supportdesk/internal/adapters/config/file"
	"github.com/tjfontaine/supportdesk/internal/adapters/events/direct"
	"github.com/tjfontaine/supportdesk/internal/adapters/events/redisbus"
	"github.com/tjfontaine/supportdesk/internal/auth"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/handoff"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
	"github.com/tjfontaine/supportdesk/internal/responder"
	"github.com/tjfontaine/supportdesk/internal/server"
	"github.com/tjfontaine/supportdesk/internal/storage"
	"github.com/tjfontaine/supportdesk/internal/telemetry"
	"github.com/tjfontaine/supportdesk/internal/tenant"
	"github.com/tjfontaine/supportdesk/internal/tokens"
)

// EventBus is both ends of the lifecycle event channel.
type EventBus interface {
	ports.EventPublisher
	ports.EventSubscriber
}

// App is the assembled service. Dependencies not injected through options
// are built from configuration in Start.
type App struct {
	// Dependencies (injected via options or built from config)
	configPath string
	config     *file.Provider
	store      ports.EntityStore
	responder  ports.Responder
	events     EventBus
	logger     *slog.Logger
	noWatch    bool

	// Built in Start
	cfg        *config.Config
	registry   *tenant.Registry
	controller *handoff.Controller
	server     *server.Server
	tracerStop func(context.Context) error

	ctx     context.Context
	cancel  context.CancelFunc
	serveWG sync.WaitGroup
	mu      sync.RWMutex
}

// New creates an App with the given options. A config source is required.
func New(opts ...Option) (*App, error) {
	app := &App{
		logger:   slog.Default(),
		registry: tenant.NewRegistry(),
	}

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if app.configPath == "" {
		return nil, fmt.Errorf("config source required (use WithConfigFile)")
	}
	provider, err := file.NewProvider(app.configPath, app.logger)
	if err != nil {
		return nil, fmt.Errorf("create file config provider: %w", err)
	}
	app.config = provider
	return app, nil
}

// Start loads configuration, wires every component and starts serving.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctx, a.cancel = context.WithCancel(ctx)

	cfg, err := a.config.Load(a.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	a.tracerStop, err = telemetry.InitTracer(a.ctx, cfg.Telemetry, a.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	if a.store == nil {
		a.store, err = storage.Open(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
	}

	if err := a.loadTenants(cfg); err != nil {
		return err
	}

	if a.responder == nil {
		a.responder, err = responder.New(cfg.Responder)
		if err != nil {
			return fmt.Errorf("create responder: %w", err)
		}
	}

	if a.events == nil {
		a.events, err = newEventBus(a.ctx, cfg.Events, a.logger)
		if err != nil {
			return fmt.Errorf("create event bus: %w", err)
		}
	}

	sessions, err := auth.NewSessions([]byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL)
	if err != nil {
		return fmt.Errorf("create session issuer: %w", err)
	}
	if cfg.Auth.SessionSecret == "" {
		a.logger.Warn("auth.session_secret not set, widget sessions will not survive a restart")
	}

	a.controller = handoff.NewController(a.store, a.responder, a.registry,
		handoff.WithLogger(a.logger),
		handoff.WithEvents(a.events),
		handoff.WithHistoryWindow(cfg.Handoff.HistoryWindow),
		handoff.WithMaxContextTokens(cfg.Handoff.MaxContextTokens),
		handoff.WithTokenCounter(tokens.ForModel(cfg.Responder.Model)),
		handoff.WithResponderTimeout(cfg.Handoff.ResponderTimeout),
	)

	a.server = server.New(cfg.Server.Port, a.logger, server.Dependencies{
		Controller:     a.controller,
		Authenticator:  auth.NewAuthenticator(a.registry),
		Sessions:       sessions,
		Events:         a.events,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	a.serveWG.Add(1)
	go func() {
		defer a.serveWG.Done()
		if err := a.server.Start(); err != nil {
			a.logger.Error("server stopped", slog.String("error", err.Error()))
		}
	}()

	if !a.noWatch {
		if err := a.config.Watch(a.ctx, a.onConfigChange); err != nil {
			// Serving continues with the configuration already loaded.
			a.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("supportdesk started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.String("responder", cfg.Responder.Type),
		slog.String("events", cfg.Events.Type),
		slog.Int("tenants", len(cfg.Tenants)))

	return nil
}

// Handler returns the HTTP handler once Start has succeeded.
func (a *App) Handler() http.Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.server == nil {
		return nil
	}
	return a.server.Router
}

// Controller returns the handoff controller once Start has succeeded.
func (a *App) Controller() *handoff.Controller {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.controller
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Tenants returns the live tenant registry.
func (a *App) Tenants() *tenant.Registry {
	return a.registry
}

// Shutdown stops the server and releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("shutting down supportdesk")

	if a.cancel != nil {
		a.cancel()
	}

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		a.serveWG.Wait()
	}

	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close storage", slog.String("error", err.Error()))
		}
	}

	if err := a.config.Close(); err != nil {
		a.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	if a.tracerStop != nil {
		if err := a.tracerStop(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("supportdesk shutdown complete")
	return errors.Join(errs...)
}

// onConfigChange applies a reloaded configuration. Tenants, agent keys and
// knowledge base are reloadable; everything else needs a restart.
func (a *App) onConfigChange(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadTenants(cfg); err != nil {
		a.logger.Error("failed to reload tenants", slog.String("error", err.Error()))
		return
	}
	if restartRequired(a.cfg, cfg) {
		a.logger.Warn("server, storage, responder or events settings changed; restart to apply")
	}
	a.cfg = cfg
	a.logger.Info("reload complete", slog.Int("tenants", len(cfg.Tenants)))
}

func (a *App) loadTenants(cfg *config.Config) error {
	tenants, err := a.registry.Load(cfg.Tenants)
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	if err := a.registry.SeedKnowledgeBase(a.ctx, a.store, a.logger); err != nil {
		return fmt.Errorf("seed knowledge base: %w", err)
	}
	a.logger.Debug("tenants loaded", slog.Int("count", len(tenants)))
	return nil
}

func restartRequired(old, cur *config.Config) bool {
	if old == nil {
		return false
	}
	return old.Server.Port != cur.Server.Port ||
		old.Storage != cur.Storage ||
		old.Responder != cur.Responder ||
		old.Events != cur.Events
}

func newEventBus(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (EventBus, error) {
	switch cfg.Type {
	case "", "direct":
		return direct.NewPublisher(direct.DefaultBuffer), nil
	case "redis":
		bus, err := redisbus.New(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown events type %q", cfg.Type)
	}
}

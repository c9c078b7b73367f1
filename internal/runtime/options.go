package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/supportdesk/internal/core/ports"
)

// Option is a functional option for configuring an App.
type Option func(*App) error

// WithConfigFile uses file-based configuration with hot-reload.
// The path should point to a config.yaml file that will be watched for changes.
func WithConfigFile(path string) Option {
	return func(a *App) error {
		if path == "" {
			return fmt.Errorf("config path cannot be empty")
		}
		a.configPath = path
		return nil
	}
}

// WithoutConfigWatch disables hot-reload.
func WithoutConfigWatch() Option {
	return func(a *App) error {
		a.noWatch = true
		return nil
	}
}

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		a.logger = logger
		return nil
	}
}

// WithStore injects an entity store instead of opening one from config.
// The App closes it on Shutdown.
func WithStore(store ports.EntityStore) Option {
	return func(a *App) error {
		a.store = store
		return nil
	}
}

// WithResponder injects the bot backend instead of building it from config.
func WithResponder(r ports.Responder) Option {
	return func(a *App) error {
		a.responder = r
		return nil
	}
}

// WithEventBus injects the lifecycle event bus.
func WithEventBus(bus EventBus) Option {
	return func(a *App) error {
		a.events = bus
		return nil
	}
}

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/supportdesk/internal/pkg/config"
	"github.com/tjfontaine/supportdesk/internal/runtime"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	level := slog.LevelInfo
	if v := os.Getenv(config.EnvPrefix + "LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			log.Fatalf("Invalid log level %q: %v", v, err)
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	app, err := runtime.New(
		runtime.WithConfigFile(configPath),
		runtime.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to create supportdesk: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start supportdesk: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	timeout := 30 * time.Second
	if cfg := app.Config(); cfg != nil && cfg.Server.ShutdownTimeout > 0 {
		timeout = cfg.Server.ShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

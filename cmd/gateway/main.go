// Package main is the gateway entry point: the control plane runners connect
// to and chat surfaces consume events from.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/config"
	"github.com/loomlabs/loom/internal/common/logger"
	"github.com/loomlabs/loom/internal/common/tracing"
	"github.com/loomlabs/loom/internal/events/bus"
	"github.com/loomlabs/loom/internal/gateway"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Loom gateway...",
		zap.String("host", cfg.Gateway.Host),
		zap.Int("port", cfg.Gateway.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	gw := gateway.New(&cfg.Gateway, eventBus, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down gateway...")
		cancel()
	}()

	err = gw.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Warn("Tracing shutdown error", zap.Error(terr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Gateway stopped")
}

// newEventBus selects NATS when a URL is configured and the in-memory bus
// otherwise, so single-process deployments need no broker.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL != "" {
		log.Info("Using NATS event bus", zap.String("url", cfg.NATS.URL))
		return bus.NewNATSEventBus(cfg.NATS, log)
	}
	log.Info("Using in-memory event bus")
	return bus.NewMemoryEventBus(log), nil
}

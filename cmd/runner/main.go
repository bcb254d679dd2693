// Package main is the runner-agent entry point: it hosts CLI subprocesses on
// this machine and bridges them to the gateway over WebSocket.
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
	"github.com/loomlabs/loom/internal/runner"
	"github.com/loomlabs/loom/internal/runner/wsclient"
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

	log.Info("Starting Loom runner...",
		zap.String("runner_name", cfg.Runner.RunnerName),
		zap.Strings("cli_kinds", cfg.Runner.CLIKinds))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := runner.New(&cfg.Runner, log)
	if err != nil {
		log.Fatal("Failed to initialize runner", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down runner...")
		cancel()
	}()

	err = r.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if terr := tracing.Shutdown(shutdownCtx); terr != nil {
		log.Warn("Tracing shutdown error", zap.Error(terr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, wsclient.ErrGatewayRejected) {
			log.Error("Gateway rejected this runner, exiting", zap.Error(err))
		} else {
			log.Error("Runner exited with error", zap.Error(err))
		}
		os.Exit(1)
	}
	log.Info("Runner stopped")
}

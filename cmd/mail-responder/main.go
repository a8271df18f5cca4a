package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikey/llm-mail-responder/internal/adapters/store"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/di"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
	"github.com/mikey/llm-mail-responder/internal/metrics"
	"github.com/mikey/llm-mail-responder/internal/poller"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"go.uber.org/zap"
)

const connectTimeout = 30 * time.Second

var configFile = flag.String("config", "", "Path to config file (default: search the standard locations)")

func main() {
	flag.Parse()

	// Build the dependency injection container
	container, err := di.BuildContainer(*configFile)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	cfg *config.Config,
	logger *zap.Logger,
	mailPoller *poller.Poller,
	gateway *resilience.Gateway,
	records store.Store,
	llmClient *resilience.LLMClient,
	index *knowledge.Index,
) error {
	defer logger.Sync()
	defer closeAll(logger, records, llmClient, index, gateway)

	// Check the mailbox before polling
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err := gateway.Ping(ctx)
	cancel()
	if err != nil {
		logger.Error("Mailbox connectivity check failed", zap.Error(err))
		return fmt.Errorf("mailbox connectivity check failed: %w", err)
	}
	logger.Info("Mailbox connectivity check passed")

	// Start the optional metrics listener
	var metricsServer *http.Server
	if addr := cfg.GetAPI().MetricsAddress; addr != "" {
		metricsServer = metrics.NewServer(addr)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
		logger.Info("Metrics listener started", zap.String("address", addr))
	}

	// Start the poller
	if err := mailPoller.Start(); err != nil {
		logger.Error("Failed to start poller", zap.Error(err))
		return err
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	// Stop the poller, cancelling in-flight runs
	if err := mailPoller.Stop(); err != nil {
		logger.Error("Failed to stop poller", zap.Error(err))
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to stop metrics listener", zap.Error(err))
		}
		cancel()
	}

	logger.Info("Shutdown complete")
	return nil
}

// closeAll releases every resource that holds connections or files
func closeAll(logger *zap.Logger, closers ...interface{ Close() error }) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error("Failed to close resource", zap.String("type", fmt.Sprintf("%T", c)), zap.Error(err))
		}
	}
}

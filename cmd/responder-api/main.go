package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikey/llm-mail-responder/internal/adapters/store"
	"github.com/mikey/llm-mail-responder/internal/api"
	"github.com/mikey/llm-mail-responder/internal/di"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
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

// run serves the API until interrupted. Crash recovery of interrupted
// sends is left to the poller, which may share the same store.
func run(
	logger *zap.Logger,
	server *api.Server,
	gateway *resilience.Gateway,
	records store.Store,
	llmClient *resilience.LLMClient,
	index *knowledge.Index,
) error {
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err := gateway.Ping(ctx)
	cancel()
	if err != nil {
		logger.Error("Mailbox connectivity check failed", zap.Error(err))
		return fmt.Errorf("mailbox connectivity check failed: %w", err)
	}

	if err := server.Start(); err != nil {
		logger.Error("Failed to start API server", zap.Error(err))
		return err
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}

	for _, c := range []interface{ Close() error }{records, llmClient, index, gateway} {
		if err := c.Close(); err != nil {
			logger.Error("Failed to close resource", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

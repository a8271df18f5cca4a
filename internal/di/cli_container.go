package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/factory"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
	"github.com/mikey/llm-mail-responder/internal/logging"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"github.com/mikey/llm-mail-responder/internal/utils"
)

// CLIFlags contains the global flags of the indexer command line
type CLIFlags struct {
	ConfigFile string
	Verbose    bool
	JSONLog    bool

	// Provider overrides llm.provider and embedding.provider when set
	Provider string
}

// BuildCLIContainer creates and configures a dependency injection container for the CLI application
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		cfg, err := config.Load(flags.ConfigFile)
		if err != nil {
			return nil, err
		}
		if used := cfg.GetViper().ConfigFileUsed(); used != "" {
			logger.Debug("Loaded configuration from file", zap.String("file", used))
		}
		applyFlags(cfg, flags)
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	if err := provideShared(container); err != nil {
		return nil, err
	}

	// Register index builder
	if err := container.Provide(func(f *factory.KnowledgeFactory, index *knowledge.Index, embedder *resilience.Embedder) *knowledge.Builder {
		return f.CreateBuilder(index, embedder)
	}); err != nil {
		return nil, err
	}

	// Register workflow factory for offline triage
	if err := container.Provide(factory.NewWorkflowFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.WorkflowFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// applyFlags lets command line flags override the loaded configuration
func applyFlags(cfg *config.Config, flags *CLIFlags) {
	if flags.Provider != "" {
		cfg.Set("llm.provider", flags.Provider)
		cfg.Set("embedding.provider", flags.Provider)
	}
	if flags.Verbose {
		cfg.Set("logging.level", "debug")
	}
}

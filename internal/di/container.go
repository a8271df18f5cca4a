package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-responder/internal/adapters/store"
	"github.com/mikey/llm-mail-responder/internal/allowlist"
	"github.com/mikey/llm-mail-responder/internal/api"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/factory"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
	"github.com/mikey/llm-mail-responder/internal/logging"
	"github.com/mikey/llm-mail-responder/internal/poller"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"github.com/mikey/llm-mail-responder/internal/utils"
)

// BuildContainer creates and configures a dependency injection container for
// the long-running services. The configuration is validated when it is
// first resolved, so an invalid setup fails before anything connects.
func BuildContainer(configFile string) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.ValidateService(); err != nil {
			return nil, err
		}
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideShared(container); err != nil {
		return nil, err
	}

	// Register mailbox gateway
	if err := container.Provide(factory.NewMailboxFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.MailboxFactory) (*resilience.Gateway, error) {
		return f.CreateGateway()
	}); err != nil {
		return nil, err
	}

	// Register workflow engine
	if err := container.Provide(factory.NewWorkflowFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.WorkflowFactory) *utils.TextProcessor {
		return f.CreateTextProcessor()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(f *factory.WorkflowFactory) *allowlist.Checker {
		return f.CreateAllowlist()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(func(
		f *factory.WorkflowFactory,
		llm *resilience.LLMClient,
		retriever *knowledge.Retriever,
		gateway *resilience.Gateway,
		records store.Store,
		textProcessor *utils.TextProcessor,
	) *core.WorkflowEngine {
		return f.CreateEngine(llm, retriever, gateway, records, textProcessor)
	}); err != nil {
		return nil, err
	}

	// Register poll loop
	if err := container.Provide(func(
		cfg *config.Config,
		engine *core.WorkflowEngine,
		gateway *resilience.Gateway,
		records store.Store,
		allow *allowlist.Checker,
		logger *zap.Logger,
	) (*poller.Poller, error) {
		poll, err := cfg.GetPoll()
		if err != nil {
			return nil, err
		}
		return poller.New(engine, gateway, records, records, allow, logger, poller.Options{
			Interval:        poll.Interval,
			Schedule:        poll.Schedule,
			Workers:         poll.Workers,
			RunTimeout:      poll.RunTimeout,
			CheckpointName:  poll.CheckpointName,
			InitialLookback: poll.InitialLookback,
			OwnAddress:      cfg.GetMailbox().Address,
		})
	}); err != nil {
		return nil, err
	}

	// Register API server
	if err := container.Provide(func(
		cfg *config.Config,
		engine *core.WorkflowEngine,
		gateway *resilience.Gateway,
		records store.Store,
		allow *allowlist.Checker,
		logger *zap.Logger,
	) *api.Server {
		apiConfig := cfg.GetAPI()
		checks := map[string]core.Pinger{"mailbox": gateway}
		return api.NewServer(engine, records, allow, checks, logger, apiConfig.ListenAddress, apiConfig.Mode)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideShared registers the LLM, store and knowledge components used by
// every entrypoint
func provideShared(container *dig.Container) error {
	// Register factories
	if err := container.Provide(factory.NewLLMFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewKnowledgeFactory); err != nil {
		return err
	}

	// Register LLM client and embedder
	if err := container.Provide(func(f *factory.LLMFactory) (*resilience.LLMClient, error) {
		return f.CreateLLMClient()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.LLMFactory) (*resilience.Embedder, error) {
		return f.CreateEmbedder()
	}); err != nil {
		return err
	}

	// Register record store
	if err := container.Provide(func(f *factory.StoreFactory) (store.Store, error) {
		return f.CreateStore()
	}); err != nil {
		return err
	}

	// Register knowledge index and retriever
	if err := container.Provide(func(f *factory.KnowledgeFactory) (*knowledge.Index, error) {
		return f.OpenIndex()
	}); err != nil {
		return err
	}
	if err := container.Provide(func(f *factory.KnowledgeFactory, index *knowledge.Index, embedder *resilience.Embedder) *knowledge.Retriever {
		return f.CreateRetriever(index, embedder)
	}); err != nil {
		return err
	}

	return nil
}

package factory

import (
	"github.com/mikey/llm-mail-responder/internal/agents"
	"github.com/mikey/llm-mail-responder/internal/allowlist"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/utils"
	"go.uber.org/zap"
)

// WorkflowFactory creates the agents and the engine that drives them
type WorkflowFactory struct {
	cfg         *config.Config
	logger      *zap.Logger
	maxBodySize int
}

// NewWorkflowFactory creates a new workflow factory
func NewWorkflowFactory(cfg *config.Config, logger *zap.Logger, llmFactory *LLMFactory) *WorkflowFactory {
	return &WorkflowFactory{
		cfg:         cfg,
		logger:      logger,
		maxBodySize: llmFactory.MaxBodySize(),
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *WorkflowFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateAllowlist creates the sender domain checker
func (f *WorkflowFactory) CreateAllowlist() *allowlist.Checker {
	return allowlist.NewChecker(f.cfg.GetStringSlice("filter.allowed_domains"), f.logger)
}

// CreateEngine wires the classifier, responder and verifier into an engine.
// retriever may be nil, in which case every inquiry is held for review.
func (f *WorkflowFactory) CreateEngine(
	llm core.LLMClient,
	retriever core.Retriever,
	gateway core.MailboxGateway,
	records core.RecordStore,
	textProcessor *utils.TextProcessor,
) *core.WorkflowEngine {
	wf := f.cfg.GetWorkflow()
	rt := f.cfg.GetRetrieval()

	classifier := agents.NewClassifier(llm, f.logger, textProcessor, f.maxBodySize)
	responder := agents.NewResponder(llm, retriever, f.logger, textProcessor, agents.ResponderOptions{
		TopK:        rt.TopK,
		MaxQueries:  rt.MaxQueries,
		MaxBodySize: f.maxBodySize,
		Signature:   wf.Signature,
	})
	verifier := agents.NewVerifier(llm, f.logger, textProcessor, f.maxBodySize, wf.MaxDraftLength)

	f.logger.Info("Created workflow engine",
		zap.Int("max_retries", wf.MaxRetries),
		zap.Bool("auto_send", wf.AutoSend),
		zap.Int("top_k", rt.TopK))

	return core.NewWorkflowEngine(classifier, responder, verifier, gateway, records, f.logger, core.EngineOptions{
		MaxRetries:  wf.MaxRetries,
		AutoSend:    wf.AutoSend,
		FromAddress: f.cfg.GetMailbox().Address,
	})
}

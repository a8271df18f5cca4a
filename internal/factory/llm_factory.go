package factory

import (
	"fmt"
	"sync"
	"time"

	"github.com/mikey/llm-mail-responder/internal/adapters/bedrock"
	"github.com/mikey/llm-mail-responder/internal/adapters/gemini"
	"github.com/mikey/llm-mail-responder/internal/adapters/openai"
	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// provider is a model backend that can both complete and embed
type provider interface {
	core.LLMClient
	core.Embedder
}

// LLMFactory creates LLM clients and embedders wrapped in the call policy
type LLMFactory struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]provider
	limiter *rate.Limiter
}

// NewLLMFactory creates a new LLM factory
func NewLLMFactory(cfg *config.Config, logger *zap.Logger) *LLMFactory {
	return &LLMFactory{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]provider),
	}
}

// CreateLLMClient creates the chat client for the configured provider
func (f *LLMFactory) CreateLLMClient() (*resilience.LLMClient, error) {
	llmConfig, err := f.cfg.GetLLM()
	if err != nil {
		return nil, fmt.Errorf("invalid LLM configuration: %w", err)
	}

	client, err := f.provider(llmConfig.Provider)
	if err != nil {
		return nil, err
	}

	policy := resilience.NewPolicy("llm_complete", llmConfig.Timeout, f.backoff(llmConfig), f.logger)
	if limiter := f.rateLimiter(llmConfig); limiter != nil {
		policy = policy.WithLimiter(limiter)
	}

	f.logger.Info("Created LLM client",
		zap.String("provider", llmConfig.Provider),
		zap.Duration("timeout", llmConfig.Timeout),
		zap.Float64("rate_limit", llmConfig.RateLimit))
	return resilience.NewLLMClient(client, policy), nil
}

// CreateEmbedder creates the embedder for the configured embedding provider
func (f *LLMFactory) CreateEmbedder() (*resilience.Embedder, error) {
	llmConfig, err := f.cfg.GetLLM()
	if err != nil {
		return nil, fmt.Errorf("invalid LLM configuration: %w", err)
	}

	client, err := f.provider(llmConfig.EmbeddingProvider)
	if err != nil {
		return nil, err
	}

	policy := resilience.NewPolicy("llm_embed", llmConfig.EmbeddingTimeout, f.backoff(llmConfig), f.logger)
	if limiter := f.rateLimiter(llmConfig); limiter != nil {
		policy = policy.WithLimiter(limiter)
	}

	f.logger.Info("Created embedder", zap.String("provider", llmConfig.EmbeddingProvider))
	return resilience.NewEmbedder(client, policy), nil
}

// provider returns the shared backend client for name
func (f *LLMFactory) provider(name string) (provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[name]; ok {
		return client, nil
	}

	var (
		client provider
		err    error
	)
	switch name {
	case "bedrock":
		client, err = bedrock.NewFactory(f.cfg, f.logger).CreateClient()
	case "gemini":
		client, err = gemini.NewFactory(f.cfg, f.logger).CreateClient()
	case "openai":
		client, err = openai.NewFactory(f.cfg, f.logger).CreateClient()
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}

	f.clients[name] = client
	return client, nil
}

func (f *LLMFactory) backoff(llmConfig config.LLMConfig) resilience.BackoffConfig {
	return resilience.BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     20 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      llmConfig.MaxRetries,
	}
}

// rateLimiter is shared by chat and embedding calls
func (f *LLMFactory) rateLimiter(llmConfig config.LLMConfig) *rate.Limiter {
	if llmConfig.RateLimit <= 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limiter == nil {
		burst := llmConfig.RateBurst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(llmConfig.RateLimit), burst)
	}
	return f.limiter
}

// MaxBodySize returns the body size limit of the configured chat provider
func (f *LLMFactory) MaxBodySize() int {
	switch f.cfg.GetString("llm.provider") {
	case "bedrock":
		return f.cfg.GetBedrock().MaxBodySize
	case "gemini":
		return f.cfg.GetGemini().MaxBodySize
	default:
		return f.cfg.GetOpenAI().MaxBodySize
	}
}

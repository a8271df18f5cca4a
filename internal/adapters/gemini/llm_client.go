package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/mikey/llm-mail-responder/internal/core"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// GeminiClient implements the LLMClient and Embedder interfaces using Google Gemini
type GeminiClient struct {
	client         *genai.Client
	modelName      string
	embeddingModel string
	maxTokens      int
	temperature    float32
	topP           float32
	logger         *zap.Logger
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(
	apiKey string,
	modelName string,
	embeddingModel string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) (*GeminiClient, error) {
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:         client,
		modelName:      modelName,
		embeddingModel: embeddingModel,
		maxTokens:      maxTokens,
		temperature:    temperature,
		topP:           topP,
		logger:         logger,
	}, nil
}

// Close closes the Gemini client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// model builds a per-request model handle; GenerativeModel settings are not safe to share
func (c *GeminiClient) model(req *core.CompletionRequest) *genai.GenerativeModel {
	model := c.client.GenerativeModel(c.modelName)
	model.SetTemperature(c.temperature)
	model.SetTopP(c.topP)
	model.SetMaxOutputTokens(int32(c.maxTokens))
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}
	return model
}

// Complete generates a single response
func (c *GeminiClient) Complete(ctx context.Context, req *core.CompletionRequest) (string, error) {
	resp, err := c.model(req).GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content with Gemini: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from Gemini")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini response has no text parts")
	}

	c.logger.Debug("Gemini completion",
		zap.String("model", c.modelName),
		zap.String("finish_reason", fmt.Sprint(resp.Candidates[0].FinishReason)))

	return b.String(), nil
}

// Embed returns one vector per input text using a single batch call
func (c *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := c.client.EmbeddingModel(c.embeddingModel)
	batch := em.NewBatch()
	for _, text := range texts {
		batch.AddContent(genai.Text(text))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content with Gemini: %w", err)
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(res.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		vectors[i] = e.Values
	}
	return vectors, nil
}

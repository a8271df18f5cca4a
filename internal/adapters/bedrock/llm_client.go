package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mikey/llm-mail-responder/internal/core"
	"go.uber.org/zap"
)

const anthropicVersion = "bedrock-2023-05-31"

// ModelInvoker is the part of the Bedrock runtime client this adapter uses
type ModelInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockClient implements the LLMClient and Embedder interfaces using Amazon Bedrock
type BedrockClient struct {
	client           ModelInvoker
	modelID          string
	embeddingModelID string
	maxTokens        int
	temperature      float32
	topP             float32
	logger           *zap.Logger
}

// NewBedrockClient creates a new Bedrock client
func NewBedrockClient(
	client ModelInvoker,
	modelID string,
	embeddingModelID string,
	maxTokens int,
	temperature float32,
	topP float32,
	logger *zap.Logger,
) *BedrockClient {
	return &BedrockClient{
		client:           client,
		modelID:          modelID,
		embeddingModelID: embeddingModelID,
		maxTokens:        maxTokens,
		temperature:      temperature,
		topP:             topP,
		logger:           logger,
	}
}

// Complete invokes the configured text model. The request body depends on the model family.
func (c *BedrockClient) Complete(ctx context.Context, req *core.CompletionRequest) (string, error) {
	payload, err := c.completionPayload(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	resp, err := c.invoke(ctx, c.modelID, payload)
	if err != nil {
		return "", err
	}

	text, err := c.completionText(resp)
	if err != nil {
		return "", err
	}
	c.logger.Debug("Bedrock completion", zap.String("model", c.modelID), zap.Int("length", len(text)))
	return text, nil
}

func (c *BedrockClient) completionPayload(req *core.CompletionRequest) ([]byte, error) {
	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond only with the JSON object and nothing else."
	}

	switch {
	case c.isAnthropicMessagesModel():
		body := map[string]interface{}{
			"anthropic_version": anthropicVersion,
			"max_tokens":        c.maxTokens,
			"temperature":       c.temperature,
			"top_p":             c.topP,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}
		if req.System != "" {
			body["system"] = req.System
		}
		return json.Marshal(body)
	case c.isAnthropicModel():
		return json.Marshal(map[string]interface{}{
			"prompt":               fmt.Sprintf("\n\nHuman: %s\n\n%s\n\nAssistant:", req.System, prompt),
			"max_tokens_to_sample": c.maxTokens,
			"temperature":          c.temperature,
			"top_p":                c.topP,
		})
	case c.isAmazonTitanModel():
		return json.Marshal(map[string]interface{}{
			"inputText": joinPrompt(req.System, prompt),
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": c.maxTokens,
				"temperature":   c.temperature,
				"topP":          c.topP,
			},
		})
	default:
		return json.Marshal(map[string]interface{}{
			"prompt":      joinPrompt(req.System, prompt),
			"max_tokens":  c.maxTokens,
			"temperature": c.temperature,
			"top_p":       c.topP,
		})
	}
}

func (c *BedrockClient) completionText(body []byte) (string, error) {
	switch {
	case c.isAnthropicMessagesModel():
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
		}
		var b strings.Builder
		for _, part := range resp.Content {
			if part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		if b.Len() == 0 {
			return "", fmt.Errorf("empty response from Claude model")
		}
		return b.String(), nil
	case c.isAnthropicModel():
		var resp struct {
			Completion string `json:"completion"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Claude response: %w", err)
		}
		return resp.Completion, nil
	case c.isAmazonTitanModel():
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal Titan response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", fmt.Errorf("empty response from Titan model")
		}
		return resp.Results[0].OutputText, nil
	default:
		var resp struct {
			Output     string `json:"output"`
			Text       string `json:"text"`
			Response   string `json:"response"`
			Generation string `json:"generation"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to unmarshal generic response: %w", err)
		}
		for _, s := range []string{resp.Output, resp.Text, resp.Response, resp.Generation} {
			if s != "" {
				return s, nil
			}
		}
		return string(body), nil
	}
}

// Embed returns one vector per text. Titan embedding models take a single input per call.
func (c *BedrockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		payload, err := json.Marshal(map[string]interface{}{"inputText": text})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal embedding payload: %w", err)
		}

		body, err := c.invoke(ctx, c.embeddingModelID, payload)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding response: %w", err)
		}
		if len(resp.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding from %s", c.embeddingModelID)
		}
		vectors = append(vectors, resp.Embedding)
	}
	return vectors, nil
}

func (c *BedrockClient) invoke(ctx context.Context, modelID string, payload []byte) ([]byte, error) {
	resp, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		Body:        payload,
		Accept:      aws.String("application/json"),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke Bedrock model %s: %w", modelID, err)
	}
	return resp.Body, nil
}

func joinPrompt(system, prompt string) string {
	if system == "" {
		return prompt
	}
	return system + "\n\n" + prompt
}

// isAnthropicModel checks if the model is an Anthropic Claude model
func (c *BedrockClient) isAnthropicModel() bool {
	return strings.HasPrefix(c.modelID, "anthropic.claude")
}

// isAnthropicMessagesModel checks for Claude models that only accept the messages API
func (c *BedrockClient) isAnthropicMessagesModel() bool {
	return c.isAnthropicModel() && !strings.HasPrefix(c.modelID, "anthropic.claude-v") &&
		!strings.HasPrefix(c.modelID, "anthropic.claude-instant")
}

// isAmazonTitanModel checks if the model is an Amazon Titan model
func (c *BedrockClient) isAmazonTitanModel() bool {
	return strings.HasPrefix(c.modelID, "amazon.titan")
}

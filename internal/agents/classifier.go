package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/utils"
	"go.uber.org/zap"
)

// Classifier assigns support categories with a single model call
type Classifier struct {
	llm           core.LLMClient
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
	maxBodySize   int
}

type classificationResponse struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// NewClassifier creates a new classifier
func NewClassifier(llm core.LLMClient, logger *zap.Logger, textProcessor *utils.TextProcessor, maxBodySize int) *Classifier {
	return &Classifier{
		llm:           llm,
		logger:        logger,
		textProcessor: textProcessor,
		maxBodySize:   maxBodySize,
	}
}

// Classify returns the message category. Output that names no known
// category is treated as unrelated.
func (c *Classifier) Classify(ctx context.Context, msg *core.InboundMessage) (core.Category, error) {
	body := c.textProcessor.ProcessText(msg.Body, c.maxBodySize)
	prompt := fmt.Sprintf(classifierPrompt, msg.From, msg.Subject, body)

	text, err := c.llm.Complete(ctx, &core.CompletionRequest{
		System: classifierSystem,
		Prompt: prompt,
		JSON:   true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to classify message: %w", err)
	}

	var resp classificationResponse
	if err := decodeJSON(text, &resp); err != nil {
		if !errors.Is(err, core.ErrUnusableOutput) {
			return "", err
		}
		// a bare label is still usable
		category := core.ParseCategory(text)
		c.logger.Warn("Classifier returned non-JSON output",
			zap.String("message_id", msg.ID),
			zap.String("category", string(category)))
		return category, nil
	}

	category := core.ParseCategory(resp.Category)
	if string(category) != resp.Category {
		c.logger.Debug("Normalised classifier label",
			zap.String("label", resp.Category),
			zap.String("category", string(category)))
	}
	c.logger.Debug("Classifier decision",
		zap.String("message_id", msg.ID),
		zap.String("category", string(category)),
		zap.String("reason", resp.Reason))
	return category, nil
}

package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/metrics"
	"github.com/mikey/llm-mail-responder/internal/utils"
	"go.uber.org/zap"
)

// NoPassagesReason is the review reason for inquiries the knowledge base could not support
const NoPassagesReason = "no knowledge base passages matched the inquiry; the reply may be missing required information"

// ResponderOptions tunes drafting
type ResponderOptions struct {
	TopK        int
	MaxQueries  int
	MaxBodySize int
	Signature   string
}

// Responder drafts replies, grounding inquiries on the knowledge base
type Responder struct {
	llm           core.LLMClient
	retriever     core.Retriever
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
	opts          ResponderOptions
}

type draftResponse struct {
	Draft            string `json:"draft"`
	Escalate         bool   `json:"escalate"`
	EscalationReason string `json:"escalation_reason"`
}

type queryResponse struct {
	Queries []string `json:"queries"`
}

// NewResponder creates a new responder. retriever may be nil when no index is available.
func NewResponder(
	llm core.LLMClient,
	retriever core.Retriever,
	logger *zap.Logger,
	textProcessor *utils.TextProcessor,
	opts ResponderOptions,
) *Responder {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.MaxQueries <= 0 {
		opts.MaxQueries = 3
	}
	if opts.Signature == "" {
		opts.Signature = "The Support Team"
	}
	return &Responder{
		llm:           llm,
		retriever:     retriever,
		logger:        logger,
		textProcessor: textProcessor,
		opts:          opts,
	}
}

// Draft produces the next draft for the run. On a retry the previous drafts
// and their feedback are part of the prompt.
func (r *Responder) Draft(ctx context.Context, st *core.WorkflowState) (*core.DraftResult, error) {
	switch st.Category {
	case core.CategoryComplaint:
		return r.write(ctx, st, complaintGuidelines, nil, false)
	case core.CategoryFeedback:
		return r.write(ctx, st, feedbackGuidelines, nil, false)
	case core.CategoryInquiry:
		passages, err := r.passagesFor(ctx, st)
		if err != nil {
			return nil, err
		}
		return r.write(ctx, st, inquiryGuidelines, passages, true)
	default:
		return nil, fmt.Errorf("%w: no drafting path for category %q", core.ErrUnusableOutput, st.Category)
	}
}

// passagesFor retrieves evidence once per run; refinements reuse it
func (r *Responder) passagesFor(ctx context.Context, st *core.WorkflowState) ([]core.Passage, error) {
	if st.Attempt > 0 && st.Passages != nil {
		return st.Passages, nil
	}
	if r.retriever == nil {
		r.logger.Warn("No knowledge retriever configured", zap.String("message_id", st.Message.ID))
		return []core.Passage{}, nil
	}

	queries, err := r.queries(ctx, st.Message)
	if err != nil {
		return nil, err
	}

	best := make(map[string]core.Passage)
	for _, q := range queries {
		found, err := r.retriever.Retrieve(ctx, q, r.opts.TopK)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve passages: %w", err)
		}
		for _, p := range found {
			key := p.ID
			if key == "" {
				key = p.Text
			}
			if prev, ok := best[key]; !ok || p.Score > prev.Score {
				best[key] = p
			}
		}
	}

	passages := make([]core.Passage, 0, len(best))
	for _, p := range best {
		passages = append(passages, p)
	}
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].ID < passages[j].ID
	})

	result := "hit"
	if len(passages) == 0 {
		result = "miss"
	}
	metrics.RetrievalsTotal.WithLabelValues(result).Inc()
	r.logger.Debug("Retrieved passages",
		zap.String("message_id", st.Message.ID),
		zap.Strings("queries", queries),
		zap.Int("passages", len(passages)))
	return passages, nil
}

// queries asks the model for search questions, falling back to the subject and body
func (r *Responder) queries(ctx context.Context, msg *core.InboundMessage) ([]string, error) {
	body := r.textProcessor.ProcessText(msg.Body, r.opts.MaxBodySize)
	text, err := r.llm.Complete(ctx, &core.CompletionRequest{
		System: querySystem,
		Prompt: fmt.Sprintf(queryPrompt, r.opts.MaxQueries, msg.Subject, body),
		JSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to design retrieval queries: %w", err)
	}

	var resp queryResponse
	if err := decodeJSON(text, &resp); err != nil {
		r.logger.Warn("Query designer returned unusable output, searching with the email itself",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}

	seen := make(map[string]bool)
	var out []string
	for _, q := range resp.Queries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == r.opts.MaxQueries {
			break
		}
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(msg.Subject + "\n" + r.textProcessor.TruncateText(body, 500))}
	}
	return out, nil
}

func (r *Responder) write(
	ctx context.Context,
	st *core.WorkflowState,
	guidelines string,
	passages []core.Passage,
	grounded bool,
) (*core.DraftResult, error) {
	msg := st.Message
	body := r.textProcessor.ProcessText(msg.Body, r.opts.MaxBodySize)

	evidence := ""
	if grounded {
		if len(passages) == 0 {
			evidence = noPassagesNote + "\n"
		} else {
			evidence = formatPassages(passages)
		}
	}

	prompt := fmt.Sprintf(writerPrompt,
		st.Category, guidelines, r.opts.Signature,
		evidence, formatHistory(st.History),
		msg.From, msg.Subject, body)

	text, err := r.llm.Complete(ctx, &core.CompletionRequest{
		System: writerSystem,
		Prompt: prompt,
		JSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write draft: %w", err)
	}

	var resp draftResponse
	if err := decodeJSON(text, &resp); err != nil {
		return nil, err
	}
	draft := strings.TrimSpace(resp.Draft)
	if draft == "" {
		return nil, fmt.Errorf("%w: writer returned an empty draft", core.ErrUnusableOutput)
	}

	result := &core.DraftResult{Draft: draft}
	if grounded {
		result.Passages = passages
		if len(passages) == 0 {
			result.NeedsReview = true
			result.ReviewReason = NoPassagesReason
		}
	}
	if resp.Escalate {
		reason := "responder requested human escalation"
		if resp.EscalationReason != "" {
			reason += ": " + resp.EscalationReason
		}
		result.NeedsReview = true
		if result.ReviewReason != "" {
			result.ReviewReason += "; " + reason
		} else {
			result.ReviewReason = reason
		}
	}
	return result, nil
}

func formatPassages(passages []core.Passage) string {
	var b strings.Builder
	b.WriteString(passagesHeader)
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] (source: %s)\n%s\n\n", i+1, p.Source, strings.TrimSpace(p.Text))
	}
	return b.String()
}

func formatHistory(history []core.DraftRound) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(revisionHeader)
	for _, round := range history {
		fmt.Fprintf(&b, "--- Draft %d ---\n%s\n", round.Attempt, round.Draft)
		if len(round.Reasons) > 0 {
			b.WriteString("Feedback:\n")
			for _, reason := range round.Reasons {
				fmt.Fprintf(&b, "- %s\n", reason)
			}
		}
	}
	b.WriteString(revisionNote)
	b.WriteString("\n")
	return b.String()
}

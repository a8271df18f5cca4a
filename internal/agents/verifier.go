package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/utils"
	"go.uber.org/zap"
)

const verdictCacheLimit = 2048

var placeholderPattern = regexp.MustCompile(`\[(?i:your|customer|insert|name|company)[^\]]*\]|\{\{[^}]*\}\}`)

// Verifier scores drafts. Verdicts are memoised by content so the same
// message, draft and passages always get the same answer within a process.
type Verifier struct {
	llm            core.LLMClient
	logger         *zap.Logger
	textProcessor  *utils.TextProcessor
	maxBodySize    int
	maxDraftLength int

	mu    sync.Mutex
	cache map[string]core.Verdict
}

type verdictResponse struct {
	Passed   *bool    `json:"passed"`
	Reasons  []string `json:"reasons"`
	Send     *bool    `json:"send"`
	Feedback string   `json:"feedback"`
}

// NewVerifier creates a new verifier
func NewVerifier(llm core.LLMClient, logger *zap.Logger, textProcessor *utils.TextProcessor, maxBodySize, maxDraftLength int) *Verifier {
	return &Verifier{
		llm:            llm,
		logger:         logger,
		textProcessor:  textProcessor,
		maxBodySize:    maxBodySize,
		maxDraftLength: maxDraftLength,
		cache:          make(map[string]core.Verdict),
	}
}

// Verify judges a draft against the message and its evidence
func (v *Verifier) Verify(ctx context.Context, msg *core.InboundMessage, draft string, passages []core.Passage) (*core.Verdict, error) {
	key := verdictKey(msg, draft, passages)
	if cached, ok := v.cached(key); ok {
		return cached, nil
	}

	if reasons := v.structuralProblems(draft); len(reasons) > 0 {
		verdict := core.Verdict{Passed: false, Reasons: reasons}
		v.remember(key, verdict)
		return copyVerdict(verdict), nil
	}

	evidence := "Knowledge base passages: none. This reply was written without retrieval.\n"
	if len(passages) > 0 {
		evidence = formatPassages(passages)
	}
	prompt := fmt.Sprintf(verifierPrompt,
		msg.From, msg.Subject, v.textProcessor.ProcessText(msg.Body, v.maxBodySize),
		evidence, draft)

	text, err := v.llm.Complete(ctx, &core.CompletionRequest{
		System: verifierSystem,
		Prompt: prompt,
		JSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify draft: %w", err)
	}

	var resp verdictResponse
	if err := decodeJSON(text, &resp); err != nil {
		return nil, err
	}

	verdict, err := resp.verdict()
	if err != nil {
		return nil, err
	}
	v.remember(key, verdict)
	return copyVerdict(verdict), nil
}

func (r verdictResponse) verdict() (core.Verdict, error) {
	var passed bool
	switch {
	case r.Passed != nil:
		passed = *r.Passed
	case r.Send != nil:
		passed = *r.Send
	default:
		return core.Verdict{}, fmt.Errorf("%w: verdict has no pass/fail decision", core.ErrUnusableOutput)
	}

	var reasons []string
	for _, reason := range r.Reasons {
		if reason = strings.TrimSpace(reason); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	if fb := strings.TrimSpace(r.Feedback); fb != "" {
		reasons = append(reasons, fb)
	}
	if passed {
		return core.Verdict{Passed: true, Reasons: reasons}, nil
	}
	if len(reasons) == 0 {
		reasons = []string{"reviewer rejected the draft without giving a reason"}
	}
	return core.Verdict{Passed: false, Reasons: reasons}, nil
}

func (v *Verifier) structuralProblems(draft string) []string {
	var reasons []string
	trimmed := strings.TrimSpace(draft)
	if trimmed == "" {
		return []string{"draft is empty"}
	}
	if v.maxDraftLength > 0 && utf8.RuneCountInString(trimmed) > v.maxDraftLength {
		reasons = append(reasons, fmt.Sprintf("draft is longer than %d characters", v.maxDraftLength))
	}
	if placeholderPattern.MatchString(trimmed) {
		reasons = append(reasons, "draft contains unfilled template placeholders")
	}
	return reasons
}

func (v *Verifier) cached(key string) (*core.Verdict, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	verdict, ok := v.cache[key]
	if !ok {
		return nil, false
	}
	return copyVerdict(verdict), true
}

func (v *Verifier) remember(key string, verdict core.Verdict) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.cache) >= verdictCacheLimit {
		v.logger.Debug("Verdict cache full, resetting", zap.Int("entries", len(v.cache)))
		v.cache = make(map[string]core.Verdict)
	}
	v.cache[key] = verdict
}

func verdictKey(msg *core.InboundMessage, draft string, passages []core.Passage) string {
	h := sha256.New()
	for _, part := range []string{msg.ID, msg.From, msg.Subject, msg.Body, draft} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, p := range passages {
		h.Write([]byte(p.ID))
		h.Write([]byte{0})
		h.Write([]byte(p.Text))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func copyVerdict(v core.Verdict) *core.Verdict {
	return &core.Verdict{Passed: v.Passed, Reasons: append([]string(nil), v.Reasons...)}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/llm-mail-responder/internal/metrics"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of refinement rounds after the first draft
const DefaultMaxRetries = 2

// finalizeTimeout bounds the terminal record write, which runs detached from the caller's context
const finalizeTimeout = 10 * time.Second

// EngineOptions tunes the workflow policy
type EngineOptions struct {
	// MaxRetries is the number of redrafts allowed after a failed verification
	MaxRetries int
	// AutoSend sends verified replies. When false they are saved as drafts and held.
	AutoSend bool
	// FromAddress is the address replies are sent from
	FromAddress string
}

// WorkflowEngine drives one inbound message through classification,
// drafting and verification to a terminal outcome
type WorkflowEngine struct {
	classifier Classifier
	responder  Responder
	verifier   Verifier
	gateway    MailboxGateway
	store      RecordStore
	logger     *zap.Logger
	opts       EngineOptions
	now        func() time.Time
}

// NewWorkflowEngine creates a new workflow engine
func NewWorkflowEngine(
	classifier Classifier,
	responder Responder,
	verifier Verifier,
	gateway MailboxGateway,
	store RecordStore,
	logger *zap.Logger,
	opts EngineOptions,
) *WorkflowEngine {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &WorkflowEngine{
		classifier: classifier,
		responder:  responder,
		verifier:   verifier,
		gateway:    gateway,
		store:      store,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Options returns the policy the engine was built with
func (e *WorkflowEngine) Options() EngineOptions {
	return e.opts
}

// Process runs the workflow for msg and records its terminal outcome.
// It returns ErrAlreadyReserved when the message is owned by another run
// or was processed before. A context cancelled before the send releases
// the reservation and leaves no terminal record; one cancelled during the
// send holds the message with InterruptedSendReason.
func (e *WorkflowEngine) Process(ctx context.Context, msg *InboundMessage) (*RunResult, error) {
	if msg == nil || msg.ID == "" {
		return nil, fmt.Errorf("%w: message has no id", ErrUnusableOutput)
	}

	rec := e.newRecord(msg)
	if err := e.store.Reserve(ctx, rec); err != nil {
		return nil, err
	}

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()
	start := time.Now()

	st := &WorkflowState{Message: msg, State: StateReceived}
	sending := false
	err := e.drive(ctx, st, func(ctx context.Context, st *WorkflowState) error {
		return e.deliver(ctx, st, &sending)
	})
	if err != nil {
		switch {
		case ctx.Err() == nil:
			hold(st, fmt.Sprintf("workflow aborted: %v", err))
		case sending:
			// the reply may have gone out, so the run must never be retried
			e.logger.Warn("Run interrupted during send, holding for review",
				zap.String("message_id", msg.ID),
				zap.String("run_id", rec.RunID),
				zap.Error(ctx.Err()))
			hold(st, InterruptedSendReason)
		default:
			e.abandon(msg.ID, rec.RunID, ctx.Err())
			return nil, ctx.Err()
		}
	}

	result := e.result(rec.RunID, st)
	if err := e.finalize(rec, st); err != nil {
		return result, err
	}

	metrics.RunsTotal.WithLabelValues(string(result.Outcome), string(st.Category)).Inc()
	metrics.RunDuration.WithLabelValues(string(result.Outcome)).Observe(time.Since(start).Seconds())
	metrics.DraftAttempts.Observe(float64(st.Attempt))

	e.logger.Info("Workflow run finished",
		zap.String("message_id", msg.ID),
		zap.String("run_id", rec.RunID),
		zap.String("category", string(st.Category)),
		zap.String("outcome", string(result.Outcome)),
		zap.Int("attempts", st.Attempt),
		zap.Strings("reasons", result.Reasons))

	return result, nil
}

// Skip records a skipped outcome without running the workflow
func (e *WorkflowEngine) Skip(ctx context.Context, msg *InboundMessage, reason string) (*RunResult, error) {
	if msg == nil || msg.ID == "" {
		return nil, fmt.Errorf("%w: message has no id", ErrUnusableOutput)
	}

	rec := e.newRecord(msg)
	if err := e.store.Reserve(ctx, rec); err != nil {
		return nil, err
	}

	st := &WorkflowState{Message: msg, State: StateSkipped, Reasons: []string{reason}}
	result := e.result(rec.RunID, st)
	if err := e.finalize(rec, st); err != nil {
		return result, err
	}

	metrics.RunsTotal.WithLabelValues(string(OutcomeSkipped), "").Inc()
	e.logger.Info("Message skipped",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.From),
		zap.String("reason", reason))

	return result, nil
}

// Preview runs the workflow without reserving, sending or recording anything.
// A verified draft is reported with the sent outcome and DryRun set.
func (e *WorkflowEngine) Preview(ctx context.Context, msg *InboundMessage) (*RunResult, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: no message", ErrUnusableOutput)
	}

	st := &WorkflowState{Message: msg, State: StateReceived}
	if err := e.drive(ctx, st, nil); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		hold(st, fmt.Sprintf("workflow aborted: %v", err))
	}

	result := e.result("", st)
	result.DryRun = true
	return result, nil
}

// drive advances the state machine until it reaches a terminal state. With
// a nil deliver it stops at an approved draft instead of sending it.
func (e *WorkflowEngine) drive(ctx context.Context, st *WorkflowState, deliver func(context.Context, *WorkflowState) error) error {
	maxSteps := 3*(e.opts.MaxRetries+1) + 4

	for step := 0; ; step++ {
		if st.State.Terminal() {
			return nil
		}
		if st.State == StateVerified && st.Verdict.Passed && deliver == nil {
			return nil
		}
		if step >= maxSteps {
			return ErrStepLimit
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch st.State {
		case StateReceived:
			err = e.classify(ctx, st)
		case StateClassified:
			err = e.draft(ctx, st)
		case StateDrafted:
			err = e.verify(ctx, st)
		case StateVerified:
			if st.Verdict.Passed {
				err = deliver(ctx, st)
			} else {
				e.refineOrHold(st)
			}
		default:
			err = fmt.Errorf("%w: unknown state %q", ErrUnusableOutput, st.State)
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			e.logger.Warn("Workflow step failed",
				zap.String("message_id", st.Message.ID),
				zap.String("state", string(st.State)),
				zap.Error(err))
			hold(st, err.Error())
		}
	}
}

func (e *WorkflowEngine) classify(ctx context.Context, st *WorkflowState) error {
	category, err := e.classifier.Classify(ctx, st.Message)
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}
	if !category.Valid() {
		return fmt.Errorf("classification failed: %w: category %q", ErrUnusableOutput, category)
	}

	st.Category = category
	st.State = StateClassified
	e.logger.Debug("Message classified",
		zap.String("message_id", st.Message.ID),
		zap.String("category", string(category)))
	return nil
}

func (e *WorkflowEngine) draft(ctx context.Context, st *WorkflowState) error {
	if st.Category == CategoryUnrelated {
		st.State = StateSkipped
		st.Reasons = append(st.Reasons, "message is unrelated to support")
		return nil
	}

	res, err := e.responder.Draft(ctx, st)
	if err != nil {
		return fmt.Errorf("drafting failed: %w", err)
	}
	if res == nil || strings.TrimSpace(res.Draft) == "" {
		return fmt.Errorf("drafting failed: %w: empty draft", ErrUnusableOutput)
	}

	st.Attempt++
	st.Draft = res.Draft
	if res.Passages != nil {
		st.Passages = res.Passages
	}
	st.Verdict = nil
	st.History = append(st.History, DraftRound{Attempt: st.Attempt, Draft: res.Draft})

	if res.NeedsReview {
		reason := res.ReviewReason
		if reason == "" {
			reason = "responder flagged the draft for human review"
		}
		st.Review = true
		hold(st, reason)
		return nil
	}

	st.State = StateDrafted
	return nil
}

func (e *WorkflowEngine) verify(ctx context.Context, st *WorkflowState) error {
	verdict, err := e.verifier.Verify(ctx, st.Message, st.Draft, st.Passages)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if verdict == nil {
		return fmt.Errorf("verification failed: %w: no verdict", ErrUnusableOutput)
	}

	v := *verdict
	v.Reasons = append([]string(nil), verdict.Reasons...)
	if !v.Passed && len(v.Reasons) == 0 {
		v.Reasons = []string{"verifier rejected the draft without feedback"}
	}
	st.Verdict = &v
	st.History[len(st.History)-1].Reasons = v.Reasons
	st.State = StateVerified

	result := "fail"
	if v.Passed {
		result = "pass"
	}
	metrics.VerificationsTotal.WithLabelValues(result).Inc()
	e.logger.Debug("Draft verified",
		zap.String("message_id", st.Message.ID),
		zap.Int("attempt", st.Attempt),
		zap.Bool("passed", v.Passed),
		zap.Strings("reasons", v.Reasons))
	return nil
}

// refineOrHold sends a failed draft back to the responder while retries remain
func (e *WorkflowEngine) refineOrHold(st *WorkflowState) {
	if st.Attempt <= e.opts.MaxRetries {
		st.State = StateClassified
		return
	}
	reasons := []string{fmt.Sprintf("draft failed verification after %d attempts", st.Attempt)}
	hold(st, append(reasons, st.Verdict.Reasons...)...)
}

func (e *WorkflowEngine) deliver(ctx context.Context, st *WorkflowState, sending *bool) error {
	reply := e.composeReply(st)

	if !e.opts.AutoSend {
		if saver, ok := e.gateway.(DraftSaver); ok {
			if err := saver.SaveDraft(ctx, reply); err != nil {
				return fmt.Errorf("saving draft failed: %w", err)
			}
		}
		hold(st, "awaiting human approval")
		return nil
	}

	if err := e.store.MarkSending(ctx, st.Message.ID); err != nil {
		return fmt.Errorf("marking send in progress: %w", err)
	}
	*sending = true

	if err := e.gateway.Send(ctx, reply); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hold(st, fmt.Sprintf("send failed: %v", err))
		return nil
	}

	st.State = StateSent
	return nil
}

func (e *WorkflowEngine) composeReply(st *WorkflowState) *Reply {
	msg := st.Message
	refs := make([]string, 0, len(msg.References)+1)
	seen := make(map[string]bool, len(msg.References)+1)
	for _, r := range append(append([]string(nil), msg.References...), msg.ID) {
		if r != "" && !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}

	return &Reply{
		From:       e.opts.FromAddress,
		To:         msg.From,
		Subject:    ReplySubject(msg.Subject),
		Body:       st.Draft,
		InReplyTo:  msg.ID,
		References: refs,
		ThreadID:   msg.ThreadID,
	}
}

// ReplySubject prefixes subject with "Re: " unless it already carries one
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}

func (e *WorkflowEngine) newRecord(msg *InboundMessage) *ProcessedRecord {
	now := e.now().UTC()
	return &ProcessedRecord{
		MessageID: msg.ID,
		Status:    StatusReserved,
		Sender:    msg.From,
		Subject:   msg.Subject,
		ThreadID:  msg.ThreadID,
		RunID:     uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// finalize writes the terminal record. It runs detached from the caller's
// context because the terminal action has already happened.
func (e *WorkflowEngine) finalize(rec *ProcessedRecord, st *WorkflowState) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	rec.Status = RecordStatus(outcomeOf(st.State))
	rec.Category = st.Category
	rec.Draft = st.Draft
	rec.Attempts = st.Attempt
	rec.Reasons = reasonsOf(st)
	rec.UpdatedAt = e.now().UTC()

	if err := e.store.Complete(ctx, rec); err != nil {
		e.logger.Error("Failed to record workflow outcome",
			zap.String("message_id", rec.MessageID),
			zap.String("outcome", string(rec.Status)),
			zap.Error(err))
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// abandon releases the reservation of a run cancelled before it sent anything
func (e *WorkflowEngine) abandon(messageID, runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := e.store.Release(ctx, messageID); err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Error("Failed to release reservation",
			zap.String("message_id", messageID),
			zap.Error(err))
		return
	}
	e.logger.Info("Run cancelled, reservation released",
		zap.String("message_id", messageID),
		zap.String("run_id", runID),
		zap.Error(cause))
}

func (e *WorkflowEngine) result(runID string, st *WorkflowState) *RunResult {
	outcome := outcomeOf(st.State)
	if st.State == StateVerified && st.Verdict != nil && st.Verdict.Passed {
		outcome = OutcomeSent
	}
	return &RunResult{
		RunID:     runID,
		MessageID: st.Message.ID,
		Outcome:   outcome,
		Category:  st.Category,
		Attempts:  st.Attempt,
		Draft:     st.Draft,
		Reasons:   reasonsOf(st),
		Passages:  st.Passages,
		History:   st.History,
	}
}

func outcomeOf(s State) Outcome {
	switch s {
	case StateSent:
		return OutcomeSent
	case StateSkipped:
		return OutcomeSkipped
	default:
		return OutcomeHeld
	}
}

func reasonsOf(st *WorkflowState) []string {
	if st.State == StateSent && st.Verdict != nil {
		return st.Verdict.Reasons
	}
	return st.Reasons
}

func hold(st *WorkflowState, reasons ...string) {
	st.State = StateHeld
	st.Reasons = append(st.Reasons, reasons...)
}

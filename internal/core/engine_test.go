package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mikey/llm-mail-responder/internal/adapters/store"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClassifier struct {
	category core.Category
	err      error
	calls    int
}

func (f *fakeClassifier) Classify(_ context.Context, _ *core.InboundMessage) (core.Category, error) {
	f.calls++
	return f.category, f.err
}

type fakeResponder struct {
	results []*core.DraftResult
	err     error
	calls   int
	seen    [][]core.DraftRound
}

func (f *fakeResponder) Draft(_ context.Context, st *core.WorkflowState) (*core.DraftResult, error) {
	f.calls++
	f.seen = append(f.seen, append([]core.DraftRound(nil), st.History...))
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

type fakeVerifier struct {
	verdicts []*core.Verdict
	calls    int
	block    chan struct{}
}

func (f *fakeVerifier) Verify(ctx context.Context, _ *core.InboundMessage, _ string, _ []core.Passage) (*core.Verdict, error) {
	f.calls++
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	i := f.calls - 1
	if i >= len(f.verdicts) {
		i = len(f.verdicts) - 1
	}
	return f.verdicts[i], nil
}

type fakeGateway struct {
	mu        sync.Mutex
	failSends int
	sendErr   error
	attempts  int
	sent      []*core.Reply
	drafts    []*core.Reply
	block     chan struct{}
}

func (g *fakeGateway) FetchNew(context.Context, time.Time) ([]*core.InboundMessage, error) {
	return nil, nil
}

func (g *fakeGateway) Send(ctx context.Context, reply *core.Reply) error {
	g.mu.Lock()
	g.attempts++
	attempt := g.attempts
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if g.sendErr != nil {
		return g.sendErr
	}
	if attempt <= g.failSends {
		return errors.New("421 service not available")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, reply)
	return nil
}

func (g *fakeGateway) MarkProcessed(context.Context, *core.InboundMessage) error {
	return nil
}

type draftingGateway struct {
	*fakeGateway
}

func (g draftingGateway) SaveDraft(_ context.Context, reply *core.Reply) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drafts = append(g.drafts, reply)
	return nil
}

func pass() *core.Verdict { return &core.Verdict{Passed: true} }

func fail(reasons ...string) *core.Verdict { return &core.Verdict{Passed: false, Reasons: reasons} }

func inbound(id string) *core.InboundMessage {
	return &core.InboundMessage{
		ID:         id,
		From:       "customer@example.com",
		Subject:    "Question about delivery",
		Body:       "How long does shipping take?",
		ThreadID:   "thread-1",
		References: []string{"<root@example.com>"},
	}
}

type harness struct {
	classifier *fakeClassifier
	responder  *fakeResponder
	verifier   *fakeVerifier
	gateway    *fakeGateway
	store      *store.MemoryStore
}

func newHarness(category core.Category) *harness {
	return &harness{
		classifier: &fakeClassifier{category: category},
		responder:  &fakeResponder{results: []*core.DraftResult{{Draft: "Thanks for writing."}}},
		verifier:   &fakeVerifier{verdicts: []*core.Verdict{pass()}},
		gateway:    &fakeGateway{},
		store:      store.NewMemoryStore(zap.NewNop()),
	}
}

func (h *harness) engine(gateway core.MailboxGateway, opts core.EngineOptions) *core.WorkflowEngine {
	if gateway == nil {
		gateway = h.gateway
	}
	return core.NewWorkflowEngine(h.classifier, h.responder, h.verifier, gateway, h.store, zap.NewNop(), opts)
}

func autoSend() core.EngineOptions {
	return core.EngineOptions{MaxRetries: core.DefaultMaxRetries, AutoSend: true, FromAddress: "support@shop.example"}
}

func TestInquiryWithPassagesIsSent(t *testing.T) {
	h := newHarness(core.CategoryInquiry)
	passages := []core.Passage{
		{ID: "shipping#0", Text: "Standard shipping takes 3-5 days.", Score: 0.9},
		{ID: "shipping#1", Text: "Express shipping takes 1 day.", Score: 0.8},
		{ID: "returns#0", Text: "Returns within 30 days.", Score: 0.5},
	}
	h.responder.results = []*core.DraftResult{{Draft: "Shipping takes 3-5 days.", Passages: passages}}

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<a@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSent, res.Outcome)
	assert.Equal(t, core.CategoryInquiry, res.Category)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, res.Passages, 3)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, h.gateway.sent, 1)
	reply := h.gateway.sent[0]
	assert.Equal(t, "customer@example.com", reply.To)
	assert.Equal(t, "support@shop.example", reply.From)
	assert.Equal(t, "Re: Question about delivery", reply.Subject)
	assert.Equal(t, "<a@example.com>", reply.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<a@example.com>"}, reply.References)

	rec, err := h.store.Get(context.Background(), "<a@example.com>")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSent, rec.Status)
	assert.Equal(t, "Shipping takes 3-5 days.", rec.Draft)
	assert.Equal(t, res.RunID, rec.RunID)
}

func TestInquiryWithoutPassagesIsHeld(t *testing.T) {
	h := newHarness(core.CategoryInquiry)
	reason := "no knowledge base passages matched the inquiry; the reply may be missing required information"
	h.responder.results = []*core.DraftResult{{
		Draft:        "A colleague will follow up.",
		Passages:     []core.Passage{},
		NeedsReview:  true,
		ReviewReason: reason,
	}}

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<b@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	assert.Equal(t, []string{reason}, res.Reasons)
	assert.Empty(t, h.gateway.sent)
	assert.Zero(t, h.verifier.calls)

	held, err := h.store.List(context.Background(), core.RecordFilter{Status: core.StatusHeld})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Contains(t, held[0].Reasons[0], "missing required information")
	assert.Equal(t, "A colleague will follow up.", held[0].Draft)
}

func TestEscalatedComplaintIsHeldUnverified(t *testing.T) {
	h := newHarness(core.CategoryComplaint)
	h.responder.results = []*core.DraftResult{{
		Draft:        "We are sorry to hear about the damaged parcel.",
		NeedsReview:  true,
		ReviewReason: "responder requested human escalation: legal threat",
	}}

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<esc@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	assert.Equal(t, []string{"responder requested human escalation: legal threat"}, res.Reasons)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, h.verifier.calls)
	assert.Empty(t, h.gateway.sent)
}

func TestComplaintRefinedAfterToneFailure(t *testing.T) {
	h := newHarness(core.CategoryComplaint)
	h.responder.results = []*core.DraftResult{{Draft: "Noted."}, {Draft: "We are very sorry about this."}}
	h.verifier.verdicts = []*core.Verdict{fail("tone is curt"), pass()}

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<c@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSent, res.Outcome)
	assert.Equal(t, 2, res.Attempts)

	require.Len(t, res.History, 2)
	assert.Equal(t, "Noted.", res.History[0].Draft)
	assert.Equal(t, []string{"tone is curt"}, res.History[0].Reasons)
	assert.Equal(t, "We are very sorry about this.", res.History[1].Draft)

	// the second draft saw the first round's feedback
	require.Len(t, h.responder.seen, 2)
	require.Len(t, h.responder.seen[1], 1)
	assert.Equal(t, []string{"tone is curt"}, h.responder.seen[1][0].Reasons)

	require.Len(t, h.gateway.sent, 1)
	assert.Equal(t, "We are very sorry about this.", h.gateway.sent[0].Body)
}

func TestRepeatedVerificationFailureIsHeld(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	h.verifier.verdicts = []*core.Verdict{fail("off topic")}

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<f@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	assert.Equal(t, core.DefaultMaxRetries+1, res.Attempts)
	assert.Equal(t, core.DefaultMaxRetries+1, h.responder.calls)
	assert.Equal(t, []string{"draft failed verification after 3 attempts", "off topic"}, res.Reasons)
	assert.Empty(t, h.gateway.sent)
}

func TestZeroRetriesHoldsAfterFirstFailure(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	h.verifier.verdicts = []*core.Verdict{fail("off topic")}

	res, err := h.engine(nil, core.EngineOptions{MaxRetries: 0, AutoSend: true}).Process(context.Background(), inbound("<z@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	assert.Equal(t, 1, h.responder.calls)
}

func TestUnrelatedIsSkippedWithoutDraft(t *testing.T) {
	h := newHarness(core.CategoryUnrelated)

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<u@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSkipped, res.Outcome)
	assert.Zero(t, h.responder.calls)
	assert.Empty(t, h.gateway.sent)

	rec, err := h.store.Get(context.Background(), "<u@example.com>")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSkipped, rec.Status)
}

func TestSkipRecordsWithoutClassifying(t *testing.T) {
	h := newHarness(core.CategoryInquiry)

	res, err := h.engine(nil, autoSend()).Skip(context.Background(), inbound("<d@example.com>"), "sender domain not allowed")
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSkipped, res.Outcome)
	assert.Equal(t, []string{"sender domain not allowed"}, res.Reasons)
	assert.Zero(t, h.classifier.calls)

	rec, err := h.store.Get(context.Background(), "<d@example.com>")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSkipped, rec.Status)
}

func TestTransientSendFailuresProduceOneSentRecord(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	h.gateway.failSends = 2

	policy := resilience.NewPolicy("send", time.Second, resilience.BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      2,
	}, zap.NewNop())
	gw := resilience.NewGateway(h.gateway, policy.Named("fetch"), policy)

	res, err := h.engine(gw, autoSend()).Process(context.Background(), inbound("<e@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeSent, res.Outcome)
	assert.Equal(t, 3, h.gateway.attempts)
	assert.Len(t, h.gateway.sent, 1)

	all, err := h.store.List(context.Background(), core.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, core.StatusSent, all[0].Status)
}

func TestSendFailureIsHeld(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	h.gateway.sendErr = errors.New("550 mailbox unavailable")

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<s@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	require.Len(t, res.Reasons, 1)
	assert.Contains(t, res.Reasons[0], "send failed")
}

func TestClassifierFailureIsHeld(t *testing.T) {
	h := newHarness(core.CategoryInquiry)
	h.classifier.err = errors.New("model unavailable")

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<x@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	assert.Contains(t, res.Reasons[0], "model unavailable")
}

func TestInvalidCategoryIsHeld(t *testing.T) {
	h := newHarness(core.Category("billing"))

	res, err := h.engine(nil, autoSend()).Process(context.Background(), inbound("<i@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	assert.Zero(t, h.responder.calls)
}

func TestProcessRejectsDuplicate(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	engine := h.engine(nil, autoSend())

	_, err := engine.Process(context.Background(), inbound("<dup@example.com>"))
	require.NoError(t, err)
	_, err = engine.Process(context.Background(), inbound("<dup@example.com>"))
	assert.ErrorIs(t, err, core.ErrAlreadyReserved)
	assert.Len(t, h.gateway.sent, 1)
}

func TestCancelledRunLeavesNoRecord(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	h.verifier.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := h.engine(nil, autoSend()).Process(ctx, inbound("<cancel@example.com>"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	_, err := h.store.Get(context.Background(), "<cancel@example.com>")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, h.gateway.sent)
}

func TestCancelledDuringSendIsHeld(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	h.gateway.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		res *core.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.engine(nil, autoSend()).Process(ctx, inbound("<mid@example.com>"))
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		h.gateway.mu.Lock()
		defer h.gateway.mu.Unlock()
		return h.gateway.attempts == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, core.OutcomeHeld, got.res.Outcome)
	assert.Equal(t, []string{core.InterruptedSendReason}, got.res.Reasons)

	rec, err := h.store.Get(context.Background(), "<mid@example.com>")
	require.NoError(t, err)
	assert.Equal(t, core.StatusHeld, rec.Status)
	assert.Equal(t, []string{core.InterruptedSendReason}, rec.Reasons)

	held, err := h.store.List(context.Background(), core.RecordFilter{Status: core.StatusHeld})
	require.NoError(t, err)
	assert.Len(t, held, 1)

	_, err = h.engine(nil, autoSend()).Process(context.Background(), inbound("<mid@example.com>"))
	assert.ErrorIs(t, err, core.ErrAlreadyReserved)
}

func TestSendTimeoutIsHeld(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	h.gateway.block = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := h.engine(nil, autoSend()).Process(ctx, inbound("<slow@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)

	rec, err := h.store.Get(context.Background(), "<slow@example.com>")
	require.NoError(t, err)
	assert.Equal(t, core.StatusHeld, rec.Status)
	assert.Equal(t, []string{core.InterruptedSendReason}, rec.Reasons)
}

func TestReviewModeSavesDraftAndHolds(t *testing.T) {
	h := newHarness(core.CategoryFeedback)
	opts := autoSend()
	opts.AutoSend = false

	res, err := h.engine(draftingGateway{h.gateway}, opts).Process(context.Background(), inbound("<r@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeHeld, res.Outcome)
	assert.Equal(t, []string{"awaiting human approval"}, res.Reasons)
	assert.Empty(t, h.gateway.sent)
	require.Len(t, h.gateway.drafts, 1)
	assert.Equal(t, "Thanks for writing.", h.gateway.drafts[0].Body)
}

func TestPreviewDoesNotSendOrRecord(t *testing.T) {
	h := newHarness(core.CategoryFeedback)

	res, err := h.engine(nil, autoSend()).Preview(context.Background(), inbound("<p@example.com>"))
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, core.OutcomeSent, res.Outcome)
	assert.Equal(t, "Thanks for writing.", res.Draft)
	assert.Empty(t, h.gateway.sent)

	_, err = h.store.Get(context.Background(), "<p@example.com>")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Hello", core.ReplySubject("Hello"))
	assert.Equal(t, "RE: Hello", core.ReplySubject("RE: Hello"))
	assert.Equal(t, "Re: ", core.ReplySubject(""))
}

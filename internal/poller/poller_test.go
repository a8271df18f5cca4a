package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mikey/llm-mail-responder/internal/adapters/store"
	"github.com/mikey/llm-mail-responder/internal/allowlist"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const ownAddress = "support@shop.example"

type countingClassifier struct {
	mu    sync.Mutex
	calls map[string]int
	// block makes Classify wait for cancellation for the listed ids
	block map[string]bool
}

func (c *countingClassifier) Classify(ctx context.Context, msg *core.InboundMessage) (core.Category, error) {
	c.mu.Lock()
	c.calls[msg.ID]++
	blocked := c.block[msg.ID]
	c.mu.Unlock()
	if blocked {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return core.CategoryFeedback, nil
}

func (c *countingClassifier) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

type cannedResponder struct{}

func (cannedResponder) Draft(_ context.Context, st *core.WorkflowState) (*core.DraftResult, error) {
	return &core.DraftResult{Draft: "Thanks for writing to us about " + st.Message.Subject + "."}, nil
}

type passingVerifier struct{}

func (passingVerifier) Verify(context.Context, *core.InboundMessage, string, []core.Passage) (*core.Verdict, error) {
	return &core.Verdict{Passed: true}, nil
}

type fakeMailbox struct {
	mu        sync.Mutex
	messages  []*core.InboundMessage
	fetchErr  error
	sendDelay time.Duration
	sinces    []time.Time
	sent      map[string]int
	marked    map[string]int
}

func newFakeMailbox(msgs ...*core.InboundMessage) *fakeMailbox {
	return &fakeMailbox{messages: msgs, sent: make(map[string]int), marked: make(map[string]int)}
}

func (m *fakeMailbox) FetchNew(_ context.Context, since time.Time) ([]*core.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinces = append(m.sinces, since)
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []*core.InboundMessage
	for _, msg := range m.messages {
		if !msg.ReceivedAt.Before(since) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *fakeMailbox) Send(ctx context.Context, reply *core.Reply) error {
	if m.sendDelay > 0 {
		select {
		case <-time.After(m.sendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[reply.InReplyTo]++
	return nil
}

func (m *fakeMailbox) MarkProcessed(_ context.Context, msg *core.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[msg.ID]++
	return nil
}

func (m *fakeMailbox) sentCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[id]
}

func (m *fakeMailbox) totalSent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.sent {
		total += n
	}
	return total
}

type harness struct {
	poller     *Poller
	mailbox    *fakeMailbox
	store      *store.MemoryStore
	classifier *countingClassifier
}

func newHarness(t *testing.T, mailbox *fakeMailbox, opts Options, domains ...string) *harness {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemoryStore(logger)
	classifier := &countingClassifier{calls: make(map[string]int), block: make(map[string]bool)}
	engine := core.NewWorkflowEngine(classifier, cannedResponder{}, passingVerifier{}, mailbox, st, logger,
		core.EngineOptions{MaxRetries: core.DefaultMaxRetries, AutoSend: true, FromAddress: ownAddress})

	if opts.Interval == 0 && opts.Schedule == "" {
		opts.Interval = time.Hour
	}
	if opts.OwnAddress == "" {
		opts.OwnAddress = ownAddress
	}
	p, err := New(engine, mailbox, st, st, allowlist.NewChecker(domains, logger), logger, opts)
	require.NoError(t, err)
	return &harness{poller: p, mailbox: mailbox, store: st, classifier: classifier}
}

func message(id, from string, at time.Time) *core.InboundMessage {
	return &core.InboundMessage{
		ID:         id,
		From:       from,
		Subject:    "Order " + id,
		Body:       "Hello, I wanted to share some thoughts.",
		ReceivedAt: at,
		ThreadID:   id,
	}
}

func recordStatus(t *testing.T, st core.RecordStore, id string) core.RecordStatus {
	t.Helper()
	rec, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func TestRunOnceFiltersAndProcesses(t *testing.T) {
	base := time.Now().Add(-time.Minute).UTC()
	mailbox := newFakeMailbox(
		message("<ok@x>", "jane@example.com", base),
		message("<blocked@x>", "mallory@evil.test", base.Add(time.Second)),
		message("<self@x>", "Support@Shop.Example", base.Add(2*time.Second)),
		message("<ok@x>", "jane@example.com", base),
	)
	h := newHarness(t, mailbox, Options{InitialLookback: time.Hour}, "example.com", "shop.example")

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 4, Duplicates: 1, Skipped: 2, Processed: 1}, stats)

	assert.Equal(t, core.StatusSent, recordStatus(t, h.store, "<ok@x>"))
	assert.Equal(t, 1, mailbox.sentCount("<ok@x>"))

	rec, err := h.store.Get(context.Background(), "<blocked@x>")
	require.NoError(t, err)
	assert.Equal(t, core.StatusSkipped, rec.Status)
	assert.Equal(t, []string{reasonDomain}, rec.Reasons)
	assert.Zero(t, h.classifier.count("<blocked@x>"), "disallowed senders are never classified")
	assert.Zero(t, mailbox.sentCount("<blocked@x>"))

	assert.Equal(t, core.StatusSkipped, recordStatus(t, h.store, "<self@x>"))
	assert.Zero(t, h.classifier.count("<self@x>"))

	assert.Equal(t, 1, mailbox.marked["<ok@x>"])
	assert.Equal(t, 1, mailbox.marked["<blocked@x>"])
	assert.Equal(t, 1, mailbox.marked["<self@x>"])
}

func TestRunOnceIgnoresKnownMessages(t *testing.T) {
	mailbox := newFakeMailbox(message("<a@x>", "jane@example.com", time.Now().UTC()))
	h := newHarness(t, mailbox, Options{InitialLookback: time.Hour})

	_, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Zero(t, stats.Processed)
	assert.Equal(t, 1, mailbox.sentCount("<a@x>"))
	assert.Equal(t, 1, h.classifier.count("<a@x>"))
}

func TestOverlappingPollsSendAtMostOnce(t *testing.T) {
	base := time.Now().Add(-time.Minute).UTC()
	var msgs []*core.InboundMessage
	for i := 0; i < 8; i++ {
		msgs = append(msgs, message(fmt.Sprintf("<m%d@x>", i), "jane@example.com", base.Add(time.Duration(i)*time.Second)))
	}
	mailbox := newFakeMailbox(msgs...)
	mailbox.sendDelay = 20 * time.Millisecond
	h := newHarness(t, mailbox, Options{Workers: 4, InitialLookback: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.poller.RunOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, len(msgs), mailbox.totalSent())
	for _, msg := range msgs {
		assert.Equal(t, 1, mailbox.sentCount(msg.ID), msg.ID)
		assert.Equal(t, core.StatusSent, recordStatus(t, h.store, msg.ID))
	}
}

func TestCheckpointInitialisedFromLookback(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	mailbox := newFakeMailbox()
	h := newHarness(t, mailbox, Options{InitialLookback: 2 * time.Hour, CheckpointName: "inbox"})
	h.poller.now = func() time.Time { return now }

	_, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, mailbox.sinces, 1)
	assert.Equal(t, now.Add(-2*time.Hour), mailbox.sinces[0])

	cp, err := h.store.LoadCheckpoint(context.Background(), "inbox")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), cp.Since)
}

func TestCheckpointAdvancesToLatestMessage(t *testing.T) {
	now := time.Now().UTC()
	first := now.Add(-10 * time.Minute)
	second := now.Add(-5 * time.Minute)
	mailbox := newFakeMailbox(
		message("<b@x>", "jane@example.com", second),
		message("<a@x>", "jane@example.com", first),
	)
	h := newHarness(t, mailbox, Options{InitialLookback: time.Hour})

	_, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)

	cp, err := h.store.LoadCheckpoint(context.Background(), DefaultCheckpointName)
	require.NoError(t, err)
	assert.True(t, cp.Since.Equal(second))

	// the boundary message is fetched again and dropped as known
	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 1, Duplicates: 1}, stats)
	assert.True(t, mailbox.sinces[1].Equal(second))
}

func TestCheckpointUnchangedOnFetchError(t *testing.T) {
	mailbox := newFakeMailbox()
	mailbox.fetchErr = errors.New("connection refused")
	h := newHarness(t, mailbox, Options{InitialLookback: time.Hour})

	_, err := h.poller.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = h.store.LoadCheckpoint(context.Background(), DefaultCheckpointName)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestCheckpointHeldAtUnfinishedRun(t *testing.T) {
	now := time.Now().UTC()
	slowAt := now.Add(-8 * time.Minute)
	mailbox := newFakeMailbox(
		message("<fast1@x>", "jane@example.com", now.Add(-9*time.Minute)),
		message("<slow@x>", "jane@example.com", slowAt),
		message("<fast2@x>", "jane@example.com", now.Add(-time.Minute)),
	)
	h := newHarness(t, mailbox, Options{Workers: 3, RunTimeout: 50 * time.Millisecond, InitialLookback: time.Hour})
	h.classifier.block["<slow@x>"] = true

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Failed)

	// the timed-out run left no record and stays eligible
	_, err = h.store.Get(context.Background(), "<slow@x>")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, mailbox.marked["<slow@x>"])

	cp, err := h.store.LoadCheckpoint(context.Background(), DefaultCheckpointName)
	require.NoError(t, err)
	assert.True(t, cp.Since.Equal(slowAt))

	h.classifier.mu.Lock()
	h.classifier.block["<slow@x>"] = false
	h.classifier.mu.Unlock()

	stats, err = h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, mailbox.sentCount("<slow@x>"))
	assert.Equal(t, 1, mailbox.sentCount("<fast2@x>"))
}

func TestStartRecoversAndPolls(t *testing.T) {
	mailbox := newFakeMailbox(message("<new@x>", "jane@example.com", time.Now().UTC()))
	h := newHarness(t, mailbox, Options{Interval: 10 * time.Millisecond, InitialLookback: time.Hour})

	ctx := context.Background()
	interrupted := &core.ProcessedRecord{MessageID: "<old@x>", Status: core.StatusReserved, RunID: "r1"}
	require.NoError(t, h.store.Reserve(ctx, interrupted))
	require.NoError(t, h.store.MarkSending(ctx, "<old@x>"))

	require.NoError(t, h.poller.Start())
	require.NoError(t, h.poller.Start())

	assert.Eventually(t, func() bool { return mailbox.sentCount("<new@x>") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, core.StatusHeld, recordStatus(t, h.store, "<old@x>"))

	require.NoError(t, h.poller.Stop())
	require.NoError(t, h.poller.Stop())
	assert.Equal(t, 1, mailbox.sentCount("<new@x>"))
}

func TestNewValidatesSchedule(t *testing.T) {
	logger := zap.NewNop()
	st := store.NewMemoryStore(logger)

	_, err := New(nil, newFakeMailbox(), st, st, nil, logger, Options{Schedule: "every tuesday"})
	assert.Error(t, err)

	_, err = New(nil, newFakeMailbox(), st, st, nil, logger, Options{})
	assert.Error(t, err)

	p, err := New(nil, newFakeMailbox(), st, st, nil, logger, Options{Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 10, 1, 30, 0, time.UTC)
	p.now = func() time.Time { return now }

	wait, err := p.nextWait()
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 5*time.Minute)
	assert.Zero(t, now.Add(wait).Minute()%5)
}

func TestSendTimeoutHoldsAndMarksProcessed(t *testing.T) {
	at := time.Now().Add(-time.Minute).UTC()
	mailbox := newFakeMailbox(message("<slow-send@x>", "jane@example.com", at))
	mailbox.sendDelay = time.Second
	h := newHarness(t, mailbox, Options{RunTimeout: 50 * time.Millisecond, InitialLookback: time.Hour})

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Zero(t, stats.Failed)

	rec, err := h.store.Get(context.Background(), "<slow-send@x>")
	require.NoError(t, err)
	assert.Equal(t, core.StatusHeld, rec.Status)
	assert.Equal(t, []string{core.InterruptedSendReason}, rec.Reasons)

	held, err := h.store.List(context.Background(), core.RecordFilter{Status: core.StatusHeld})
	require.NoError(t, err)
	assert.Len(t, held, 1)

	mailbox.mu.Lock()
	assert.Equal(t, 1, mailbox.marked["<slow-send@x>"])
	mailbox.mu.Unlock()

	stats, err = h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Zero(t, mailbox.totalSent())
}

// reservedWorkflow reports every message as owned by another run
type reservedWorkflow struct{}

func (reservedWorkflow) Process(context.Context, *core.InboundMessage) (*core.RunResult, error) {
	time.Sleep(time.Millisecond)
	return nil, core.ErrAlreadyReserved
}

func (reservedWorkflow) Skip(context.Context, *core.InboundMessage, string) (*core.RunResult, error) {
	return nil, core.ErrAlreadyReserved
}

func TestRunOnceCountsDuplicatesFromWorkersAndLoop(t *testing.T) {
	logger := zap.NewNop()
	st := store.NewMemoryStore(logger)
	base := time.Now().Add(-time.Hour).UTC()

	var msgs []*core.InboundMessage
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("<m%d@x>", i)
		msgs = append(msgs, message(id, "jane@example.com", base.Add(time.Duration(i)*time.Second)))
		if i%2 == 0 {
			require.NoError(t, st.Reserve(context.Background(),
				&core.ProcessedRecord{MessageID: id, Status: core.StatusReserved, RunID: "other"}))
		}
	}
	mailbox := newFakeMailbox(msgs...)

	p, err := New(reservedWorkflow{}, mailbox, st, st, allowlist.NewChecker(nil, logger), logger,
		Options{Interval: time.Hour, Workers: 8, InitialLookback: 2 * time.Hour, OwnAddress: ownAddress})
	require.NoError(t, err)

	stats, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Fetched: 40, Duplicates: 40}, stats)
}

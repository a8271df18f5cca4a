// Package poller drives the workflow engine over new mailbox messages.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/mikey/llm-mail-responder/internal/allowlist"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/metrics"
	"github.com/mikey/llm-mail-responder/internal/ports"
	"go.uber.org/zap"
)

const (
	// DefaultCheckpointName names the checkpoint when none is configured
	DefaultCheckpointName = "mailbox"

	reasonOwnAddress = "message was sent from the responder's own address"
	reasonDomain     = "sender domain is not in the allowed list"
)

// Workflow is the part of the engine the poller drives
type Workflow interface {
	Process(ctx context.Context, msg *core.InboundMessage) (*core.RunResult, error)
	Skip(ctx context.Context, msg *core.InboundMessage, reason string) (*core.RunResult, error)
}

// Options tunes the poll loop
type Options struct {
	Interval time.Duration
	// Schedule is a cron expression used instead of Interval when set
	Schedule        string
	Workers         int
	RunTimeout      time.Duration
	CheckpointName  string
	InitialLookback time.Duration
	OwnAddress      string
}

// Stats summarises one poll
type Stats struct {
	Fetched    int
	Duplicates int
	Skipped    int
	Processed  int
	Failed     int
}

// Poller periodically fetches new messages and runs each through the workflow
type Poller struct {
	workflow    Workflow
	gateway     core.MailboxGateway
	records     core.RecordStore
	checkpoints core.CheckpointStore
	allow       *allowlist.Checker
	logger      *zap.Logger
	opts        Options
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new poller
func New(
	workflow Workflow,
	gateway core.MailboxGateway,
	records core.RecordStore,
	checkpoints core.CheckpointStore,
	allow *allowlist.Checker,
	logger *zap.Logger,
	opts Options,
) (*Poller, error) {
	if opts.Schedule != "" && !gronx.IsValid(opts.Schedule) {
		return nil, fmt.Errorf("invalid poll schedule: %s", opts.Schedule)
	}
	if opts.Schedule == "" && opts.Interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.CheckpointName == "" {
		opts.CheckpointName = DefaultCheckpointName
	}
	if allow == nil {
		allow = allowlist.NewChecker(nil, logger)
	}
	return &Poller{
		workflow:    workflow,
		gateway:     gateway,
		records:     records,
		checkpoints: checkpoints,
		allow:       allow,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
	}, nil
}

// Start recovers runs interrupted by a previous crash and starts polling.
// Calling Start on a running poller does nothing.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	released, held, err := p.records.RecoverPending(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to recover pending records: %w", err)
	}
	if released > 0 || held > 0 {
		p.logger.Warn("Recovered interrupted runs",
			zap.Int("released", released),
			zap.Int("held", held))
	}

	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)

	p.logger.Info("Poller started",
		zap.Duration("interval", p.opts.Interval),
		zap.String("schedule", p.opts.Schedule),
		zap.Int("workers", p.opts.Workers))
	return nil
}

// Stop cancels the loop and any in-flight runs and waits for them to finish.
// Cancelled runs leave no terminal record.
func (p *Poller) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	p.logger.Info("Poller stopped")
	return nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Poll failed", zap.Error(err))
		}

		wait, err := p.nextWait()
		if err != nil {
			p.logger.Error("Failed to compute next poll time", zap.Error(err))
			wait = time.Minute
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) nextWait() (time.Duration, error) {
	if p.opts.Schedule == "" {
		return p.opts.Interval, nil
	}
	now := p.now()
	next, err := gronx.NextTickAfter(p.opts.Schedule, now, false)
	if err != nil {
		return 0, err
	}
	return next.Sub(now), nil
}

// RunOnce performs a single poll: fetch, filter, process and advance the checkpoint
func (p *Poller) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	cp, fresh, err := p.loadCheckpoint(ctx)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return stats, err
	}

	msgs, err := p.gateway.FetchNew(ctx, cp.Since)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return stats, fmt.Errorf("failed to fetch new messages: %w", err)
	}
	stats.Fetched = len(msgs)
	metrics.MessagesFetched.Add(float64(len(msgs)))

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		sem       = make(chan struct{}, p.opts.Workers)
		unsettled []time.Time
		latest    = cp.Since
	)
	count := func(n *int) {
		mu.Lock()
		*n++
		mu.Unlock()
	}
	settle := func(msg *core.InboundMessage, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		if !ok {
			unsettled = append(unsettled, msg.ReceivedAt)
			stats.Failed++
		}
	}

	seen := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		if msg.ReceivedAt.After(latest) {
			latest = msg.ReceivedAt
		}
		if seen[msg.ID] {
			count(&stats.Duplicates)
			metrics.MessagesFiltered.WithLabelValues("duplicate").Inc()
			continue
		}
		seen[msg.ID] = true

		known, err := p.known(ctx, msg.ID)
		if err != nil {
			p.logger.Error("Failed to look up message record", zap.String("message_id", msg.ID), zap.Error(err))
			settle(msg, false)
			continue
		}
		if known {
			count(&stats.Duplicates)
			metrics.MessagesFiltered.WithLabelValues("duplicate").Inc()
			continue
		}

		if reason, label := p.skipReason(msg); reason != "" {
			metrics.MessagesFiltered.WithLabelValues(label).Inc()
			_, err := p.workflow.Skip(ctx, msg, reason)
			switch {
			case errors.Is(err, core.ErrAlreadyReserved):
				count(&stats.Duplicates)
			case err != nil:
				p.logger.Error("Failed to record skipped message", zap.String("message_id", msg.ID), zap.Error(err))
				settle(msg, false)
			default:
				count(&stats.Skipped)
				p.markProcessed(ctx, msg)
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			settle(msg, false)
			continue
		}
		wg.Add(1)
		go func(msg *core.InboundMessage) {
			defer wg.Done()
			defer func() { <-sem }()

			ok, dup := p.process(ctx, msg)
			switch {
			case dup:
				count(&stats.Duplicates)
			case ok:
				count(&stats.Processed)
			}
			settle(msg, ok || dup)
		}(msg)
	}
	wg.Wait()

	if ctx.Err() != nil {
		metrics.PollsTotal.WithLabelValues("cancelled").Inc()
		return stats, ctx.Err()
	}

	next := latest
	for _, t := range unsettled {
		if t.Before(next) {
			next = t
		}
	}
	if err := p.advance(ctx, cp, next, fresh); err != nil {
		metrics.PollsTotal.WithLabelValues("error").Inc()
		return stats, err
	}

	metrics.PollsTotal.WithLabelValues("ok").Inc()
	if stats.Fetched > 0 {
		p.logger.Info("Poll finished",
			zap.Int("fetched", stats.Fetched),
			zap.Int("processed", stats.Processed),
			zap.Int("skipped", stats.Skipped),
			zap.Int("duplicates", stats.Duplicates),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}

// process runs the workflow for msg. It reports whether a terminal record
// was written and whether another run already owned the message.
func (p *Poller) process(ctx context.Context, msg *core.InboundMessage) (bool, bool) {
	runCtx := ctx
	if p.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.opts.RunTimeout)
		defer cancel()
	}

	result, err := p.workflow.Process(runCtx, msg)
	switch {
	case errors.Is(err, core.ErrAlreadyReserved):
		p.logger.Debug("Message already owned by another run", zap.String("message_id", msg.ID))
		return false, true
	case err != nil:
		p.logger.Warn("Workflow run did not finish",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return false, false
	}

	p.logger.Debug("Workflow run recorded",
		zap.String("message_id", msg.ID),
		zap.String("outcome", string(result.Outcome)))
	p.markProcessed(ctx, msg)
	return true, false
}

func (p *Poller) skipReason(msg *core.InboundMessage) (string, string) {
	if p.opts.OwnAddress != "" && strings.EqualFold(strings.TrimSpace(msg.From), p.opts.OwnAddress) {
		return reasonOwnAddress, "own_address"
	}
	if !p.allow.IsAllowed(msg.From) {
		return reasonDomain, "domain"
	}
	return "", ""
}

func (p *Poller) known(ctx context.Context, messageID string) (bool, error) {
	_, err := p.records.Get(ctx, messageID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (p *Poller) markProcessed(ctx context.Context, msg *core.InboundMessage) {
	if err := p.gateway.MarkProcessed(ctx, msg); err != nil {
		p.logger.Warn("Failed to mark message processed",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

// loadCheckpoint returns the saved checkpoint, or one at now minus the
// initial lookback when the loop has never run
func (p *Poller) loadCheckpoint(ctx context.Context) (*core.Checkpoint, bool, error) {
	cp, err := p.checkpoints.LoadCheckpoint(ctx, p.opts.CheckpointName)
	if err == nil {
		return cp, false, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	since := p.now().Add(-p.opts.InitialLookback).UTC()
	p.logger.Info("No poll checkpoint found, starting from now",
		zap.String("checkpoint", p.opts.CheckpointName),
		zap.Time("since", since))
	return &core.Checkpoint{Name: p.opts.CheckpointName, Since: since}, true, nil
}

// advance moves the checkpoint forward to next. It never moves backwards.
func (p *Poller) advance(ctx context.Context, cp *core.Checkpoint, next time.Time, fresh bool) error {
	if !next.After(cp.Since) && !fresh {
		return nil
	}
	if next.Before(cp.Since) {
		next = cp.Since
	}
	saved := &core.Checkpoint{Name: cp.Name, Since: next.UTC(), UpdatedAt: p.now().UTC()}
	if err := p.checkpoints.SaveCheckpoint(ctx, saved); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

var _ ports.Service = (*Poller)(nil)

package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/mikey/llm-mail-responder/internal/core"
	"go.uber.org/zap"
)

// Inbound is the receiving half of a mailbox
type Inbound interface {
	FetchNew(ctx context.Context, since time.Time) ([]*core.InboundMessage, error)
	MarkProcessed(ctx context.Context, msg *core.InboundMessage) error
}

// Outbound is the sending half of a mailbox
type Outbound interface {
	Send(ctx context.Context, reply *core.Reply) error
}

// Gateway joins an inbound and an outbound adapter into one MailboxGateway
type Gateway struct {
	inbound  Inbound
	outbound Outbound
	logger   *zap.Logger
}

var (
	_ core.MailboxGateway = (*Gateway)(nil)
	_ core.DraftSaver     = (*Gateway)(nil)
	_ core.Pinger         = (*Gateway)(nil)
)

// NewGateway creates a new composite gateway
func NewGateway(inbound Inbound, outbound Outbound, logger *zap.Logger) *Gateway {
	return &Gateway{
		inbound:  inbound,
		outbound: outbound,
		logger:   logger,
	}
}

// FetchNew delegates to the inbound adapter
func (g *Gateway) FetchNew(ctx context.Context, since time.Time) ([]*core.InboundMessage, error) {
	return g.inbound.FetchNew(ctx, since)
}

// Send delegates to the outbound adapter
func (g *Gateway) Send(ctx context.Context, reply *core.Reply) error {
	return g.outbound.Send(ctx, reply)
}

// MarkProcessed delegates to the inbound adapter
func (g *Gateway) MarkProcessed(ctx context.Context, msg *core.InboundMessage) error {
	return g.inbound.MarkProcessed(ctx, msg)
}

// SaveDraft parks the reply with whichever side can store drafts. Without
// one the reply only lives in the held record.
func (g *Gateway) SaveDraft(ctx context.Context, reply *core.Reply) error {
	if saver, ok := g.inbound.(core.DraftSaver); ok {
		return saver.SaveDraft(ctx, reply)
	}
	if saver, ok := g.outbound.(core.DraftSaver); ok {
		return saver.SaveDraft(ctx, reply)
	}
	g.logger.Debug("Mailbox cannot store drafts, reply kept in the held record",
		zap.String("in_reply_to", reply.InReplyTo))
	return nil
}

// Ping checks both sides
func (g *Gateway) Ping(ctx context.Context) error {
	var errs []error
	if p, ok := g.inbound.(core.Pinger); ok {
		errs = append(errs, p.Ping(ctx))
	}
	if p, ok := g.outbound.(core.Pinger); ok && any(g.outbound) != any(g.inbound) {
		errs = append(errs, p.Ping(ctx))
	}
	return errors.Join(errs...)
}

package resilience

import (
	"context"
	"time"

	"github.com/mikey/llm-mail-responder/internal/core"
)

// LLMClient applies a policy to every completion
type LLMClient struct {
	inner  core.LLMClient
	policy *Policy
}

// NewLLMClient wraps inner with policy
func NewLLMClient(inner core.LLMClient, policy *Policy) *LLMClient {
	return &LLMClient{inner: inner, policy: policy}
}

// Complete calls the wrapped client under the policy
func (c *LLMClient) Complete(ctx context.Context, req *core.CompletionRequest) (string, error) {
	return Call(ctx, c.policy, func(ctx context.Context) (string, error) {
		return c.inner.Complete(ctx, req)
	})
}

// Close closes the wrapped client when it holds resources
func (c *LLMClient) Close() error {
	if closer, ok := c.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Embedder applies a policy to every embedding request
type Embedder struct {
	inner  core.Embedder
	policy *Policy
}

// NewEmbedder wraps inner with policy
func NewEmbedder(inner core.Embedder, policy *Policy) *Embedder {
	return &Embedder{inner: inner, policy: policy}
}

// Embed calls the wrapped embedder under the policy
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return Call(ctx, e.policy, func(ctx context.Context) ([][]float32, error) {
		return e.inner.Embed(ctx, texts)
	})
}

// Gateway applies separate policies to inbound and outbound mailbox operations
type Gateway struct {
	inner core.MailboxGateway
	fetch *Policy
	send  *Policy
}

// NewGateway wraps inner. fetch covers FetchNew and MarkProcessed, send covers Send and SaveDraft.
func NewGateway(inner core.MailboxGateway, fetch, send *Policy) *Gateway {
	return &Gateway{inner: inner, fetch: fetch, send: send}
}

// FetchNew fetches under the fetch policy
func (g *Gateway) FetchNew(ctx context.Context, since time.Time) ([]*core.InboundMessage, error) {
	return Call(ctx, g.fetch, func(ctx context.Context) ([]*core.InboundMessage, error) {
		return g.inner.FetchNew(ctx, since)
	})
}

// Send delivers under the send policy
func (g *Gateway) Send(ctx context.Context, reply *core.Reply) error {
	return g.send.Do(ctx, func(ctx context.Context) error {
		return g.inner.Send(ctx, reply)
	})
}

// MarkProcessed flags the message under the fetch policy
func (g *Gateway) MarkProcessed(ctx context.Context, msg *core.InboundMessage) error {
	return g.fetch.Named(g.fetch.Name()+"_mark").Do(ctx, func(ctx context.Context) error {
		return g.inner.MarkProcessed(ctx, msg)
	})
}

// SaveDraft parks the reply as a draft when the wrapped gateway supports it
func (g *Gateway) SaveDraft(ctx context.Context, reply *core.Reply) error {
	saver, ok := g.inner.(core.DraftSaver)
	if !ok {
		return nil
	}
	return g.send.Named(g.send.Name()+"_draft").Do(ctx, func(ctx context.Context) error {
		return saver.SaveDraft(ctx, reply)
	})
}

// Ping checks the wrapped gateway without retries
func (g *Gateway) Ping(ctx context.Context) error {
	if pinger, ok := g.inner.(core.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Close releases the wrapped gateway's connections
func (g *Gateway) Close() error {
	if closer, ok := g.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

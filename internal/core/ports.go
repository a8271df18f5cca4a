package core

import (
	"context"
	"time"
)

// CompletionRequest is a single prompt sent to a language model
type CompletionRequest struct {
	System string
	Prompt string
	// JSON asks the provider for a JSON object response where supported
	JSON bool
}

// LLMClient defines the interface for interacting with LLM services
type LLMClient interface {
	// Complete returns the model's text response to the request
	Complete(ctx context.Context, req *CompletionRequest) (string, error)
}

// Embedder turns text into vectors for the knowledge index
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Classifier assigns a category to a message
type Classifier interface {
	Classify(ctx context.Context, msg *InboundMessage) (Category, error)
}

// Responder produces a reply draft for the current workflow state
type Responder interface {
	Draft(ctx context.Context, state *WorkflowState) (*DraftResult, error)
}

// Retriever returns ranked knowledge-base passages for a query
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// Verifier judges whether a draft is fit to send
type Verifier interface {
	Verify(ctx context.Context, msg *InboundMessage, draft string, passages []Passage) (*Verdict, error)
}

// MailboxGateway is the system's only view of the mail provider
type MailboxGateway interface {
	// FetchNew returns messages received at or after since
	FetchNew(ctx context.Context, since time.Time) ([]*InboundMessage, error)

	// Send delivers a reply
	Send(ctx context.Context, reply *Reply) error

	// MarkProcessed flags the message in the mailbox so it is not fetched again
	MarkProcessed(ctx context.Context, msg *InboundMessage) error
}

// DraftSaver is implemented by gateways that can park a reply as a mailbox draft
type DraftSaver interface {
	SaveDraft(ctx context.Context, reply *Reply) error
}

// Pinger is implemented by adapters that can check their connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// RecordStore is the single source of truth for processed messages
type RecordStore interface {
	// Reserve atomically claims a message id. It returns ErrAlreadyReserved
	// when any record already exists for the id.
	Reserve(ctx context.Context, rec *ProcessedRecord) error

	// MarkSending moves a reserved record to the sending status
	MarkSending(ctx context.Context, messageID string) error

	// Complete writes the terminal outcome of a reserved or sending record
	Complete(ctx context.Context, rec *ProcessedRecord) error

	// Release drops a reservation that never reached a terminal outcome
	Release(ctx context.Context, messageID string) error

	// Get returns the record for a message id or ErrNotFound
	Get(ctx context.Context, messageID string) (*ProcessedRecord, error)

	// List returns records ordered by most recent update first
	List(ctx context.Context, filter RecordFilter) ([]*ProcessedRecord, error)

	// RecoverPending resolves records left behind by a crash: reservations
	// are released and interrupted sends are held.
	RecoverPending(ctx context.Context) (released int, held int, err error)
}

// CheckpointStore persists the poll loop's high-water mark
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
}

package core

import (
	"strings"
	"time"
)

// InboundMessage represents an email fetched from the support mailbox
type InboundMessage struct {
	ID         string
	From       string
	FromName   string
	To         []string
	Subject    string
	Body       string
	ReceivedAt time.Time
	ThreadID   string
	InReplyTo  string
	References []string

	// SourceRef is the gateway's own handle for the message (IMAP UID, Gmail id)
	SourceRef string
}

// Category is the closed set of classification outcomes
type Category string

const (
	CategoryComplaint Category = "complaint"
	CategoryInquiry   Category = "inquiry"
	CategoryFeedback  Category = "feedback"
	CategoryUnrelated Category = "unrelated"
)

// Categories lists every category in a stable order
var Categories = []Category{CategoryComplaint, CategoryInquiry, CategoryFeedback, CategoryUnrelated}

var categoryAliases = map[string]Category{
	"complaint":          CategoryComplaint,
	"customer_complaint": CategoryComplaint,
	"inquiry":            CategoryInquiry,
	"enquiry":            CategoryInquiry,
	"product_enquiry":    CategoryInquiry,
	"product_inquiry":    CategoryInquiry,
	"lead_enquiry":       CategoryInquiry,
	"lead_inquiry":       CategoryInquiry,
	"feedback":           CategoryFeedback,
	"customer_feedback":  CategoryFeedback,
	"unrelated":          CategoryUnrelated,
	"spam":               CategoryUnrelated,
	"off_topic":          CategoryUnrelated,
}

// ParseCategory maps a model label onto a Category. Anything it does not
// recognise is treated as unrelated.
func ParseCategory(label string) Category {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if c, ok := categoryAliases[key]; ok {
		return c
	}
	return CategoryUnrelated
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	switch c {
	case CategoryComplaint, CategoryInquiry, CategoryFeedback, CategoryUnrelated:
		return true
	}
	return false
}

// UsesRetrieval reports whether drafts for this category are grounded on the knowledge base
func (c Category) UsesRetrieval() bool {
	return c == CategoryInquiry
}

// Passage is a ranked excerpt returned by the knowledge retriever
type Passage struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Verdict is the verifier's judgement on a draft
type Verdict struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons"`
}

// DraftRound keeps one draft together with the feedback it received
type DraftRound struct {
	Attempt int      `json:"attempt"`
	Draft   string   `json:"draft"`
	Reasons []string `json:"reasons,omitempty"`
}

// State is a node of the workflow state machine
type State string

const (
	StateReceived   State = "received"
	StateClassified State = "classified"
	StateDrafted    State = "drafted"
	StateVerified   State = "verified"
	StateSent       State = "sent"
	StateHeld       State = "held"
	StateSkipped    State = "skipped"
)

// Terminal reports whether no further transitions leave s
func (s State) Terminal() bool {
	return s == StateSent || s == StateHeld || s == StateSkipped
}

// WorkflowState is the mutable state of a single workflow run
type WorkflowState struct {
	Message  *InboundMessage
	State    State
	Category Category
	Draft    string
	Passages []Passage
	Verdict  *Verdict
	Attempt  int
	History  []DraftRound

	// Review is set when the draft must go to a human regardless of the verdict
	Review  bool
	Reasons []string
}

// DraftResult is what a responder hands back to the engine
type DraftResult struct {
	Draft    string
	Passages []Passage

	// NeedsReview marks a best-effort draft that must not be sent automatically
	NeedsReview  bool
	ReviewReason string
}

// Outcome is the terminal result recorded for a message
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeHeld    Outcome = "held"
	OutcomeSkipped Outcome = "skipped"
)

// RecordStatus is the lifecycle status of a processed-message record
type RecordStatus string

const (
	StatusReserved RecordStatus = "reserved"
	StatusSending  RecordStatus = "sending"
	StatusSent     RecordStatus = RecordStatus(OutcomeSent)
	StatusHeld     RecordStatus = RecordStatus(OutcomeHeld)
	StatusSkipped  RecordStatus = RecordStatus(OutcomeSkipped)
)

// Final reports whether the status is a terminal outcome
func (s RecordStatus) Final() bool {
	return s == StatusSent || s == StatusHeld || s == StatusSkipped
}

// ProcessedRecord is the durable record kept for every message the system has seen
type ProcessedRecord struct {
	MessageID string       `json:"message_id"`
	Status    RecordStatus `json:"status"`
	Category  Category     `json:"category,omitempty"`
	Sender    string       `json:"sender"`
	Subject   string       `json:"subject"`
	ThreadID  string       `json:"thread_id,omitempty"`
	Draft     string       `json:"draft,omitempty"`
	Attempts  int          `json:"attempts"`
	Reasons   []string     `json:"reasons,omitempty"`
	RunID     string       `json:"run_id"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RecordFilter narrows a record listing
type RecordFilter struct {
	Status RecordStatus
	Limit  int
}

// Reply is an outgoing answer to an inbound message
type Reply struct {
	From       string
	To         string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
	ThreadID   string
}

// Checkpoint is the poll loop's persisted high-water mark
type Checkpoint struct {
	Name      string
	Since     time.Time
	UpdatedAt time.Time
}

// RunResult summarises a finished workflow run
type RunResult struct {
	RunID     string       `json:"run_id"`
	MessageID string       `json:"message_id"`
	Outcome   Outcome      `json:"outcome"`
	Category  Category     `json:"category,omitempty"`
	Attempts  int          `json:"attempts"`
	Draft     string       `json:"draft,omitempty"`
	Reasons   []string     `json:"reasons,omitempty"`
	Passages  []Passage    `json:"passages,omitempty"`
	History   []DraftRound `json:"history,omitempty"`
	DryRun    bool         `json:"dry_run,omitempty"`
}

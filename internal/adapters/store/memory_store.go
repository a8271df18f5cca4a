package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikey/llm-mail-responder/internal/core"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory implementation of the record and checkpoint stores.
// Nothing survives a restart, so it suits tests and dry runs only.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]*core.ProcessedRecord
	checkpoints map[string]core.Checkpoint
	logger      *zap.Logger
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		records:     make(map[string]*core.ProcessedRecord),
		checkpoints: make(map[string]core.Checkpoint),
		logger:      logger,
	}
}

// Reserve atomically claims a message id
func (s *MemoryStore) Reserve(_ context.Context, rec *core.ProcessedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.MessageID]; ok {
		return core.ErrAlreadyReserved
	}
	cp := copyRecord(rec)
	cp.Status = core.StatusReserved
	s.records[rec.MessageID] = cp
	return nil
}

// MarkSending moves a reserved record to the sending status
func (s *MemoryStore) MarkSending(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return core.ErrNotFound
	}
	switch rec.Status {
	case core.StatusReserved:
		rec.Status = core.StatusSending
		rec.UpdatedAt = time.Now().UTC()
		return nil
	case core.StatusSending:
		return nil
	default:
		return fmt.Errorf("%w: status %s", core.ErrAlreadyFinal, rec.Status)
	}
}

// Complete writes the terminal outcome of a reserved or sending record
func (s *MemoryStore) Complete(_ context.Context, rec *core.ProcessedRecord) error {
	if !rec.Status.Final() {
		return fmt.Errorf("cannot complete record with non-terminal status %q", rec.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.MessageID]
	if !ok {
		return core.ErrNotFound
	}
	if existing.Status.Final() {
		return fmt.Errorf("%w: status %s", core.ErrAlreadyFinal, existing.Status)
	}

	existing.Status = rec.Status
	existing.Category = rec.Category
	existing.Draft = rec.Draft
	existing.Attempts = rec.Attempts
	existing.Reasons = append([]string(nil), rec.Reasons...)
	existing.UpdatedAt = rec.UpdatedAt
	return nil
}

// Release drops a reservation that never reached a terminal outcome
func (s *MemoryStore) Release(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return core.ErrNotFound
	}
	if rec.Status != core.StatusReserved {
		return fmt.Errorf("cannot release record with status %s", rec.Status)
	}
	delete(s.records, messageID)
	return nil
}

// Get returns the record for a message id
func (s *MemoryStore) Get(_ context.Context, messageID string) (*core.ProcessedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[messageID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return copyRecord(rec), nil
}

// List returns records ordered by most recent update first
func (s *MemoryStore) List(_ context.Context, filter core.RecordFilter) ([]*core.ProcessedRecord, error) {
	s.mu.RLock()
	out := make([]*core.ProcessedRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecoverPending releases stale reservations and holds interrupted sends
func (s *MemoryStore) RecoverPending(_ context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released, held := 0, 0
	for id, rec := range s.records {
		switch rec.Status {
		case core.StatusReserved:
			delete(s.records, id)
			released++
		case core.StatusSending:
			rec.Status = core.StatusHeld
			rec.Reasons = []string{InterruptedSendReason}
			rec.UpdatedAt = time.Now().UTC()
			held++
		}
	}
	return released, held, nil
}

// LoadCheckpoint returns the named checkpoint or ErrNotFound
func (s *MemoryStore) LoadCheckpoint(_ context.Context, name string) (*core.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[name]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &cp, nil
}

// SaveCheckpoint writes the named checkpoint
func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *core.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *cp
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = time.Now().UTC()
	}
	s.checkpoints[cp.Name] = saved
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *core.ProcessedRecord) *core.ProcessedRecord {
	cp := *rec
	cp.Reasons = append([]string(nil), rec.Reasons...)
	return &cp
}

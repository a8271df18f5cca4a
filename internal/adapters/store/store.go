package store

import (
	"github.com/mikey/llm-mail-responder/internal/core"
)

// Store is a record store that also keeps poll checkpoints
type Store interface {
	core.RecordStore
	core.CheckpointStore
	Close() error
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

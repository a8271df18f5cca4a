// Package knowledge builds and queries the vector index used to ground
// inquiry replies.
package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/metrics"
	"go.uber.org/zap"
)

const (
	chunkPrefix = "chunk/"
	metaKey     = "meta/info"
)

// Chunk is one embedded excerpt of a source document
type Chunk struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// IndexInfo describes how the index was built
type IndexInfo struct {
	Chunks     int       `json:"chunks"`
	Documents  int       `json:"documents"`
	Dimensions int       `json:"dimensions"`
	BuiltAt    time.Time `json:"built_at"`
}

// Index is a Pebble-backed store of embedded chunks searched by cosine similarity
type Index struct {
	db     *pebble.DB
	logger *zap.Logger
}

// OpenIndex opens or creates the index at path
func OpenIndex(path string, logger *zap.Logger) (*Index, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge index at %s: %w", path, err)
	}
	return &Index{db: db, logger: logger}, nil
}

// Close closes the index
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Reset removes every chunk
func (ix *Index) Reset() error {
	end := []byte(chunkPrefix)
	end[len(end)-1]++
	if err := ix.db.DeleteRange([]byte(chunkPrefix), end, pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear knowledge index: %w", err)
	}
	if err := ix.db.Delete([]byte(metaKey), pebble.Sync); err != nil {
		return fmt.Errorf("failed to clear index info: %w", err)
	}
	metrics.IndexedChunks.Set(0)
	return nil
}

// Put writes chunks in a single batch
func (ix *Index) Put(chunks []Chunk) error {
	b := ix.db.NewBatch()
	defer b.Close()
	for _, c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode chunk %s: %w", c.ID, err)
		}
		if err := b.Set([]byte(chunkPrefix+c.ID), data, nil); err != nil {
			return fmt.Errorf("failed to stage chunk %s: %w", c.ID, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to write chunks: %w", err)
	}
	return nil
}

// SetInfo records build metadata
func (ix *Index) SetInfo(info IndexInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := ix.db.Set([]byte(metaKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write index info: %w", err)
	}
	metrics.IndexedChunks.Set(float64(info.Chunks))
	return nil
}

// Info returns build metadata, or a zero value for an index never built
func (ix *Index) Info() (IndexInfo, error) {
	var info IndexInfo
	data, closer, err := ix.db.Get([]byte(metaKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("failed to read index info: %w", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to decode index info: %w", err)
	}
	return info, nil
}

type scored struct {
	chunk Chunk
	score float64
}

// Search returns the k chunks most similar to vector with a score of at least minScore
func (ix *Index) Search(vector []float32, k int, minScore float64) ([]core.Passage, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}

	end := []byte(chunkPrefix)
	end[len(end)-1]++
	iter, err := ix.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(chunkPrefix),
		UpperBound: end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge index: %w", err)
	}
	defer iter.Close()

	var hits []scored
	for iter.First(); iter.Valid(); iter.Next() {
		var c Chunk
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			ix.logger.Warn("Skipping corrupt chunk", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		if len(c.Vector) != len(vector) {
			continue
		}
		score := cosine(vector, c.Vector)
		if score < minScore {
			continue
		}
		hits = append(hits, scored{chunk: c, score: score})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan knowledge index: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].chunk.ID < hits[j].chunk.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	passages := make([]core.Passage, len(hits))
	for i, h := range hits {
		passages[i] = core.Passage{
			ID:     h.chunk.ID,
			Source: h.chunk.Source,
			Text:   h.chunk.Text,
			Score:  h.score,
		}
	}
	return passages, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

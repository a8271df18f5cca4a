package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/mikey/llm-mail-responder/internal/core"
	"go.uber.org/zap"
)

// BuildOptions tunes an index build
type BuildOptions struct {
	BatchSize int
	// Rebuild clears the index before writing
	Rebuild bool
}

// Builder embeds documents into an index
type Builder struct {
	index    *Index
	embedder core.Embedder
	chunker  *Chunker
	logger   *zap.Logger
}

// NewBuilder creates a new builder
func NewBuilder(index *Index, embedder core.Embedder, chunker *Chunker, logger *zap.Logger) *Builder {
	return &Builder{index: index, embedder: embedder, chunker: chunker, logger: logger}
}

// Build chunks, embeds and stores every document from the sources
func (b *Builder) Build(ctx context.Context, opts BuildOptions, sources ...Source) (IndexInfo, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}

	var docs []Document
	for _, src := range sources {
		found, err := src.Documents(ctx)
		if err != nil {
			return IndexInfo{}, err
		}
		docs = append(docs, found...)
	}

	var chunks []Chunk
	for _, doc := range docs {
		for i, text := range b.chunker.Split(doc.Text) {
			chunks = append(chunks, Chunk{
				ID:     fmt.Sprintf("%s#%d", doc.Source, i),
				Source: doc.Source,
				Text:   text,
			})
		}
	}
	b.logger.Info("Chunked knowledge documents",
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(chunks)))

	if opts.Rebuild {
		if err := b.index.Reset(); err != nil {
			return IndexInfo{}, err
		}
	}

	dims := 0
	for start := 0; start < len(chunks); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := b.embedder.Embed(ctx, texts)
		if err != nil {
			return IndexInfo{}, fmt.Errorf("failed to embed chunks %d-%d: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return IndexInfo{}, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		for i := range batch {
			if dims == 0 {
				dims = len(vectors[i])
			} else if len(vectors[i]) != dims {
				return IndexInfo{}, fmt.Errorf("inconsistent embedding dimensions: got %d, want %d", len(vectors[i]), dims)
			}
			batch[i].Vector = vectors[i]
		}
		if err := b.index.Put(batch); err != nil {
			return IndexInfo{}, err
		}
		b.logger.Debug("Indexed batch", zap.Int("from", start), zap.Int("to", end))
	}

	info := IndexInfo{
		Chunks:     len(chunks),
		Documents:  len(docs),
		Dimensions: dims,
		BuiltAt:    time.Now().UTC(),
	}
	if err := b.index.SetInfo(info); err != nil {
		return IndexInfo{}, err
	}
	b.logger.Info("Knowledge index built",
		zap.Int("documents", info.Documents),
		zap.Int("chunks", info.Chunks),
		zap.Int("dimensions", info.Dimensions))
	return info, nil
}

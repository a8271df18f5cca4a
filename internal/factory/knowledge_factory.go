package factory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/llm-mail-responder/internal/config"
	"github.com/mikey/llm-mail-responder/internal/core"
	"github.com/mikey/llm-mail-responder/internal/knowledge"
	"go.uber.org/zap"
)

// KnowledgeFactory creates the knowledge index and the components around it
type KnowledgeFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewKnowledgeFactory creates a new knowledge factory
func NewKnowledgeFactory(cfg *config.Config, logger *zap.Logger) *KnowledgeFactory {
	return &KnowledgeFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// OpenIndex opens the configured index, creating it when missing
func (f *KnowledgeFactory) OpenIndex() (*knowledge.Index, error) {
	path := f.cfg.GetKnowledge().IndexPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	index, err := knowledge.OpenIndex(path, f.logger)
	if err != nil {
		return nil, err
	}

	info, err := index.Info()
	if err != nil {
		index.Close()
		return nil, err
	}
	if info.Chunks == 0 {
		f.logger.Warn("Knowledge index is empty, inquiries will be held for review",
			zap.String("path", path))
	} else {
		f.logger.Info("Opened knowledge index",
			zap.String("path", path),
			zap.Int("chunks", info.Chunks),
			zap.Time("built_at", info.BuiltAt))
	}
	return index, nil
}

// CreateRetriever creates a retriever over index
func (f *KnowledgeFactory) CreateRetriever(index *knowledge.Index, embedder core.Embedder) *knowledge.Retriever {
	return knowledge.NewRetriever(index, embedder, f.cfg.GetRetrieval().MinScore)
}

// CreateBuilder creates an index builder
func (f *KnowledgeFactory) CreateBuilder(index *knowledge.Index, embedder core.Embedder) *knowledge.Builder {
	kb := f.cfg.GetKnowledge()
	return knowledge.NewBuilder(index, embedder, knowledge.NewChunker(kb.ChunkSize, kb.ChunkOverlap), f.logger)
}

// CreateSources returns the configured corpus sources. An explicit dir
// overrides the configured directory.
func (f *KnowledgeFactory) CreateSources(ctx context.Context, dir string, fromS3 bool) ([]knowledge.Source, error) {
	kb := f.cfg.GetKnowledge()

	if fromS3 {
		if kb.S3.Endpoint == "" || kb.S3.Bucket == "" {
			return nil, fmt.Errorf("knowledge.s3.endpoint and knowledge.s3.bucket are required")
		}
		src, err := knowledge.NewS3Source(kb.S3)
		if err != nil {
			return nil, err
		}
		f.logger.Info("Reading knowledge from S3",
			zap.String("endpoint", kb.S3.Endpoint),
			zap.String("bucket", kb.S3.Bucket),
			zap.String("prefix", kb.S3.Prefix))
		return []knowledge.Source{src}, nil
	}

	if dir == "" {
		dir = kb.SourceDir
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("knowledge source directory %s: %w", dir, err)
	}
	f.logger.Info("Reading knowledge from directory", zap.String("dir", dir))
	return []knowledge.Source{knowledge.NewDirSource(dir)}, nil
}

// BuildOptions returns the configured build options
func (f *KnowledgeFactory) BuildOptions(rebuild bool) knowledge.BuildOptions {
	return knowledge.BuildOptions{
		BatchSize: f.cfg.GetKnowledge().BatchSize,
		Rebuild:   rebuild,
	}
}

package knowledge

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/k3a/html2text"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/mikey/llm-mail-responder/internal/config"
)

// Document is one source file of the knowledge base
type Document struct {
	Source string
	Text   string
}

// Source lists the documents to index
type Source interface {
	Documents(ctx context.Context) ([]Document, error)
}

var indexableExt = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
}

func documentText(name string, data []byte) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return html2text.HTML2Text(string(data))
	default:
		return string(data)
	}
}

// DirSource reads documents from a local directory tree
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Documents walks the directory and returns every indexable file in path order
func (s *DirSource) Documents(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !indexableExt[strings.ToLower(filepath.Ext(p))] {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		text := documentText(p, data)
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			rel = p
		}
		docs = append(docs, Document{Source: filepath.ToSlash(rel), Text: text})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk knowledge directory %s: %w", s.root, err)
	}
	return docs, nil
}

// S3Source reads documents from an S3-compatible bucket
type S3Source struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Source connects to the bucket described by cfg
func NewS3Source(cfg config.S3Config) (*S3Source, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	return &S3Source{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Documents downloads every indexable object under the prefix
func (s *S3Source) Documents(ctx context.Context) ([]Document, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects in %s: %w", s.bucket, obj.Err)
		}
		if indexableExt[strings.ToLower(path.Ext(obj.Key))] {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)

	docs := make([]Document, 0, len(keys))
	for _, key := range keys {
		obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to get object %s: %w", key, err)
		}
		data, err := io.ReadAll(obj)
		obj.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read object %s: %w", key, err)
		}
		text := documentText(key, data)
		docs = append(docs, Document{Source: "s3://" + s.bucket + "/" + key, Text: text})
	}
	return docs, nil
}

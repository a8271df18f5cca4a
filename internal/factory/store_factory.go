package factory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/llm-mail-responder/internal/adapters/store"
	"github.com/mikey/llm-mail-responder/internal/config"
	"go.uber.org/zap"
)

// StoreFactory creates record stores based on configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateStore creates a record store based on the configuration
func (f *StoreFactory) CreateStore() (store.Store, error) {
	storeConfig := f.cfg.GetStore()

	switch storeConfig.Type {
	case "memory":
		f.logger.Warn("Using in-memory record store, processed messages will be forgotten on restart")
		return store.NewMemoryStore(f.logger), nil
	case "sqlite":
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(storeConfig.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return store.NewSQLiteStore(storeConfig.SQLitePath, f.logger)
	case "mysql":
		return store.NewMySQLStore(storeConfig.MySQLDSN, f.logger)
	case "postgres":
		return store.NewPostgresStore(storeConfig.PostgresDSN, f.logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeConfig.Type)
	}
}

// Package storage selects the entity store implementation from configuration.
package storage

import (
	"fmt"

	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
	"github.com/tjfontaine/supportdesk/internal/storage/memory"
	"github.com/tjfontaine/supportdesk/internal/storage/sqldb"
)

// Re-export the store contract for callers that only deal with storage.
type (
	EntityStore         = ports.EntityStore
	ListMessagesOptions = ports.ListMessagesOptions
	ConversationUpdate  = ports.ConversationUpdate
)

// Open creates the entity store named by cfg.Type.
func Open(cfg config.StorageConfig) (EntityStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite", "postgres":
		store, err := sqldb.New(sqldb.Config{
			Driver:       cfg.Type,
			DSN:          cfg.Database.DSN,
			MaxOpenConns: cfg.Database.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Type, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

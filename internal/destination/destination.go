// Package destination holds the concrete destination handlers chunk
// entities are written to, and the metadata handler that records entity
// rows only after every destination succeeded.
package destination

import (
	"context"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// Result is one search hit from a destination.
type Result struct {
	EntityID string         `json:"entity_id"`
	ParentID string         `json:"parent_entity_id,omitempty"`
	SyncID   string         `json:"sync_id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Searcher is implemented by destinations that can answer queries.
type Searcher interface {
	Search(ctx context.Context, syncIDs []string, dense []float32, sparse *models.SparseVector, limit int) ([]Result, error)
}

// StoreMetadata adapts the entity repository to the pipeline's metadata
// contract.
type StoreMetadata struct {
	Store store.EntityStore
}

func (m *StoreMetadata) BulkCreate(ctx context.Context, rows []*models.StoredEntity) error {
	return m.Store.BulkCreateEntities(ctx, rows)
}

func (m *StoreMetadata) BulkUpdateHash(ctx context.Context, rows []*models.StoredEntity) error {
	return m.Store.BulkUpdateEntityHash(ctx, rows)
}

func (m *StoreMetadata) BulkRemove(ctx context.Context, ids []string) error {
	return m.Store.BulkRemoveEntities(ctx, ids)
}

var _ contracts.MetadataHandler = (*StoreMetadata)(nil)

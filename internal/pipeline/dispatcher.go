package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// Dispatcher applies one resolved batch to every destination concurrently
// and records metadata only after all of them succeeded. A failure in any
// destination fails the batch before metadata is touched, so a retry replays
// the same actions.
type Dispatcher struct {
	Destinations []contracts.DestinationHandler
	Metadata     contracts.MetadataHandler
}

// batchWrites is the per-destination work derived from a resolved batch.
type batchWrites struct {
	// clearParents are parent ids whose chunks must be removed before
	// inserting (updates) or without replacement (deletes).
	clearParents []string
	inserts      []*models.Entity

	createRows []*models.StoredEntity
	updateRows []*models.StoredEntity
	removeIDs  []string
}

func buildWrites(syncID, collectionID, orgID string, resolved []models.ResolvedEntity, chunks map[string][]*models.Entity, now time.Time) *batchWrites {
	w := &batchWrites{}
	for i := range resolved {
		r := &resolved[i]
		e := r.Entity
		switch r.Action {
		case models.ActionInsert:
			if e.System.ShouldSkip {
				continue
			}
			parentChunks := chunks[e.EntityID]
			if !r.SkipContentHandlers {
				w.inserts = append(w.inserts, parentChunks...)
			}
			w.createRows = append(w.createRows, &models.StoredEntity{
				ID:             uuid.NewString(),
				OrganizationID: orgID,
				SyncID:         syncID,
				CollectionID:   collectionID,
				DefinitionID:   e.DefinitionID,
				EntityID:       e.EntityID,
				Hash:           e.System.Hash,
				ChunkCount:     len(parentChunks),
				UpdatedAt:      now,
			})
		case models.ActionUpdate:
			if e.System.ShouldSkip {
				continue
			}
			parentChunks := chunks[e.EntityID]
			w.clearParents = append(w.clearParents, e.EntityID)
			w.inserts = append(w.inserts, parentChunks...)
			row := *r.Existing
			row.Hash = e.System.Hash
			row.ChunkCount = len(parentChunks)
			row.UpdatedAt = now
			w.updateRows = append(w.updateRows, &row)
		case models.ActionDelete:
			// Tombstones without a stored row have nothing to clear.
			if r.Existing == nil {
				continue
			}
			w.clearParents = append(w.clearParents, e.EntityID)
			w.removeIDs = append(w.removeIDs, r.Existing.ID)
		}
	}
	return w
}

// Dispatch runs the destination phase concurrently, then the metadata phase.
func (d *Dispatcher) Dispatch(ctx context.Context, syncID string, w *batchWrites) error {
	if len(w.clearParents) > 0 || len(w.inserts) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, dest := range d.Destinations {
			g.Go(func() error {
				if len(w.clearParents) > 0 {
					if err := dest.DeleteByParent(gctx, syncID, w.clearParents); err != nil {
						return err
					}
				}
				if len(w.inserts) > 0 {
					return dest.Insert(gctx, syncID, w.inserts)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if len(w.createRows) > 0 {
		if err := d.Metadata.BulkCreate(ctx, w.createRows); err != nil {
			return err
		}
	}
	if len(w.updateRows) > 0 {
		if err := d.Metadata.BulkUpdateHash(ctx, w.updateRows); err != nil {
			return err
		}
	}
	if len(w.removeIDs) > 0 {
		if err := d.Metadata.BulkRemove(ctx, w.removeIDs); err != nil {
			return err
		}
	}
	return nil
}

package pipeline

import (
	"context"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// ActionResolver decides what the pipeline does with each incoming entity by
// comparing content hashes against the stored metadata rows.
type ActionResolver struct {
	Entities store.EntityStore
}

// Resolve maps one batch of entities to actions.
//
// Duplicate ids within the batch collapse to the last occurrence. Deletion
// tombstones always resolve to DELETE; without a stored row the delete is an
// idempotent no-op. New entities
// whose (entity_id, hash) already exists under another sync of the same
// collection are flagged SkipContentHandlers: their metadata row is written
// for per-sync ownership but destinations are not touched again.
func (r *ActionResolver) Resolve(ctx context.Context, collectionID, syncID string, batch []*models.Entity) ([]models.ResolvedEntity, error) {
	// Later occurrences win.
	type key struct{ def, id string }
	order := make([]key, 0, len(batch))
	latest := make(map[key]*models.Entity, len(batch))
	for _, e := range batch {
		k := key{e.DefinitionID, e.EntityID}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = e
	}

	// Load existing rows per definition scope.
	byDef := map[string][]string{}
	for _, k := range order {
		byDef[k.def] = append(byDef[k.def], k.id)
	}
	existing := map[key]*models.StoredEntity{}
	for def, ids := range byDef {
		rows, err := r.Entities.GetEntitiesBatch(ctx, syncID, def, ids)
		if err != nil {
			return nil, err
		}
		for id, row := range rows {
			existing[key{def, id}] = row
		}
	}

	resolved := make([]models.ResolvedEntity, 0, len(order))
	for _, k := range order {
		e := latest[k]
		row := existing[k]

		if e.IsDeletion() {
			// A tombstone for an id that was never stored is still a DELETE,
			// just one with nothing to remove: the write phase no-ops on it.
			resolved = append(resolved, models.ResolvedEntity{Entity: e, Action: models.ActionDelete, Existing: row})
			continue
		}

		hash := ComputeHash(e)
		e.System.Hash = hash

		if row != nil {
			if row.Hash == hash {
				resolved = append(resolved, models.ResolvedEntity{Entity: e, Action: models.ActionKeep, Existing: row})
			} else {
				resolved = append(resolved, models.ResolvedEntity{Entity: e, Action: models.ActionUpdate, Existing: row})
			}
			continue
		}

		dup, err := r.Entities.FindCollectionDuplicate(ctx, collectionID, syncID, e.EntityID, hash)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, models.ResolvedEntity{
			Entity:              e,
			Action:              models.ActionInsert,
			SkipContentHandlers: dup,
		})
	}
	return resolved, nil
}

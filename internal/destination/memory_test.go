package destination

import (
	"context"
	"testing"

	"github.com/airweave/airweave/pkg/models"
)

func chunk(entityID, parentID string, dense []float32) *models.Entity {
	e := &models.Entity{EntityID: entityID, TextualRepresentation: "body " + entityID}
	e.System.OriginalEntityID = parentID
	e.System.DenseEmbedding = dense
	return e
}

func TestMemoryDestinationDeleteByParentRemovesChunks(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	err := d.Insert(ctx, "sync-1", []*models.Entity{
		chunk("doc-1__chunk_0", "doc-1", nil),
		chunk("doc-1__chunk_1", "doc-1", nil),
		chunk("doc-2__chunk_0", "doc-2", nil),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.DeleteByParent(ctx, "sync-1", []string{"doc-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := d.Count("sync-1"); got != 1 {
		t.Errorf("chunks = %d, want 1", got)
	}
	// Deleting again is a no-op.
	if err := d.DeleteByParent(ctx, "sync-1", []string{"doc-1"}); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestMemoryDestinationDeleteOrphansKeepsSeenParents(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	_ = d.Insert(ctx, "sync-1", []*models.Entity{
		chunk("doc-1__chunk_0", "doc-1", nil),
		chunk("doc-2__chunk_0", "doc-2", nil),
		chunk("doc-3", "", nil), // unchunked entity keeps its own id
	})
	if err := d.DeleteOrphans(ctx, "sync-1", map[string]bool{"doc-1": true, "doc-3": true}); err != nil {
		t.Fatalf("orphans: %v", err)
	}
	parents := d.Parents("sync-1")
	if len(parents) != 2 || parents[0] != "doc-1" || parents[1] != "doc-3" {
		t.Errorf("parents = %v", parents)
	}
}

func TestMemoryDestinationSearchOrdersByScore(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	_ = d.Insert(ctx, "sync-1", []*models.Entity{
		chunk("near", "", []float32{1, 0, 0}),
		chunk("far", "", []float32{0, 1, 0}),
	})
	results, err := d.Search(ctx, []string{"sync-1"}, []float32{1, 0, 0}, nil, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].EntityID != "near" {
		t.Errorf("results = %+v", results)
	}
}

func TestMemoryDestinationSearchHonorsLimit(t *testing.T) {
	d := NewMemoryDestination()
	ctx := context.Background()
	_ = d.Insert(ctx, "sync-1", []*models.Entity{
		chunk("a", "", []float32{1, 0}),
		chunk("b", "", []float32{1, 0}),
		chunk("c", "", []float32{1, 0}),
	})
	results, _ := d.Search(ctx, []string{"sync-1"}, []float32{1, 0}, nil, 2)
	if len(results) != 2 {
		t.Errorf("results = %d, want 2", len(results))
	}
}

package destination

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// storedChunk is one chunk row in the in-memory destination.
type storedChunk struct {
	entityID string
	parentID string
	text     string
	dense    []float32
	sparse   *models.SparseVector
	payload  map[string]any
}

// MemoryDestination keeps chunks in process memory. Used by tests and the
// zero-config dev server; it also answers searches with brute-force cosine
// similarity.
type MemoryDestination struct {
	mu sync.RWMutex
	// syncID -> entityID -> chunk
	data map[string]map[string]*storedChunk
	// FailInserts makes every Insert fail; used to exercise the
	// all-or-nothing write path.
	FailInserts bool
}

// NewMemoryDestination returns an empty destination.
func NewMemoryDestination() *MemoryDestination {
	return &MemoryDestination{data: map[string]map[string]*storedChunk{}}
}

func (d *MemoryDestination) Name() string { return "in_memory" }

func (d *MemoryDestination) Insert(ctx context.Context, syncID string, chunks []*models.Entity) error {
	if d.FailInserts {
		return &failError{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket := d.data[syncID]
	if bucket == nil {
		bucket = map[string]*storedChunk{}
		d.data[syncID] = bucket
	}
	for _, c := range chunks {
		bucket[c.EntityID] = &storedChunk{
			entityID: c.EntityID,
			parentID: c.System.OriginalEntityID,
			text:     c.TextualRepresentation,
			dense:    c.System.DenseEmbedding,
			sparse:   c.System.SparseEmbedding,
			payload:  c.Fields,
		}
	}
	return nil
}

func (d *MemoryDestination) DeleteByParent(ctx context.Context, syncID string, parentIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket := d.data[syncID]
	if bucket == nil {
		return nil
	}
	parents := make(map[string]bool, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = true
	}
	for entityID, c := range bucket {
		if parents[c.parentID] || parents[c.entityID] {
			delete(bucket, entityID)
		}
	}
	return nil
}

func (d *MemoryDestination) DeleteOrphans(ctx context.Context, syncID string, keep map[string]bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bucket := d.data[syncID]
	for entityID, c := range bucket {
		parent := c.parentID
		if parent == "" {
			parent = c.entityID
		}
		if !keep[parent] {
			delete(bucket, entityID)
		}
	}
	return nil
}

// Count returns the number of stored chunks for a sync.
func (d *MemoryDestination) Count(syncID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.data[syncID])
}

// Parents returns the distinct parent ids stored for a sync.
func (d *MemoryDestination) Parents(syncID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := map[string]bool{}
	for _, c := range d.data[syncID] {
		parent := c.parentID
		if parent == "" {
			parent = c.entityID
		}
		seen[parent] = true
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (d *MemoryDestination) Search(ctx context.Context, syncIDs []string, dense []float32, sparse *models.SparseVector, limit int) ([]Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var results []Result
	for _, syncID := range syncIDs {
		for _, c := range d.data[syncID] {
			score := 0.0
			if len(dense) > 0 && len(c.dense) == len(dense) {
				score = cosine(dense, c.dense)
			}
			if sparse != nil && c.sparse != nil {
				score += 0.3 * sparseDot(sparse, c.sparse)
			}
			results = append(results, Result{
				EntityID: c.entityID,
				ParentID: c.parentID,
				SyncID:   syncID,
				Text:     c.text,
				Score:    score,
				Payload:  c.payload,
			})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sparseDot(a, b *models.SparseVector) float64 {
	var dot float64
	i, j := 0, 0
	for i < len(a.Indices) && j < len(b.Indices) {
		switch {
		case a.Indices[i] == b.Indices[j]:
			dot += float64(a.Values[i]) * float64(b.Values[j])
			i++
			j++
		case a.Indices[i] < b.Indices[j]:
			i++
		default:
			j++
		}
	}
	return dot
}

type failError struct{}

func (*failError) Error() string { return "destination insert failed" }

var _ contracts.DestinationHandler = (*MemoryDestination)(nil)
var _ Searcher = (*MemoryDestination)(nil)

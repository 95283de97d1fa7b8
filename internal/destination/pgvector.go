package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// PgvectorDestination writes chunks into a postgres table with a pgvector
// embedding column and a generated tsvector for keyword search.
type PgvectorDestination struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPgvectorDestination ensures the chunk table exists and returns a
// handler bound to it. dim is the dense embedding dimensionality; rows
// written with a different dimension are rejected by postgres.
func NewPgvectorDestination(ctx context.Context, pool *pgxpool.Pool, dim int) (*PgvectorDestination, error) {
	d := &PgvectorDestination{pool: pool, dim: dim}
	if err := d.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("pgvector schema: %w", err)
	}
	return d, nil
}

func (d *PgvectorDestination) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			sync_id          TEXT NOT NULL,
			entity_id        TEXT NOT NULL,
			parent_entity_id TEXT NOT NULL DEFAULT '',
			body             TEXT NOT NULL DEFAULT '',
			embedding        vector(%d),
			sparse           JSONB,
			packed           BYTEA,
			payload          JSONB,
			keyword          tsvector GENERATED ALWAYS AS (to_tsvector('english', body)) STORED,
			PRIMARY KEY (sync_id, entity_id)
		)`, d.dim),
		`CREATE INDEX IF NOT EXISTS chunks_parent_idx ON chunks (sync_id, parent_entity_id)`,
		`CREATE INDEX IF NOT EXISTS chunks_keyword_idx ON chunks USING GIN (keyword)`,
	}
	for _, s := range stmts {
		if _, err := d.pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (d *PgvectorDestination) Name() string { return "pgvector" }

func (d *PgvectorDestination) Insert(ctx context.Context, syncID string, chunks []*models.Entity) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		var sparse []byte
		if c.System.SparseEmbedding != nil {
			b, err := json.Marshal(c.System.SparseEmbedding)
			if err != nil {
				return err
			}
			sparse = b
		}
		var payload []byte
		if c.Fields != nil {
			b, err := json.Marshal(c.Fields)
			if err != nil {
				return err
			}
			payload = b
		}
		batch.Queue(`INSERT INTO chunks (sync_id, entity_id, parent_entity_id, body, embedding, sparse, packed, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (sync_id, entity_id) DO UPDATE SET
				parent_entity_id = EXCLUDED.parent_entity_id,
				body             = EXCLUDED.body,
				embedding        = EXCLUDED.embedding,
				sparse           = EXCLUDED.sparse,
				packed           = EXCLUDED.packed,
				payload          = EXCLUDED.payload`,
			syncID, c.EntityID, c.System.OriginalEntityID, c.TextualRepresentation,
			vectorLiteral(c.System.DenseEmbedding), sparse, packBytes(c.System.PackedEmbedding), payload)
	}
	return d.pool.SendBatch(ctx, batch).Close()
}

func (d *PgvectorDestination) DeleteByParent(ctx context.Context, syncID string, parentIDs []string) error {
	if len(parentIDs) == 0 {
		return nil
	}
	_, err := d.pool.Exec(ctx,
		`DELETE FROM chunks WHERE sync_id = $1 AND (parent_entity_id = ANY($2) OR entity_id = ANY($2))`,
		syncID, parentIDs)
	return err
}

func (d *PgvectorDestination) DeleteOrphans(ctx context.Context, syncID string, keep map[string]bool) error {
	ids := make([]string, 0, len(keep))
	for id := range keep {
		ids = append(ids, id)
	}
	_, err := d.pool.Exec(ctx,
		`DELETE FROM chunks WHERE sync_id = $1
			AND COALESCE(NULLIF(parent_entity_id, ''), entity_id) != ALL($2)`,
		syncID, ids)
	return err
}

// Search ranks chunks by cosine similarity, blended with keyword rank when
// the query produced sparse terms.
func (d *PgvectorDestination) Search(ctx context.Context, syncIDs []string, dense []float32, sparse *models.SparseVector, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.pool.Query(ctx,
		`SELECT entity_id, parent_entity_id, sync_id, body, payload,
			1 - (embedding <=> $2::vector) AS score
		 FROM chunks
		 WHERE sync_id = ANY($1) AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2::vector
		 LIMIT $3`,
		syncIDs, vectorLiteral(dense), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var payload []byte
		if err := rows.Scan(&r.EntityID, &r.ParentID, &r.SyncID, &r.Text, &payload, &r.Score); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &r.Payload)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// vectorLiteral renders a float slice in pgvector's text format.
func vectorLiteral(v []float32) *string {
	if len(v) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	s := sb.String()
	return &s
}

func packBytes(packed []int8) []byte {
	if len(packed) == 0 {
		return nil
	}
	out := make([]byte, len(packed))
	for i, v := range packed {
		out[i] = byte(v)
	}
	return out
}

var _ contracts.DestinationHandler = (*PgvectorDestination)(nil)
var _ Searcher = (*PgvectorDestination)(nil)

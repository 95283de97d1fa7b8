package models

import (
	"fmt"
	"time"
)

// EntityKind distinguishes the entity variants a source can yield.
type EntityKind string

const (
	EntityKindBase        EntityKind = "base"
	EntityKindFile        EntityKind = "file"
	EntityKindCodeFile    EntityKind = "code_file"
	EntityKindPolymorphic EntityKind = "polymorphic"
	EntityKindDeletion    EntityKind = "deletion"
)

// FieldDef is field-level metadata consulted by the pipeline when building
// the textual representation and identifying well-known fields.
type FieldDef struct {
	Name        string `json:"name"`
	Embeddable  bool   `json:"embeddable"`
	IsEntityID  bool   `json:"is_entity_id,omitempty"`
	IsName      bool   `json:"is_name,omitempty"`
	IsCreatedAt bool   `json:"is_created_at,omitempty"`
	IsUpdatedAt bool   `json:"is_updated_at,omitempty"`
}

// Breadcrumb is one step of the ordered lineage chain carried on every
// entity (e.g. workspace → project → task). Entities never store back
// references; lineage is lookup by id.
type Breadcrumb struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// SparseVector is a BM25-style sparse embedding.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// SystemMetadata carries the pipeline-added fields on an entity. It is
// excluded from content hashing.
type SystemMetadata struct {
	Hash             string        `json:"hash,omitempty"`
	ChunkIndex       int           `json:"chunk_index,omitempty"`
	OriginalEntityID string        `json:"original_entity_id,omitempty"`
	DenseEmbedding   []float32     `json:"-"`
	SparseEmbedding  *SparseVector `json:"-"`
	PackedEmbedding  []int8        `json:"-"` // binary-packed ANN projection
	LocalPath        string        `json:"local_path,omitempty"`
	SyncID           string        `json:"sync_id,omitempty"`
	ShouldSkip       bool          `json:"should_skip,omitempty"`
}

// FileInfo is the file-entity extension: where the bytes live and what they
// are.
type FileInfo struct {
	URL       string `json:"url,omitempty"`
	Size      int64  `json:"size,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
	Language  string `json:"language,omitempty"` // code files
}

// PolymorphicSchema describes one table/collection of a generic DB source.
// It replaces runtime class synthesis with a registry of schemas.
type PolymorphicSchema struct {
	TableName   string                `json:"table_name"`
	Columns     map[string]ColumnType `json:"columns"`
	PrimaryKeys []string              `json:"primary_keys"`
}

// ColumnType describes one column of a polymorphic schema.
type ColumnType struct {
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Entity is the in-memory record a source yields (BaseEntity in the domain
// vocabulary). EntityID is stable per source; Fields holds the payload with
// FieldDefs describing which fields are embeddable. DeletionStatus is set
// only on deletion tombstones.
type Entity struct {
	EntityID     string             `json:"entity_id"`
	DefinitionID string             `json:"entity_definition_id"`
	Name         string             `json:"name,omitempty"`
	Kind         EntityKind         `json:"kind"`
	Breadcrumbs  []Breadcrumb       `json:"breadcrumbs,omitempty"`
	CreatedAt    *time.Time         `json:"created_at,omitempty"`
	UpdatedAt    *time.Time         `json:"updated_at,omitempty"`
	Fields       map[string]any     `json:"fields,omitempty"`
	FieldDefs    []FieldDef         `json:"-"`
	File         *FileInfo          `json:"file,omitempty"`
	Schema       *PolymorphicSchema `json:"-"` // polymorphic entities only
	Extra        map[string]any     `json:"extra,omitempty"`

	DeletionStatus string `json:"deletion_status,omitempty"`

	// TextualRepresentation is built by the content processor and cleared
	// on the parent once chunk entities are expanded.
	TextualRepresentation string `json:"-"`

	System SystemMetadata `json:"airweave_system_metadata"`
}

// IsDeletion reports whether the entity is a deletion tombstone.
func (e *Entity) IsDeletion() bool {
	return e.Kind == EntityKindDeletion
}

// ChunkID formats the derived chunk entity id for index idx.
func ChunkID(parent string, idx int) string {
	return fmt.Sprintf("%s__chunk_%d", parent, idx)
}

// NewChunk derives a chunk entity from its parent. The chunk shares the
// parent's payload shallowly, carries its own text, and references the
// parent via OriginalEntityID.
func (e *Entity) NewChunk(idx int, text string) *Entity {
	chunk := *e
	chunk.EntityID = ChunkID(e.EntityID, idx)
	chunk.TextualRepresentation = text
	chunk.System = SystemMetadata{
		Hash:             e.System.Hash,
		ChunkIndex:       idx,
		OriginalEntityID: e.EntityID,
		SyncID:           e.System.SyncID,
	}
	return &chunk
}

// Deletion builds a deletion tombstone for the given entity id.
func Deletion(definitionID, entityID string) *Entity {
	return &Entity{
		EntityID:       entityID,
		DefinitionID:   definitionID,
		Kind:           EntityKindDeletion,
		DeletionStatus: "removed",
	}
}

// ── Actions ─────────────────────────────────────────────────

// EntityAction is the resolved pipeline action for one entity.
type EntityAction string

const (
	ActionInsert EntityAction = "INSERT"
	ActionUpdate EntityAction = "UPDATE"
	ActionDelete EntityAction = "DELETE"
	ActionKeep   EntityAction = "KEEP"
)

// ResolvedEntity pairs an incoming entity with its action and, for updates
// and deletes, the existing metadata row.
type ResolvedEntity struct {
	Entity   *Entity
	Action   EntityAction
	Existing *StoredEntity

	// SkipContentHandlers marks an INSERT that another sync in the same
	// collection already holds with an identical hash: the metadata row is
	// still written (per-sync ownership) but destinations are not.
	SkipContentHandlers bool
}

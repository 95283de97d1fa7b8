// Package contracts defines the service interfaces of the Airweave core.
//
// Connectors, destinations, embedders, and the external collaborators of the
// organization saga all plug in through these interfaces. The wiring code in
// pkg/server composes concrete implementations; tests inject fakes.
package contracts

import (
	"context"

	"github.com/airweave/airweave/pkg/models"
)

// ── Sources ─────────────────────────────────────────────────

// Source is the connector contract. Connectors are black boxes: the pipeline
// only depends on validation and the lazy entity stream.
//
// GenerateEntities calls emit for every entity, in source order. emit may
// block to apply backpressure at the batching boundary and returns an error
// when the run is cancelled; the source must stop and return that error.
type Source interface {
	ShortName() string
	Validate(ctx context.Context) error
	GenerateEntities(ctx context.Context, emit func(*models.Entity) error) error
}

// CursorAware sources resume from a per-connection cursor. SetCursor is
// called before generation with the stored blob; Cursor is read after the
// stream ends and persisted atomically.
type CursorAware interface {
	SetCursor(data map[string]any)
	Cursor() map[string]any
}

// AccessControlSource mirrors membership tuples. Full collection must emit
// every tuple; sources advertising incremental support additionally expose
// a DirSync-style change stream.
type AccessControlSource interface {
	SourceName() string
	CollectMemberships(ctx context.Context, emit func(models.MembershipTuple) error) error

	SupportsIncrementalACL() bool
	// CollectMembershipChanges returns deltas since cookie plus the next
	// cookie. Only called when SupportsIncrementalACL is true.
	CollectMembershipChanges(ctx context.Context, cookie string) ([]models.MembershipChange, string, error)
	// FetchCookie seeds incremental sync after a full run. Best effort.
	FetchCookie(ctx context.Context) (string, error)
	// RequiresFullRefresh lets a source force a full pass (e.g. cookie
	// invalidated server-side).
	RequiresFullRefresh() bool
}

// ── Destinations ────────────────────────────────────────────

// DestinationHandler receives chunk entities. Updates are expressed as
// DeleteByParent followed by Insert; orphan cleanup removes everything for
// the sync whose parent id is not in keep.
type DestinationHandler interface {
	Name() string
	Insert(ctx context.Context, syncID string, chunks []*models.Entity) error
	DeleteByParent(ctx context.Context, syncID string, parentIDs []string) error
	DeleteOrphans(ctx context.Context, syncID string, keep map[string]bool) error
}

// MetadataHandler persists the entity metadata rows. It is written only
// after every destination handler succeeded.
type MetadataHandler interface {
	BulkCreate(ctx context.Context, rows []*models.StoredEntity) error
	BulkUpdateHash(ctx context.Context, rows []*models.StoredEntity) error
	BulkRemove(ctx context.Context, ids []string) error
}

// ── Embedding ───────────────────────────────────────────────

// DenseEmbedder produces fixed-dimension dense vectors.
type DenseEmbedder interface {
	ModelName() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SparseEmbedder produces BM25-style sparse vectors.
type SparseEmbedder interface {
	Embed(ctx context.Context, texts []string) ([]models.SparseVector, error)
}

// ── Content conversion ──────────────────────────────────────

// Converter turns file bytes into text. The content processor picks a
// converter by mime type / extension.
type Converter interface {
	// Supports reports whether the converter handles the mime type or file
	// extension.
	Supports(mimeType, ext string) bool
	Convert(ctx context.Context, localPath string) (string, error)
}

// ── LLM ─────────────────────────────────────────────────────

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral completion request. When JSONSchema is
// set the model must return an object conforming to it.
type ChatRequest struct {
	Messages   []ChatMessage
	Model      string
	JSONSchema map[string]any
	MaxTokens  int
}

// ChatModel is the LLM contract used by the agentic search pipeline.
type ChatModel interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// ── Organization saga collaborators ─────────────────────────

// IdentityProvider is the external identity system (e.g. Auth0).
type IdentityProvider interface {
	CreateOrganization(ctx context.Context, name string) (string, error)
	AddOwner(ctx context.Context, identityOrgID, email string) error
	EnableDefaultConnections(ctx context.Context, identityOrgID string) error
	DeleteOrganization(ctx context.Context, identityOrgID string) error
}

// BillingProvider is the external payments system (e.g. Stripe).
type BillingProvider interface {
	// CreateCustomer creates a payment customer; testClock is set in
	// non-production environments.
	CreateCustomer(ctx context.Context, orgName, email, testClock string) (string, error)
	DeleteCustomer(ctx context.Context, customerID string) error
	// CancelSubscription cancels immediately without proration.
	CancelSubscription(ctx context.Context, customerID string) error
	DeleteWebhookTenant(ctx context.Context, customerID string) error
}

// ── Scheduling ──────────────────────────────────────────────

// Scheduler is the durable task executor contract. One deployment choice is
// Temporal; the in-process runner satisfies the same contract.
type Scheduler interface {
	// EnqueueSyncJob schedules the run of an already-created PENDING job.
	EnqueueSyncJob(ctx context.Context, jobID string) error
	// CancelJob requests cooperative cancellation of a pending or running
	// job.
	CancelJob(ctx context.Context, jobID string) error
	// DeleteSchedules removes external schedules attached to a sync and
	// cancels its outstanding jobs.
	DeleteSchedules(ctx context.Context, syncID string) error
}

// Package store provides the typed repository interfaces of the Airweave
// core and an in-memory implementation. Handler and pipeline code depends
// only on the interfaces, so tests and the zero-config dev server swap in
// the memory store while production uses PostgreSQL-backed repositories.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/airweave/airweave/pkg/models"
)

// Store is the aggregate storage interface.
type Store interface {
	OrganizationStore
	UserStore
	ApiKeyStore
	CollectionStore
	ConnectionStore
	CredentialStore
	InitSessionStore
	RedirectSessionStore
	SourceConnectionStore
	SyncStore
	SyncJobStore
	CursorStore
	EntityStore
	MembershipStore
	BillingStore
	OAuthProviderStore

	// Ping checks whether the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Organizations ───────────────────────────────────────────

type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	CreateOrganization(ctx context.Context, org *models.Organization) error
	UpdateOrganization(ctx context.Context, org *models.Organization) error
	// DeleteOrganization cascades to all child rows.
	DeleteOrganization(ctx context.Context, id string) error
}

// ── Users ───────────────────────────────────────────────────

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpsertUser(ctx context.Context, user *models.User) error
	DeleteUserMemberships(ctx context.Context, orgID string) ([]string, error) // returns affected emails
	CountMembers(ctx context.Context, orgID string) (int64, error)
}

// ── API keys ────────────────────────────────────────────────

type ApiKeyStore interface {
	GetApiKeyByHash(ctx context.Context, keyHash string) (*models.ApiKey, error)
	CreateApiKey(ctx context.Context, key *models.ApiKey) error
}

// ── Collections ─────────────────────────────────────────────

type CollectionStore interface {
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	GetCollectionByReadableID(ctx context.Context, orgID, readableID string) (*models.Collection, error)
	CreateCollection(ctx context.Context, c *models.Collection) error
	UpdateCollection(ctx context.Context, c *models.Collection) error
}

// ── Connections & credentials ───────────────────────────────

type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	CreateConnection(ctx context.Context, c *models.Connection) error
}

type CredentialStore interface {
	GetCredential(ctx context.Context, id string) (*models.IntegrationCredential, error)
	CreateCredential(ctx context.Context, c *models.IntegrationCredential) error
	UpdateCredential(ctx context.Context, c *models.IntegrationCredential) error
}

// ── OAuth handshake rows ────────────────────────────────────

type InitSessionStore interface {
	CreateInitSession(ctx context.Context, s *models.ConnectionInitSession) error
	// GetInitSessionByState looks up by CSRF state (OAuth2) or request
	// token (OAuth1).
	GetInitSessionByState(ctx context.Context, state string) (*models.ConnectionInitSession, error)
	UpdateInitSession(ctx context.Context, s *models.ConnectionInitSession) error
}

type RedirectSessionStore interface {
	CreateRedirectSession(ctx context.Context, s *models.RedirectSession) error
	GetRedirectSession(ctx context.Context, code string) (*models.RedirectSession, error)
}

// ── Source connections ──────────────────────────────────────

type SourceConnectionStore interface {
	GetSourceConnection(ctx context.Context, orgID, id string) (*models.SourceConnection, error)
	ListSourceConnections(ctx context.Context, orgID string) ([]models.SourceConnection, error)
	CreateSourceConnection(ctx context.Context, sc *models.SourceConnection) error
	UpdateSourceConnection(ctx context.Context, sc *models.SourceConnection) error
	DeleteSourceConnection(ctx context.Context, orgID, id string) error
	CountSourceConnections(ctx context.Context, orgID string) (int64, error)
}

// ── Syncs & jobs ────────────────────────────────────────────

type SyncStore interface {
	GetSync(ctx context.Context, id string) (*models.Sync, error)
	CreateSync(ctx context.Context, s *models.Sync) error
	DeleteSync(ctx context.Context, id string) error
}

type SyncJobStore interface {
	GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error)
	CreateSyncJob(ctx context.Context, j *models.SyncJob) error
	UpdateSyncJob(ctx context.Context, j *models.SyncJob) error
	ListSyncJobs(ctx context.Context, syncID string, limit int) ([]models.SyncJob, error)
	// ActiveSyncJob returns the PENDING/RUNNING/CANCELLING job for a sync,
	// or ErrNotFound.
	ActiveSyncJob(ctx context.Context, syncID string) (*models.SyncJob, error)
}

// ── Cursors ─────────────────────────────────────────────────

type CursorStore interface {
	GetCursor(ctx context.Context, syncID string) (*models.SyncCursor, error)
	UpsertCursor(ctx context.Context, c *models.SyncCursor) error
}

// ── Entities ────────────────────────────────────────────────

type EntityStore interface {
	// GetEntitiesBatch loads the persisted rows for the given entity ids
	// within one (sync, definition) scope, keyed by entity id.
	GetEntitiesBatch(ctx context.Context, syncID, definitionID string, entityIDs []string) (map[string]*models.StoredEntity, error)
	BulkCreateEntities(ctx context.Context, rows []*models.StoredEntity) error
	BulkUpdateEntityHash(ctx context.Context, rows []*models.StoredEntity) error
	BulkRemoveEntities(ctx context.Context, ids []string) error
	// ListEntityIDsBySync returns all entity ids persisted for a sync; used
	// by orphan cleanup.
	ListEntityIDsBySync(ctx context.Context, syncID string) ([]string, error)
	ListEntitiesBySync(ctx context.Context, syncID string) ([]models.StoredEntity, error)
	// FindCollectionDuplicate reports whether another sync in the same
	// collection already holds (entity_id, hash). Backed by the
	// (collection_id, entity_id, hash) index.
	FindCollectionDuplicate(ctx context.Context, collectionID, excludeSyncID, entityID, hash string) (bool, error)
	UpsertEntityCount(ctx context.Context, row *models.EntityCountRow) error
	ListEntityCounts(ctx context.Context, syncID string) ([]models.EntityCountRow, error)
}

// ── Access control ──────────────────────────────────────────

type MembershipStore interface {
	// BulkUpsertMemberships inserts on the composite unique key, updating
	// group_name on conflict.
	BulkUpsertMemberships(ctx context.Context, rows []models.AccessControlMembership) error
	DeleteMembershipByKey(ctx context.Context, orgID, sourceConnectionID string, tuple models.MembershipTuple) error
	// DeleteMembershipOrphans removes rows for the source connection whose
	// tuple key is not in seen, returning the number removed.
	DeleteMembershipOrphans(ctx context.Context, orgID, sourceConnectionID string, seen map[string]bool) (int64, error)
	ListMemberships(ctx context.Context, orgID, sourceConnectionID string) ([]models.AccessControlMembership, error)
}

// ── Billing & usage ─────────────────────────────────────────

type BillingStore interface {
	// CurrentBillingPeriod returns the period covering now, or ErrNotFound
	// for organizations without billing (legacy exemption).
	CurrentBillingPeriod(ctx context.Context, orgID string) (*models.BillingPeriod, error)
	GetBillingPeriod(ctx context.Context, id string) (*models.BillingPeriod, error)
	ListBillingPeriods(ctx context.Context, orgID string, limit int) ([]models.BillingPeriod, error)
	CreateBillingPeriod(ctx context.Context, p *models.BillingPeriod) error
	GetUsage(ctx context.Context, billingPeriodID string) (*models.Usage, error)
	AddUsage(ctx context.Context, billingPeriodID string, action models.UsageAction, n int64) error
}

// ── OAuth 2.1 provider ──────────────────────────────────────

type OAuthProviderStore interface {
	GetOAuthClient(ctx context.Context, clientID string) (*models.OAuthClient, error)
	CreateOAuthClient(ctx context.Context, c *models.OAuthClient) error
	CreateAuthorizationCode(ctx context.Context, c *models.OAuthAuthorizationCode) error
	// ConsumeAuthorizationCode atomically marks the code used; a second
	// consume returns ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*models.OAuthAuthorizationCode, error)
	CreateAccessToken(ctx context.Context, t *models.OAuthAccessToken) error
	GetAccessToken(ctx context.Context, tokenHash string) (*models.OAuthAccessToken, error)
	RevokeAccessToken(ctx context.Context, tokenHash string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// NotFound reports whether err is an ErrNotFound anywhere in its chain.
func NotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

func notFound(entity, key string) *ErrNotFound {
	return &ErrNotFound{Entity: entity, Key: key}
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination options.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}

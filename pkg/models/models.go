// Package models defines the domain types shared across the Airweave core:
// tenancy (organizations, users, API keys), collections and source
// connections, the OAuth handshake objects, sync definitions and jobs, the
// in-memory entity stream types, access-control memberships, and usage
// accounting.
//
// These are domain types, not table schemas. Everything row-like carries an
// OrganizationID; ownership rules are documented on each type.
package models

import (
	"time"
)

// ── Tenancy ─────────────────────────────────────────────────

// Organization is the tenant boundary. It owns everything under it.
type Organization struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Auth0OrgID       string    `json:"auth0_org_id,omitempty"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	EnabledFeatures  []string  `json:"enabled_features,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ModifiedAt       time.Time `json:"modified_at"`
}

// UserRole is the membership role of a user inside an organization.
type UserRole string

const (
	RoleOwner  UserRole = "owner"
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
)

// Membership links a user to an organization with a role.
type Membership struct {
	OrganizationID string   `json:"organization_id"`
	Role           UserRole `json:"role"`
	IsPrimary      bool     `json:"is_primary"`
}

// User is an identity principal. A user may belong to many organizations.
type User struct {
	ID                    string       `json:"id"`
	Email                 string       `json:"email"`
	FullName              string       `json:"full_name,omitempty"`
	PrimaryOrganizationID string       `json:"primary_organization_id,omitempty"`
	Memberships           []Membership `json:"memberships,omitempty"`
	LastActiveAt          time.Time    `json:"last_active_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
}

// InOrganization reports whether the user is a member of the organization.
func (u *User) InOrganization(orgID string) bool {
	for _, m := range u.Memberships {
		if m.OrganizationID == orgID {
			return true
		}
	}
	return false
}

// ApiKey is an opaque credential that maps to one organization.
// Only the SHA-256 hash of the key material is stored.
type ApiKey struct {
	ID             string    `json:"id"`
	KeyHash        string    `json:"-"`
	OrganizationID string    `json:"organization_id"`
	CreatedByEmail string    `json:"created_by_email"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the key is past its expiry.
func (k *ApiKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// ── Collections ─────────────────────────────────────────────

// Collection is a retrieval namespace inside an organization. The embedding
// model name and vector size are stamped on the first successful sync and
// are immutable afterwards.
type Collection struct {
	ID             string    `json:"id"`
	ReadableID     string    `json:"readable_id"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organization_id"`
	VectorSize     int       `json:"vector_size,omitempty"`
	EmbeddingModel string    `json:"embedding_model_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// Stamped reports whether the collection has recorded its embedding config.
func (c *Collection) Stamped() bool {
	return c.EmbeddingModel != "" && c.VectorSize > 0
}

// ── Source connections ──────────────────────────────────────

// AuthenticationMethod describes how a source connection authenticates
// against its external system.
type AuthenticationMethod string

const (
	AuthMethodOAuthToken   AuthenticationMethod = "oauth_token"
	AuthMethodOAuthBrowser AuthenticationMethod = "oauth_browser"
	AuthMethodOAuthBYOC    AuthenticationMethod = "oauth_byoc"
	AuthMethodDirect       AuthenticationMethod = "direct"
	AuthMethodAuthProvider AuthenticationMethod = "auth_provider"
)

// SourceConnectionStatus is the lifecycle state of a source connection.
type SourceConnectionStatus string

const (
	SourceConnectionPendingAuth SourceConnectionStatus = "pending_auth"
	SourceConnectionActive      SourceConnectionStatus = "active"
	SourceConnectionSyncing     SourceConnectionStatus = "syncing"
	SourceConnectionIdle        SourceConnectionStatus = "idle"
	SourceConnectionError       SourceConnectionStatus = "error"
	SourceConnectionDisabled    SourceConnectionStatus = "disabled"
)

// SourceConnection is the user's link between a collection and one external
// system. It owns its access-control memberships.
type SourceConnection struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	ShortName            string                 `json:"short_name"`
	OrganizationID       string                 `json:"organization_id"`
	ReadableCollectionID string                 `json:"readable_collection_id"`
	ConnectionID         string                 `json:"connection_id,omitempty"`
	SyncID               string                 `json:"sync_id,omitempty"`
	IsAuthenticated      bool                   `json:"is_authenticated"`
	AuthenticationMethod AuthenticationMethod   `json:"authentication_method"`
	ConfigFields         map[string]any         `json:"config_fields,omitempty"`
	IsActive             bool                   `json:"is_active"`
	Status               SourceConnectionStatus `json:"status"`
	Schedule             string                 `json:"schedule,omitempty"` // cron expression
	LastSyncJobID        string                 `json:"last_sync_job_id,omitempty"`
	AuthURL              string                 `json:"auth_url,omitempty"` // browser flows only
	CreatedAt            time.Time              `json:"created_at"`
	ModifiedAt           time.Time              `json:"modified_at"`
}

// ConnectionKind classifies generic integration rows.
type ConnectionKind string

const (
	ConnectionKindSource         ConnectionKind = "source"
	ConnectionKindDestination    ConnectionKind = "destination"
	ConnectionKindAuthProvider   ConnectionKind = "auth_provider"
	ConnectionKindEmbeddingModel ConnectionKind = "embedding_model"
)

// Connection is a generic integration row pointing at an encrypted
// credential. It owns its IntegrationCredential.
type Connection struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           ConnectionKind `json:"kind"`
	ShortName      string         `json:"short_name"`
	OrganizationID string         `json:"organization_id"`
	CredentialID   string         `json:"integration_credential_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IntegrationCredential is an encrypted secret bundle. EncryptedBlob is the
// opaque handle produced by the secrets service; the plaintext never leaves
// that service.
type IntegrationCredential struct {
	ID                   string               `json:"id"`
	OrganizationID       string               `json:"organization_id"`
	ShortName            string               `json:"short_name"`
	AuthenticationMethod AuthenticationMethod `json:"authentication_method"`
	ConfigClass          string               `json:"config_class,omitempty"`
	EncryptedBlob        string               `json:"-"`
	CreatedAt            time.Time            `json:"created_at"`
}

// ── OAuth handshake ─────────────────────────────────────────

// InitSessionStatus is the state of a ConnectionInitSession.
type InitSessionStatus string

const (
	InitSessionPending   InitSessionStatus = "PENDING"
	InitSessionCompleted InitSessionStatus = "COMPLETED"
	InitSessionExpired   InitSessionStatus = "EXPIRED"
	InitSessionCancelled InitSessionStatus = "CANCELLED"
)

// OAuthOverrides carries BYOC client material and PKCE state for one
// handshake. Secrets in here are short-lived and never logged.
type OAuthOverrides struct {
	ClientID         string            `json:"client_id,omitempty"`
	ClientSecret     string            `json:"-"`
	CodeVerifier     string            `json:"-"`
	ConsumerKey      string            `json:"consumer_key,omitempty"`
	ConsumerSecret   string            `json:"-"`
	OAuthToken       string            `json:"-"` // OAuth1 request token
	OAuthTokenSecret string            `json:"-"`
	TemplateConfigs  map[string]string `json:"template_configs,omitempty"`
}

// ConnectionInitSession is a short-lived OAuth handshake row, keyed by the
// CSRF state (OAuth2) or the request token (OAuth1). Single use.
type ConnectionInitSession struct {
	ID                string            `json:"id"`
	OrganizationID    string            `json:"organization_id"`
	ShortName         string            `json:"short_name"`
	State             string            `json:"-"`
	Status            InitSessionStatus `json:"status"`
	Payload           map[string]any    `json:"payload,omitempty"`
	Overrides         OAuthOverrides    `json:"overrides,omitempty"`
	RedirectSessionID string            `json:"redirect_session_id,omitempty"`
	ExpiresAt         time.Time         `json:"expires_at"`
	CreatedAt         time.Time         `json:"created_at"`
}

// RedirectSession maps a short random code to an absolute provider auth URL
// so the browser can hit an Airweave proxy URL instead of the raw provider.
type RedirectSession struct {
	Code      string    `json:"code"`
	TargetURL string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenResponse is the result of an OAuth token exchange.
type TokenResponse struct {
	AccessToken      string         `json:"access_token"`
	RefreshToken     string         `json:"refresh_token,omitempty"`
	TokenType        string         `json:"token_type,omitempty"`
	ExpiresIn        int64          `json:"expires_in,omitempty"`
	OAuthTokenSecret string         `json:"-"` // OAuth1 only
	Raw              map[string]any `json:"-"`
}

// OAuthCompletionResult is handed back to the caller of the callback; the
// caller finalizes connection creation.
type OAuthCompletionResult struct {
	TokenResponse   *TokenResponse         `json:"-"`
	InitSession     *ConnectionInitSession `json:"init_session"`
	OriginalPayload map[string]any         `json:"original_payload,omitempty"`
	Overrides       OAuthOverrides         `json:"-"`
	ShortName       string                 `json:"short_name"`
	OrganizationID  string                 `json:"organization_id"`
}

// ── Syncs ───────────────────────────────────────────────────

// SyncJobStatus is the lifecycle state of one sync run.
type SyncJobStatus string

const (
	SyncJobPending    SyncJobStatus = "PENDING"
	SyncJobRunning    SyncJobStatus = "RUNNING"
	SyncJobCompleted  SyncJobStatus = "COMPLETED"
	SyncJobFailed     SyncJobStatus = "FAILED"
	SyncJobCancelling SyncJobStatus = "CANCELLING"
	SyncJobCancelled  SyncJobStatus = "CANCELLED"
)

// Sync is a scheduled sync definition. Deleting a Sync cancels any pending
// or running jobs and removes external schedules.
type Sync struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	OrganizationID     string    `json:"organization_id"`
	SourceConnectionID string    `json:"source_connection_id"`
	CollectionID       string    `json:"collection_id"`
	CronSchedule       string    `json:"cron_schedule,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// SyncCounters are the per-run entity accounting totals.
type SyncCounters struct {
	Inserted int64 `json:"entities_inserted"`
	Updated  int64 `json:"entities_updated"`
	Deleted  int64 `json:"entities_deleted"`
	Kept     int64 `json:"entities_kept"`
	Skipped  int64 `json:"entities_skipped"`
}

// Total returns the sum of all counters.
func (c SyncCounters) Total() int64 {
	return c.Inserted + c.Updated + c.Deleted + c.Kept + c.Skipped
}

// SyncJob is one durable run of a Sync.
type SyncJob struct {
	ID             string        `json:"id"`
	SyncID         string        `json:"sync_id"`
	OrganizationID string        `json:"organization_id"`
	Status         SyncJobStatus `json:"status"`
	Counters       SyncCounters  `json:"counters"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	CompletedAt    time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Terminal reports whether the job reached a final state.
func (j *SyncJob) Terminal() bool {
	switch j.Status {
	case SyncJobCompleted, SyncJobFailed, SyncJobCancelled:
		return true
	}
	return false
}

// SyncCursor is the per-source-connection incremental cursor. The blob holds
// arbitrary keys set by the source and is written atomically at the end of a
// run. The ACL pipeline stores its DirSync cookie under "acl_dirsync_cookie".
type SyncCursor struct {
	SyncID      string         `json:"sync_id"`
	CursorField string         `json:"cursor_field,omitempty"`
	Data        map[string]any `json:"data"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ACLCookieKey is the cursor key holding the DirSync cookie.
const ACLCookieKey = "acl_dirsync_cookie"

// StoredEntity is the persisted metadata row for one source entity. Its
// presence implies the entity's chunks were successfully written to every
// destination. Unique on (organization_id, sync_id, entity_definition_id,
// entity_id).
type StoredEntity struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	SyncID         string    `json:"sync_id"`
	CollectionID   string    `json:"collection_id"`
	DefinitionID   string    `json:"entity_definition_id"`
	EntityID       string    `json:"entity_id"`
	Hash           string    `json:"hash"`
	ChunkCount     int       `json:"chunk_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EntityCountRow tracks per sync × entity definition totals for dashboards.
type EntityCountRow struct {
	SyncID       string `json:"sync_id"`
	DefinitionID string `json:"entity_definition_id"`
	Count        int64  `json:"count"`
}

// ── Access control ──────────────────────────────────────────

// MemberType distinguishes user and group members of a group.
type MemberType string

const (
	MemberUser  MemberType = "user"
	MemberGroup MemberType = "group"
)

// AccessControlMembership mirrors one membership tuple from a source.
// Unique on (organization_id, member_id, member_type, group_id,
// source_connection_id); cascade-deleted with its source connection.
type AccessControlMembership struct {
	ID                 string     `json:"id"`
	OrganizationID     string     `json:"organization_id"`
	SourceConnectionID string     `json:"source_connection_id"`
	MemberID           string     `json:"member_id"`
	MemberType         MemberType `json:"member_type"`
	GroupID            string     `json:"group_id"`
	GroupName          string     `json:"group_name,omitempty"`
	SourceName         string     `json:"source_name,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// MembershipTuple is what an ACL source yields during collection.
type MembershipTuple struct {
	MemberID   string     `json:"member_id"`
	MemberType MemberType `json:"member_type"`
	GroupID    string     `json:"group_id"`
	GroupName  string     `json:"group_name,omitempty"`
}

// Key returns the composite identity of the tuple within one source
// connection.
func (t MembershipTuple) Key() string {
	return t.MemberID + "\x00" + string(t.MemberType) + "\x00" + t.GroupID
}

// MembershipChangeOp is the operation of one DirSync change.
type MembershipChangeOp string

const (
	MembershipAdd    MembershipChangeOp = "ADD"
	MembershipRemove MembershipChangeOp = "REMOVE"
)

// MembershipChange is one incremental ACL delta.
type MembershipChange struct {
	Op    MembershipChangeOp `json:"op"`
	Tuple MembershipTuple    `json:"tuple"`
}

// ── Usage & billing ─────────────────────────────────────────

// UsageAction names a guarded, countable action.
type UsageAction string

const (
	ActionEntities          UsageAction = "entities"
	ActionQueries           UsageAction = "queries"
	ActionSourceConnections UsageAction = "source_connections"
	ActionTeamMembers       UsageAction = "team_members"
)

// Cumulative reports whether the action accumulates over a billing period,
// as opposed to being counted live from the database.
func (a UsageAction) Cumulative() bool {
	return a == ActionEntities || a == ActionQueries
}

// BillingPeriodStatus is the state of a billing period.
type BillingPeriodStatus string

const (
	BillingActive      BillingPeriodStatus = "active"
	BillingTrial       BillingPeriodStatus = "trial"
	BillingGrace       BillingPeriodStatus = "grace"
	BillingEndedUnpaid BillingPeriodStatus = "ended_unpaid"
	BillingCompleted   BillingPeriodStatus = "completed"
)

// BillingPeriod is one per-org billing window.
type BillingPeriod struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	Plan           PlanName            `json:"plan"`
	Status         BillingPeriodStatus `json:"status"`
	PeriodStart    time.Time           `json:"period_start"`
	PeriodEnd      time.Time           `json:"period_end"`
}

// Usage holds the cumulative counters for one billing period.
type Usage struct {
	BillingPeriodID string `json:"billing_period_id"`
	OrganizationID  string `json:"organization_id"`
	Entities        int64  `json:"entities"`
	Queries         int64  `json:"queries"`
}

// Get returns the counter value for a cumulative action.
func (u *Usage) Get(action UsageAction) int64 {
	switch action {
	case ActionEntities:
		return u.Entities
	case ActionQueries:
		return u.Queries
	}
	return 0
}

// Add increments the counter for a cumulative action.
func (u *Usage) Add(action UsageAction, n int64) {
	switch action {
	case ActionEntities:
		u.Entities += n
	case ActionQueries:
		u.Queries += n
	}
}

// PlanName identifies a pricing plan.
type PlanName string

const (
	PlanDeveloper  PlanName = "developer"
	PlanPro        PlanName = "pro"
	PlanTeam       PlanName = "team"
	PlanEnterprise PlanName = "enterprise"
)

// PlanLimits are the declarative per-plan caps. Nil means unlimited.
type PlanLimits struct {
	MaxEntities          *int64 `json:"max_entities"`
	MaxQueries           *int64 `json:"max_queries"`
	MaxSourceConnections *int64 `json:"max_source_connections"`
	MaxTeamMembers       *int64 `json:"max_team_members"`
}

// Limit returns the cap for an action, or nil for unlimited.
func (p PlanLimits) Limit(action UsageAction) *int64 {
	switch action {
	case ActionEntities:
		return p.MaxEntities
	case ActionQueries:
		return p.MaxQueries
	case ActionSourceConnections:
		return p.MaxSourceConnections
	case ActionTeamMembers:
		return p.MaxTeamMembers
	}
	return nil
}

func limit(n int64) *int64 { return &n }

// DefaultPlanLimits is the declarative limits table.
var DefaultPlanLimits = map[PlanName]PlanLimits{
	PlanDeveloper: {
		MaxEntities:          limit(50_000),
		MaxQueries:           limit(500),
		MaxSourceConnections: limit(10),
		MaxTeamMembers:       limit(1),
	},
	PlanPro: {
		MaxEntities:          limit(1_000_000),
		MaxQueries:           limit(10_000),
		MaxSourceConnections: limit(50),
		MaxTeamMembers:       limit(5),
	},
	PlanTeam: {
		MaxEntities:          limit(10_000_000),
		MaxQueries:           limit(100_000),
		MaxSourceConnections: limit(250),
		MaxTeamMembers:       limit(20),
	},
	PlanEnterprise: {}, // all unlimited
}

// BlockedActions maps billing period status to the actions it blocks.
var BlockedActions = map[BillingPeriodStatus][]UsageAction{
	BillingGrace:       {ActionSourceConnections},
	BillingEndedUnpaid: {ActionEntities, ActionSourceConnections},
	BillingCompleted:   {ActionEntities, ActionQueries, ActionSourceConnections, ActionTeamMembers},
}

// ── OAuth 2.1 provider objects ──────────────────────────────
// Airweave acts as an OAuth 2.1 provider for MCP-style clients.

// OAuthClient is a registered OAuth 2.1 client.
type OAuthClient struct {
	ID           string    `json:"client_id"`
	SecretHash   string    `json:"-"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	Public       bool      `json:"public"` // public clients require PKCE S256
	CreatedAt    time.Time `json:"created_at"`
}

// OAuthAuthorizationCode is a single-use authorization code (10 minutes).
type OAuthAuthorizationCode struct {
	Code           string    `json:"-"`
	ClientID       string    `json:"client_id"`
	OrganizationID string    `json:"organization_id"`
	UserEmail      string    `json:"user_email"`
	RedirectURI    string    `json:"redirect_uri"`
	CodeChallenge  string    `json:"-"` // PKCE S256 challenge
	Scope          string    `json:"scope,omitempty"`
	Used           bool      `json:"used"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// OAuthAccessToken is a revocable bearer token, stored SHA-256 hashed,
// valid for one hour.
type OAuthAccessToken struct {
	TokenHash      string    `json:"-"`
	ClientID       string    `json:"client_id"`
	OrganizationID string    `json:"organization_id"`
	UserEmail      string    `json:"user_email"`
	Scope          string    `json:"scope,omitempty"`
	Revoked        bool      `json:"revoked"`
	ExpiresAt      time.Time `json:"expires_at"`
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/airweave/airweave/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and the zero-config dev
// server. All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	orgs           map[string]*models.Organization
	users          map[string]*models.User // keyed by email
	apiKeys        map[string]*models.ApiKey
	collections    map[string]*models.Collection // keyed by org + "/" + readable id
	connections    map[string]*models.Connection
	credentials    map[string]*models.IntegrationCredential
	initSessions   map[string]*models.ConnectionInitSession // keyed by id
	initByState    map[string]string                        // state -> session id
	redirects      map[string]*models.RedirectSession
	sourceConns    map[string]*models.SourceConnection
	syncs          map[string]*models.Sync
	syncJobs       map[string]*models.SyncJob
	cursors        map[string]*models.SyncCursor
	entities       map[string]*models.StoredEntity // keyed by row id
	entityCounts   map[string]*models.EntityCountRow
	memberships    map[string]*models.AccessControlMembership // keyed by row id
	billingPeriods map[string]*models.BillingPeriod
	usage          map[string]*models.Usage // keyed by billing period id
	oauthClients   map[string]*models.OAuthClient
	oauthCodes     map[string]*models.OAuthAuthorizationCode
	oauthTokens    map[string]*models.OAuthAccessToken
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:           map[string]*models.Organization{},
		users:          map[string]*models.User{},
		apiKeys:        map[string]*models.ApiKey{},
		collections:    map[string]*models.Collection{},
		connections:    map[string]*models.Connection{},
		credentials:    map[string]*models.IntegrationCredential{},
		initSessions:   map[string]*models.ConnectionInitSession{},
		initByState:    map[string]string{},
		redirects:      map[string]*models.RedirectSession{},
		sourceConns:    map[string]*models.SourceConnection{},
		syncs:          map[string]*models.Sync{},
		syncJobs:       map[string]*models.SyncJob{},
		cursors:        map[string]*models.SyncCursor{},
		entities:       map[string]*models.StoredEntity{},
		entityCounts:   map[string]*models.EntityCountRow{},
		memberships:    map[string]*models.AccessControlMembership{},
		billingPeriods: map[string]*models.BillingPeriod{},
		usage:          map[string]*models.Usage{},
		oauthClients:   map[string]*models.OAuthClient{},
		oauthCodes:     map[string]*models.OAuthAuthorizationCode{},
		oauthTokens:    map[string]*models.OAuthAccessToken{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// ── Organizations ───────────────────────────────────────────

func (m *MemoryStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, notFound("organization", id)
	}
	cp := *org
	return &cp, nil
}

func (m *MemoryStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[org.ID]; !ok {
		return notFound("organization", org.ID)
	}
	cp := *org
	cp.ModifiedAt = time.Now().UTC()
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteOrganization(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[id]; !ok {
		return notFound("organization", id)
	}
	delete(m.orgs, id)
	for k, c := range m.collections {
		if c.OrganizationID == id {
			delete(m.collections, k)
		}
	}
	for k, sc := range m.sourceConns {
		if sc.OrganizationID == id {
			delete(m.sourceConns, k)
		}
	}
	for k, s := range m.syncs {
		if s.OrganizationID == id {
			delete(m.syncs, k)
		}
	}
	for k, j := range m.syncJobs {
		if j.OrganizationID == id {
			delete(m.syncJobs, k)
		}
	}
	for k, e := range m.entities {
		if e.OrganizationID == id {
			delete(m.entities, k)
		}
	}
	for k, am := range m.memberships {
		if am.OrganizationID == id {
			delete(m.memberships, k)
		}
	}
	for k, p := range m.billingPeriods {
		if p.OrganizationID == id {
			delete(m.usage, p.ID)
			delete(m.billingPeriods, k)
		}
	}
	for k, key := range m.apiKeys {
		if key.OrganizationID == id {
			delete(m.apiKeys, k)
		}
	}
	return nil
}

// ── Users ───────────────────────────────────────────────────

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return nil, notFound("user", email)
	}
	cp := *u
	cp.Memberships = append([]models.Membership(nil), u.Memberships...)
	return &cp, nil
}

func (m *MemoryStore) UpsertUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	cp.Memberships = append([]models.Membership(nil), user.Memberships...)
	m.users[user.Email] = &cp
	return nil
}

func (m *MemoryStore) DeleteUserMemberships(ctx context.Context, orgID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []string
	for email, u := range m.users {
		kept := u.Memberships[:0]
		removed := false
		for _, mem := range u.Memberships {
			if mem.OrganizationID == orgID {
				removed = true
				continue
			}
			kept = append(kept, mem)
		}
		if removed {
			u.Memberships = kept
			if u.PrimaryOrganizationID == orgID {
				u.PrimaryOrganizationID = ""
			}
			affected = append(affected, email)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

func (m *MemoryStore) CountMembers(ctx context.Context, orgID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, u := range m.users {
		if u.InOrganization(orgID) {
			n++
		}
	}
	return n, nil
}

// ── API keys ────────────────────────────────────────────────

func (m *MemoryStore) GetApiKeyByHash(ctx context.Context, keyHash string) (*models.ApiKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, notFound("api_key", "by hash")
}

func (m *MemoryStore) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.apiKeys[key.ID] = &cp
	return nil
}

// ── Collections ─────────────────────────────────────────────

func collectionKey(orgID, readableID string) string { return orgID + "/" + readableID }

func (m *MemoryStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.collections {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, notFound("collection", id)
}

func (m *MemoryStore) GetCollectionByReadableID(ctx context.Context, orgID, readableID string) (*models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collectionKey(orgID, readableID)]
	if !ok {
		return nil, notFound("collection", readableID)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCollection(ctx context.Context, c *models.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.collections[collectionKey(c.OrganizationID, c.ReadableID)] = &cp
	return nil
}

func (m *MemoryStore) UpdateCollection(ctx context.Context, c *models.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collectionKey(c.OrganizationID, c.ReadableID)
	if _, ok := m.collections[key]; !ok {
		return notFound("collection", c.ReadableID)
	}
	cp := *c
	cp.ModifiedAt = time.Now().UTC()
	m.collections[key] = &cp
	return nil
}

// ── Connections & credentials ───────────────────────────────

func (m *MemoryStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, notFound("connection", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateConnection(ctx context.Context, c *models.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.connections[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, id string) (*models.IntegrationCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, notFound("integration_credential", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateCredential(ctx context.Context, c *models.IntegrationCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.credentials[c.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateCredential(ctx context.Context, c *models.IntegrationCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[c.ID]; !ok {
		return notFound("integration_credential", c.ID)
	}
	cp := *c
	m.credentials[c.ID] = &cp
	return nil
}

// ── OAuth handshake rows ────────────────────────────────────

func (m *MemoryStore) CreateInitSession(ctx context.Context, s *models.ConnectionInitSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.initSessions[s.ID] = &cp
	m.initByState[s.State] = s.ID
	return nil
}

func (m *MemoryStore) GetInitSessionByState(ctx context.Context, state string) (*models.ConnectionInitSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.initByState[state]
	if !ok {
		return nil, notFound("connection_init_session", "by state")
	}
	s, ok := m.initSessions[id]
	if !ok {
		return nil, notFound("connection_init_session", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateInitSession(ctx context.Context, s *models.ConnectionInitSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.initSessions[s.ID]; !ok {
		return notFound("connection_init_session", s.ID)
	}
	cp := *s
	m.initSessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateRedirectSession(ctx context.Context, s *models.RedirectSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.redirects[s.Code] = &cp
	return nil
}

func (m *MemoryStore) GetRedirectSession(ctx context.Context, code string) (*models.RedirectSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.redirects[code]
	if !ok {
		return nil, notFound("redirect_session", code)
	}
	cp := *s
	return &cp, nil
}

// ── Source connections ──────────────────────────────────────

func (m *MemoryStore) GetSourceConnection(ctx context.Context, orgID, id string) (*models.SourceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.sourceConns[id]
	if !ok || sc.OrganizationID != orgID {
		return nil, notFound("source_connection", id)
	}
	cp := *sc
	return &cp, nil
}

func (m *MemoryStore) ListSourceConnections(ctx context.Context, orgID string) ([]models.SourceConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SourceConnection
	for _, sc := range m.sourceConns {
		if sc.OrganizationID == orgID {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateSourceConnection(ctx context.Context, sc *models.SourceConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sc
	m.sourceConns[sc.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSourceConnection(ctx context.Context, sc *models.SourceConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sourceConns[sc.ID]; !ok {
		return notFound("source_connection", sc.ID)
	}
	cp := *sc
	cp.ModifiedAt = time.Now().UTC()
	m.sourceConns[sc.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSourceConnection(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.sourceConns[id]
	if !ok || sc.OrganizationID != orgID {
		return notFound("source_connection", id)
	}
	delete(m.sourceConns, id)
	// Memberships cascade with their source connection.
	for k, am := range m.memberships {
		if am.SourceConnectionID == id {
			delete(m.memberships, k)
		}
	}
	return nil
}

func (m *MemoryStore) CountSourceConnections(ctx context.Context, orgID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, sc := range m.sourceConns {
		if sc.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

// ── Syncs & jobs ────────────────────────────────────────────

func (m *MemoryStore) GetSync(ctx context.Context, id string) (*models.Sync, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.syncs[id]
	if !ok {
		return nil, notFound("sync", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateSync(ctx context.Context, s *models.Sync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.syncs[s.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSync(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncs[id]; !ok {
		return notFound("sync", id)
	}
	delete(m.syncs, id)
	delete(m.cursors, id)
	for k, e := range m.entities {
		if e.SyncID == id {
			delete(m.entities, k)
		}
	}
	for k, c := range m.entityCounts {
		if c.SyncID == id {
			delete(m.entityCounts, k)
		}
	}
	return nil
}

func (m *MemoryStore) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.syncJobs[id]
	if !ok {
		return nil, notFound("sync_job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) CreateSyncJob(ctx context.Context, j *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.syncJobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateSyncJob(ctx context.Context, j *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncJobs[j.ID]; !ok {
		return notFound("sync_job", j.ID)
	}
	cp := *j
	m.syncJobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSyncJobs(ctx context.Context, syncID string, limit int) ([]models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SyncJob
	for _, j := range m.syncJobs {
		if j.SyncID == syncID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ActiveSyncJob(ctx context.Context, syncID string) (*models.SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.syncJobs {
		if j.SyncID != syncID {
			continue
		}
		switch j.Status {
		case models.SyncJobPending, models.SyncJobRunning, models.SyncJobCancelling:
			cp := *j
			return &cp, nil
		}
	}
	return nil, notFound("sync_job", "active for sync "+syncID)
}

// ── Cursors ─────────────────────────────────────────────────

func (m *MemoryStore) GetCursor(ctx context.Context, syncID string) (*models.SyncCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[syncID]
	if !ok {
		return nil, notFound("sync_cursor", syncID)
	}
	cp := *c
	cp.Data = cloneAnyMap(c.Data)
	return &cp, nil
}

func (m *MemoryStore) UpsertCursor(ctx context.Context, c *models.SyncCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Data = cloneAnyMap(c.Data)
	cp.UpdatedAt = time.Now().UTC()
	m.cursors[c.SyncID] = &cp
	return nil
}

// ── Entities ────────────────────────────────────────────────

func (m *MemoryStore) GetEntitiesBatch(ctx context.Context, syncID, definitionID string, entityIDs []string) (map[string]*models.StoredEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = true
	}
	out := make(map[string]*models.StoredEntity)
	for _, e := range m.entities {
		if e.SyncID == syncID && e.DefinitionID == definitionID && want[e.EntityID] {
			cp := *e
			out[e.EntityID] = &cp
		}
	}
	return out, nil
}

func (m *MemoryStore) BulkCreateEntities(ctx context.Context, rows []*models.StoredEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		cp := *r
		m.entities[r.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) BulkUpdateEntityHash(ctx context.Context, rows []*models.StoredEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		existing, ok := m.entities[r.ID]
		if !ok {
			return notFound("entity", r.ID)
		}
		existing.Hash = r.Hash
		existing.ChunkCount = r.ChunkCount
		existing.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) BulkRemoveEntities(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entities, id)
	}
	return nil
}

func (m *MemoryStore) ListEntityIDsBySync(ctx context.Context, syncID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, e := range m.entities {
		if e.SyncID == syncID {
			out = append(out, e.EntityID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) ListEntitiesBySync(ctx context.Context, syncID string) ([]models.StoredEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.StoredEntity
	for _, e := range m.entities {
		if e.SyncID == syncID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *MemoryStore) FindCollectionDuplicate(ctx context.Context, collectionID, excludeSyncID, entityID, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entities {
		if e.CollectionID == collectionID && e.SyncID != excludeSyncID &&
			e.EntityID == entityID && e.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) UpsertEntityCount(ctx context.Context, row *models.EntityCountRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.entityCounts[row.SyncID+"/"+row.DefinitionID] = &cp
	return nil
}

func (m *MemoryStore) ListEntityCounts(ctx context.Context, syncID string) ([]models.EntityCountRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EntityCountRow
	for _, c := range m.entityCounts {
		if c.SyncID == syncID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DefinitionID < out[j].DefinitionID })
	return out, nil
}

// ── Access control ──────────────────────────────────────────

func membershipKey(orgID, scID string, t models.MembershipTuple) string {
	return orgID + "\x00" + scID + "\x00" + t.Key()
}

func (m *MemoryStore) BulkUpsertMemberships(ctx context.Context, rows []models.AccessControlMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		tuple := models.MembershipTuple{MemberID: r.MemberID, MemberType: r.MemberType, GroupID: r.GroupID}
		key := membershipKey(r.OrganizationID, r.SourceConnectionID, tuple)
		if existing, ok := m.memberships[key]; ok {
			existing.GroupName = r.GroupName
			continue
		}
		cp := r
		m.memberships[key] = &cp
	}
	return nil
}

func (m *MemoryStore) DeleteMembershipByKey(ctx context.Context, orgID, sourceConnectionID string, tuple models.MembershipTuple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memberships, membershipKey(orgID, sourceConnectionID, tuple))
	return nil
}

func (m *MemoryStore) DeleteMembershipOrphans(ctx context.Context, orgID, sourceConnectionID string, seen map[string]bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for key, am := range m.memberships {
		if am.OrganizationID != orgID || am.SourceConnectionID != sourceConnectionID {
			continue
		}
		tuple := models.MembershipTuple{MemberID: am.MemberID, MemberType: am.MemberType, GroupID: am.GroupID}
		if !seen[tuple.Key()] {
			delete(m.memberships, key)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) ListMemberships(ctx context.Context, orgID, sourceConnectionID string) ([]models.AccessControlMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AccessControlMembership
	for _, am := range m.memberships {
		if am.OrganizationID == orgID && am.SourceConnectionID == sourceConnectionID {
			out = append(out, *am)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti := models.MembershipTuple{MemberID: out[i].MemberID, MemberType: out[i].MemberType, GroupID: out[i].GroupID}
		tj := models.MembershipTuple{MemberID: out[j].MemberID, MemberType: out[j].MemberType, GroupID: out[j].GroupID}
		return ti.Key() < tj.Key()
	})
	return out, nil
}

// ── Billing & usage ─────────────────────────────────────────

func (m *MemoryStore) CurrentBillingPeriod(ctx context.Context, orgID string) (*models.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now().UTC()
	for _, p := range m.billingPeriods {
		if p.OrganizationID == orgID && !now.Before(p.PeriodStart) && now.Before(p.PeriodEnd) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFound("billing_period", "current for org "+orgID)
}

func (m *MemoryStore) GetBillingPeriod(ctx context.Context, id string) (*models.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.billingPeriods[id]
	if !ok {
		return nil, notFound("billing_period", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListBillingPeriods(ctx context.Context, orgID string, limit int) ([]models.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.BillingPeriod
	for _, p := range m.billingPeriods {
		if p.OrganizationID == orgID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateBillingPeriod(ctx context.Context, p *models.BillingPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.billingPeriods[p.ID] = &cp
	m.usage[p.ID] = &models.Usage{BillingPeriodID: p.ID, OrganizationID: p.OrganizationID}
	return nil
}

func (m *MemoryStore) GetUsage(ctx context.Context, billingPeriodID string) (*models.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[billingPeriodID]
	if !ok {
		return nil, notFound("usage", billingPeriodID)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) AddUsage(ctx context.Context, billingPeriodID string, action models.UsageAction, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[billingPeriodID]
	if !ok {
		return notFound("usage", billingPeriodID)
	}
	u.Add(action, n)
	return nil
}

// ── OAuth 2.1 provider ──────────────────────────────────────

func (m *MemoryStore) GetOAuthClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.oauthClients[clientID]
	if !ok {
		return nil, notFound("oauth_client", clientID)
	}
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	return &cp, nil
}

func (m *MemoryStore) CreateOAuthClient(ctx context.Context, c *models.OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	m.oauthClients[c.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateAuthorizationCode(ctx context.Context, c *models.OAuthAuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.oauthCodes[c.Code] = &cp
	return nil
}

func (m *MemoryStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*models.OAuthAuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.oauthCodes[code]
	if !ok || c.Used {
		return nil, notFound("oauth_authorization_code", "presented code")
	}
	c.Used = true
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CreateAccessToken(ctx context.Context, t *models.OAuthAccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.oauthTokens[t.TokenHash] = &cp
	return nil
}

func (m *MemoryStore) GetAccessToken(ctx context.Context, tokenHash string) (*models.OAuthAccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.oauthTokens[tokenHash]
	if !ok {
		return nil, notFound("oauth_access_token", "by hash")
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) RevokeAccessToken(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.oauthTokens[tokenHash]
	if !ok {
		return notFound("oauth_access_token", "by hash")
	}
	t.Revoked = true
	return nil
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

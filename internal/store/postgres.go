package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("postgres store ready")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close() error                   { s.pool.Close(); return nil }

// Pool exposes the underlying connection pool so co-located components
// (e.g. the pgvector destination) can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		auth0_org_id TEXT NOT NULL DEFAULT '',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		enabled_features JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		primary_organization_id TEXT NOT NULL DEFAULT '',
		memberships JSONB NOT NULL DEFAULT '[]',
		last_active_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		created_by_email TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		readable_id TEXT NOT NULL,
		name TEXT NOT NULL,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		vector_size INT NOT NULL DEFAULT 0,
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL,
		UNIQUE (organization_id, readable_id)
	)`,
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		short_name TEXT NOT NULL,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		credential_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS integration_credentials (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		short_name TEXT NOT NULL,
		authentication_method TEXT NOT NULL,
		config_class TEXT NOT NULL DEFAULT '',
		encrypted_blob TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS connection_init_sessions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		short_name TEXT NOT NULL,
		state TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		overrides JSONB NOT NULL DEFAULT '{}',
		redirect_session_id TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS redirect_sessions (
		code TEXT PRIMARY KEY,
		target_url TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS source_connections (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		short_name TEXT NOT NULL,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		readable_collection_id TEXT NOT NULL,
		connection_id TEXT NOT NULL DEFAULT '',
		sync_id TEXT NOT NULL DEFAULT '',
		is_authenticated BOOLEAN NOT NULL DEFAULT FALSE,
		authentication_method TEXT NOT NULL,
		config_fields JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		status TEXT NOT NULL,
		schedule TEXT NOT NULL DEFAULT '',
		last_sync_job_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS syncs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		source_connection_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		cron_schedule TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_jobs (
		id TEXT PRIMARY KEY,
		sync_id TEXT NOT NULL,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		counters JSONB NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sync_jobs_sync_idx ON sync_jobs (sync_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		sync_id TEXT PRIMARY KEY,
		cursor_field TEXT NOT NULL DEFAULT '',
		data JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		sync_id TEXT NOT NULL,
		collection_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		hash TEXT NOT NULL,
		chunk_count INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (organization_id, sync_id, definition_id, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS entities_collection_dedup_idx ON entities (collection_id, entity_id, hash)`,
	`CREATE INDEX IF NOT EXISTS entities_sync_idx ON entities (sync_id)`,
	`CREATE TABLE IF NOT EXISTS entity_counts (
		sync_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (sync_id, definition_id)
	)`,
	`CREATE TABLE IF NOT EXISTS access_control_memberships (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		source_connection_id TEXT NOT NULL REFERENCES source_connections(id) ON DELETE CASCADE,
		member_id TEXT NOT NULL,
		member_type TEXT NOT NULL,
		group_id TEXT NOT NULL,
		group_name TEXT NOT NULL DEFAULT '',
		source_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (organization_id, member_id, member_type, group_id, source_connection_id)
	)`,
	`CREATE TABLE IF NOT EXISTS billing_periods (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		plan TEXT NOT NULL,
		status TEXT NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage (
		billing_period_id TEXT PRIMARY KEY REFERENCES billing_periods(id) ON DELETE CASCADE,
		organization_id TEXT NOT NULL,
		entities BIGINT NOT NULL DEFAULT 0,
		queries BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		redirect_uris JSONB NOT NULL DEFAULT '[]',
		public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
		code TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		user_email TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		code_challenge TEXT NOT NULL DEFAULT '',
		scope TEXT NOT NULL DEFAULT '',
		used BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_access_tokens (
		token_hash TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		user_email TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
}

func wrapNotFound(err error, entity, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(entity, key)
	}
	return err
}

// ── Organizations ───────────────────────────────────────────

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	var features []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, auth0_org_id, stripe_customer_id, enabled_features, created_at, modified_at
		 FROM organizations WHERE id = $1`, id).
		Scan(&org.ID, &org.Name, &org.Auth0OrgID, &org.StripeCustomerID, &features, &org.CreatedAt, &org.ModifiedAt)
	if err != nil {
		return nil, wrapNotFound(err, "organization", id)
	}
	_ = json.Unmarshal(features, &org.EnabledFeatures)
	return &org, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	features, _ := json.Marshal(org.EnabledFeatures)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, auth0_org_id, stripe_customer_id, enabled_features, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org.ID, org.Name, org.Auth0OrgID, org.StripeCustomerID, features, org.CreatedAt, org.ModifiedAt)
	return err
}

func (s *PostgresStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	features, _ := json.Marshal(org.EnabledFeatures)
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET name = $2, auth0_org_id = $3, stripe_customer_id = $4,
		 enabled_features = $5, modified_at = now() WHERE id = $1`,
		org.ID, org.Name, org.Auth0OrgID, org.StripeCustomerID, features)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("organization", org.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteOrganization(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("organization", id)
	}
	return nil
}

// ── Users ───────────────────────────────────────────────────

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	var memberships []byte
	var lastActive *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT email, id, full_name, primary_organization_id, memberships, last_active_at, created_at
		 FROM users WHERE email = $1`, email).
		Scan(&u.Email, &u.ID, &u.FullName, &u.PrimaryOrganizationID, &memberships, &lastActive, &u.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "user", email)
	}
	_ = json.Unmarshal(memberships, &u.Memberships)
	if lastActive != nil {
		u.LastActiveAt = *lastActive
	}
	return &u, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user *models.User) error {
	memberships, _ := json.Marshal(user.Memberships)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (email, id, full_name, primary_organization_id, memberships, last_active_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (email) DO UPDATE SET
		   full_name = EXCLUDED.full_name,
		   primary_organization_id = EXCLUDED.primary_organization_id,
		   memberships = EXCLUDED.memberships,
		   last_active_at = EXCLUDED.last_active_at`,
		user.Email, user.ID, user.FullName, user.PrimaryOrganizationID, memberships, user.LastActiveAt, user.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteUserMemberships(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT email, memberships, primary_organization_id FROM users
		 WHERE memberships @> $1::jsonb`,
		fmt.Sprintf(`[{"organization_id": %q}]`, orgID))
	if err != nil {
		return nil, err
	}
	type pending struct {
		email       string
		memberships []models.Membership
		primary     string
	}
	var updates []pending
	for rows.Next() {
		var p pending
		var raw []byte
		if err := rows.Scan(&p.email, &raw, &p.primary); err != nil {
			rows.Close()
			return nil, err
		}
		var all []models.Membership
		_ = json.Unmarshal(raw, &all)
		for _, mem := range all {
			if mem.OrganizationID != orgID {
				p.memberships = append(p.memberships, mem)
			}
		}
		if p.primary == orgID {
			p.primary = ""
		}
		updates = append(updates, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var affected []string
	for _, p := range updates {
		memberships, _ := json.Marshal(p.memberships)
		if _, err := s.pool.Exec(ctx,
			`UPDATE users SET memberships = $2, primary_organization_id = $3 WHERE email = $1`,
			p.email, memberships, p.primary); err != nil {
			return affected, err
		}
		affected = append(affected, p.email)
	}
	return affected, nil
}

func (s *PostgresStore) CountMembers(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE memberships @> $1::jsonb`,
		fmt.Sprintf(`[{"organization_id": %q}]`, orgID)).Scan(&n)
	return n, err
}

// ── API keys ────────────────────────────────────────────────

func (s *PostgresStore) GetApiKeyByHash(ctx context.Context, keyHash string) (*models.ApiKey, error) {
	var k models.ApiKey
	var expires *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, key_hash, organization_id, created_by_email, expires_at, created_at
		 FROM api_keys WHERE key_hash = $1`, keyHash).
		Scan(&k.ID, &k.KeyHash, &k.OrganizationID, &k.CreatedByEmail, &expires, &k.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "api_key", "by hash")
	}
	if expires != nil {
		k.ExpiresAt = *expires
	}
	return &k, nil
}

func (s *PostgresStore) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, key_hash, organization_id, created_by_email, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.KeyHash, key.OrganizationID, key.CreatedByEmail, key.ExpiresAt, key.CreatedAt)
	return err
}

// ── Collections ─────────────────────────────────────────────

func (s *PostgresStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	var c models.Collection
	err := s.pool.QueryRow(ctx,
		`SELECT id, readable_id, name, organization_id, vector_size, embedding_model, created_at, modified_at
		 FROM collections WHERE id = $1`, id).
		Scan(&c.ID, &c.ReadableID, &c.Name, &c.OrganizationID, &c.VectorSize, &c.EmbeddingModel, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		return nil, wrapNotFound(err, "collection", id)
	}
	return &c, nil
}

func (s *PostgresStore) GetCollectionByReadableID(ctx context.Context, orgID, readableID string) (*models.Collection, error) {
	var c models.Collection
	err := s.pool.QueryRow(ctx,
		`SELECT id, readable_id, name, organization_id, vector_size, embedding_model, created_at, modified_at
		 FROM collections WHERE organization_id = $1 AND readable_id = $2`, orgID, readableID).
		Scan(&c.ID, &c.ReadableID, &c.Name, &c.OrganizationID, &c.VectorSize, &c.EmbeddingModel, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		return nil, wrapNotFound(err, "collection", readableID)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCollection(ctx context.Context, c *models.Collection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO collections (id, readable_id, name, organization_id, vector_size, embedding_model, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.ReadableID, c.Name, c.OrganizationID, c.VectorSize, c.EmbeddingModel, c.CreatedAt, c.ModifiedAt)
	return err
}

func (s *PostgresStore) UpdateCollection(ctx context.Context, c *models.Collection) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE collections SET name = $3, vector_size = $4, embedding_model = $5, modified_at = now()
		 WHERE organization_id = $1 AND readable_id = $2`,
		c.OrganizationID, c.ReadableID, c.Name, c.VectorSize, c.EmbeddingModel)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("collection", c.ReadableID)
	}
	return nil
}

// ── Connections & credentials ───────────────────────────────

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var c models.Connection
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, kind, short_name, organization_id, credential_id, created_at
		 FROM connections WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Kind, &c.ShortName, &c.OrganizationID, &c.CredentialID, &c.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "connection", id)
	}
	return &c, nil
}

func (s *PostgresStore) CreateConnection(ctx context.Context, c *models.Connection) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO connections (id, name, kind, short_name, organization_id, credential_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Name, c.Kind, c.ShortName, c.OrganizationID, c.CredentialID, c.CreatedAt)
	return err
}

func (s *PostgresStore) GetCredential(ctx context.Context, id string) (*models.IntegrationCredential, error) {
	var c models.IntegrationCredential
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, short_name, authentication_method, config_class, encrypted_blob, created_at
		 FROM integration_credentials WHERE id = $1`, id).
		Scan(&c.ID, &c.OrganizationID, &c.ShortName, &c.AuthenticationMethod, &c.ConfigClass, &c.EncryptedBlob, &c.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "integration_credential", id)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCredential(ctx context.Context, c *models.IntegrationCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO integration_credentials (id, organization_id, short_name, authentication_method, config_class, encrypted_blob, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OrganizationID, c.ShortName, c.AuthenticationMethod, c.ConfigClass, c.EncryptedBlob, c.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, c *models.IntegrationCredential) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE integration_credentials SET encrypted_blob = $2, authentication_method = $3 WHERE id = $1`,
		c.ID, c.EncryptedBlob, c.AuthenticationMethod)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("integration_credential", c.ID)
	}
	return nil
}

// ── OAuth handshake rows ────────────────────────────────────

func (s *PostgresStore) CreateInitSession(ctx context.Context, sess *models.ConnectionInitSession) error {
	payload, _ := json.Marshal(sess.Payload)
	overrides, _ := json.Marshal(sess.Overrides)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO connection_init_sessions (id, organization_id, short_name, state, status, payload, overrides, redirect_session_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, sess.OrganizationID, sess.ShortName, sess.State, sess.Status, payload, overrides, sess.RedirectSessionID, sess.ExpiresAt, sess.CreatedAt)
	return err
}

func (s *PostgresStore) GetInitSessionByState(ctx context.Context, state string) (*models.ConnectionInitSession, error) {
	var sess models.ConnectionInitSession
	var payload, overrides []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, short_name, state, status, payload, overrides, redirect_session_id, expires_at, created_at
		 FROM connection_init_sessions WHERE state = $1`, state).
		Scan(&sess.ID, &sess.OrganizationID, &sess.ShortName, &sess.State, &sess.Status, &payload, &overrides, &sess.RedirectSessionID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "connection_init_session", "by state")
	}
	_ = json.Unmarshal(payload, &sess.Payload)
	_ = json.Unmarshal(overrides, &sess.Overrides)
	return &sess, nil
}

func (s *PostgresStore) UpdateInitSession(ctx context.Context, sess *models.ConnectionInitSession) error {
	payload, _ := json.Marshal(sess.Payload)
	overrides, _ := json.Marshal(sess.Overrides)
	tag, err := s.pool.Exec(ctx,
		`UPDATE connection_init_sessions SET status = $2, payload = $3, overrides = $4, redirect_session_id = $5
		 WHERE id = $1`,
		sess.ID, sess.Status, payload, overrides, sess.RedirectSessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("connection_init_session", sess.ID)
	}
	return nil
}

func (s *PostgresStore) CreateRedirectSession(ctx context.Context, sess *models.RedirectSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO redirect_sessions (code, target_url, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		sess.Code, sess.TargetURL, sess.ExpiresAt, sess.CreatedAt)
	return err
}

func (s *PostgresStore) GetRedirectSession(ctx context.Context, code string) (*models.RedirectSession, error) {
	var sess models.RedirectSession
	err := s.pool.QueryRow(ctx,
		`SELECT code, target_url, expires_at, created_at FROM redirect_sessions WHERE code = $1`, code).
		Scan(&sess.Code, &sess.TargetURL, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "redirect_session", code)
	}
	return &sess, nil
}

// ── Source connections ──────────────────────────────────────

const sourceConnCols = `id, name, short_name, organization_id, readable_collection_id, connection_id, sync_id,
	is_authenticated, authentication_method, config_fields, is_active, status, schedule, last_sync_job_id,
	created_at, modified_at`

func scanSourceConnection(row pgx.Row) (*models.SourceConnection, error) {
	var sc models.SourceConnection
	var configFields []byte
	err := row.Scan(&sc.ID, &sc.Name, &sc.ShortName, &sc.OrganizationID, &sc.ReadableCollectionID,
		&sc.ConnectionID, &sc.SyncID, &sc.IsAuthenticated, &sc.AuthenticationMethod, &configFields,
		&sc.IsActive, &sc.Status, &sc.Schedule, &sc.LastSyncJobID, &sc.CreatedAt, &sc.ModifiedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(configFields, &sc.ConfigFields)
	return &sc, nil
}

func (s *PostgresStore) GetSourceConnection(ctx context.Context, orgID, id string) (*models.SourceConnection, error) {
	sc, err := scanSourceConnection(s.pool.QueryRow(ctx,
		`SELECT `+sourceConnCols+` FROM source_connections WHERE organization_id = $1 AND id = $2`, orgID, id))
	if err != nil {
		return nil, wrapNotFound(err, "source_connection", id)
	}
	return sc, nil
}

func (s *PostgresStore) ListSourceConnections(ctx context.Context, orgID string) ([]models.SourceConnection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceConnCols+` FROM source_connections WHERE organization_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SourceConnection
	for rows.Next() {
		sc, err := scanSourceConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSourceConnection(ctx context.Context, sc *models.SourceConnection) error {
	configFields, _ := json.Marshal(sc.ConfigFields)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_connections (`+sourceConnCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		sc.ID, sc.Name, sc.ShortName, sc.OrganizationID, sc.ReadableCollectionID, sc.ConnectionID, sc.SyncID,
		sc.IsAuthenticated, sc.AuthenticationMethod, configFields, sc.IsActive, sc.Status, sc.Schedule,
		sc.LastSyncJobID, sc.CreatedAt, sc.ModifiedAt)
	return err
}

func (s *PostgresStore) UpdateSourceConnection(ctx context.Context, sc *models.SourceConnection) error {
	configFields, _ := json.Marshal(sc.ConfigFields)
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_connections SET name = $2, connection_id = $3, sync_id = $4, is_authenticated = $5,
		 authentication_method = $6, config_fields = $7, is_active = $8, status = $9, schedule = $10,
		 last_sync_job_id = $11, modified_at = now() WHERE id = $1`,
		sc.ID, sc.Name, sc.ConnectionID, sc.SyncID, sc.IsAuthenticated, sc.AuthenticationMethod,
		configFields, sc.IsActive, sc.Status, sc.Schedule, sc.LastSyncJobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("source_connection", sc.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteSourceConnection(ctx context.Context, orgID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM source_connections WHERE organization_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("source_connection", id)
	}
	return nil
}

func (s *PostgresStore) CountSourceConnections(ctx context.Context, orgID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM source_connections WHERE organization_id = $1`, orgID).Scan(&n)
	return n, err
}

// ── Syncs & jobs ────────────────────────────────────────────

func (s *PostgresStore) GetSync(ctx context.Context, id string) (*models.Sync, error) {
	var sy models.Sync
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, organization_id, source_connection_id, collection_id, cron_schedule, created_at
		 FROM syncs WHERE id = $1`, id).
		Scan(&sy.ID, &sy.Name, &sy.OrganizationID, &sy.SourceConnectionID, &sy.CollectionID, &sy.CronSchedule, &sy.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "sync", id)
	}
	return &sy, nil
}

func (s *PostgresStore) CreateSync(ctx context.Context, sy *models.Sync) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO syncs (id, name, organization_id, source_connection_id, collection_id, cron_schedule, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sy.ID, sy.Name, sy.OrganizationID, sy.SourceConnectionID, sy.CollectionID, sy.CronSchedule, sy.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteSync(ctx context.Context, id string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM entities WHERE sync_id = $1`, id)
	batch.Queue(`DELETE FROM entity_counts WHERE sync_id = $1`, id)
	batch.Queue(`DELETE FROM sync_cursors WHERE sync_id = $1`, id)
	batch.Queue(`DELETE FROM syncs WHERE id = $1`, id)
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < 3; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	tag, err := br.Exec()
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("sync", id)
	}
	return nil
}

func (s *PostgresStore) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	return s.scanSyncJob(s.pool.QueryRow(ctx,
		`SELECT id, sync_id, organization_id, status, counters, error, started_at, completed_at, created_at
		 FROM sync_jobs WHERE id = $1`, id), id)
}

func (s *PostgresStore) scanSyncJob(row pgx.Row, key string) (*models.SyncJob, error) {
	var j models.SyncJob
	var counters []byte
	var started, completed *time.Time
	err := row.Scan(&j.ID, &j.SyncID, &j.OrganizationID, &j.Status, &counters, &j.Error, &started, &completed, &j.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "sync_job", key)
	}
	_ = json.Unmarshal(counters, &j.Counters)
	if started != nil {
		j.StartedAt = *started
	}
	if completed != nil {
		j.CompletedAt = *completed
	}
	return &j, nil
}

func (s *PostgresStore) CreateSyncJob(ctx context.Context, j *models.SyncJob) error {
	counters, _ := json.Marshal(j.Counters)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_jobs (id, sync_id, organization_id, status, counters, error, started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '0001-01-01T00:00:00Z'::timestamptz), NULLIF($8, '0001-01-01T00:00:00Z'::timestamptz), $9)`,
		j.ID, j.SyncID, j.OrganizationID, j.Status, counters, j.Error, j.StartedAt, j.CompletedAt, j.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateSyncJob(ctx context.Context, j *models.SyncJob) error {
	counters, _ := json.Marshal(j.Counters)
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $2, counters = $3, error = $4,
		 started_at = NULLIF($5, '0001-01-01T00:00:00Z'::timestamptz),
		 completed_at = NULLIF($6, '0001-01-01T00:00:00Z'::timestamptz)
		 WHERE id = $1`,
		j.ID, j.Status, counters, j.Error, j.StartedAt, j.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("sync_job", j.ID)
	}
	return nil
}

func (s *PostgresStore) ListSyncJobs(ctx context.Context, syncID string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, sync_id, organization_id, status, counters, error, started_at, completed_at, created_at
		 FROM sync_jobs WHERE sync_id = $1 ORDER BY created_at DESC LIMIT $2`, syncID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SyncJob
	for rows.Next() {
		j, err := s.scanSyncJob(rows, syncID)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveSyncJob(ctx context.Context, syncID string) (*models.SyncJob, error) {
	return s.scanSyncJob(s.pool.QueryRow(ctx,
		`SELECT id, sync_id, organization_id, status, counters, error, started_at, completed_at, created_at
		 FROM sync_jobs WHERE sync_id = $1 AND status IN ('PENDING', 'RUNNING', 'CANCELLING')
		 ORDER BY created_at DESC LIMIT 1`, syncID), "active for sync "+syncID)
}

// ── Cursors ─────────────────────────────────────────────────

func (s *PostgresStore) GetCursor(ctx context.Context, syncID string) (*models.SyncCursor, error) {
	var c models.SyncCursor
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT sync_id, cursor_field, data, updated_at FROM sync_cursors WHERE sync_id = $1`, syncID).
		Scan(&c.SyncID, &c.CursorField, &data, &c.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "sync_cursor", syncID)
	}
	_ = json.Unmarshal(data, &c.Data)
	return &c, nil
}

func (s *PostgresStore) UpsertCursor(ctx context.Context, c *models.SyncCursor) error {
	data, _ := json.Marshal(c.Data)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_cursors (sync_id, cursor_field, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (sync_id) DO UPDATE SET cursor_field = EXCLUDED.cursor_field,
		   data = EXCLUDED.data, updated_at = now()`,
		c.SyncID, c.CursorField, data)
	return err
}

// ── Entities ────────────────────────────────────────────────

func (s *PostgresStore) GetEntitiesBatch(ctx context.Context, syncID, definitionID string, entityIDs []string) (map[string]*models.StoredEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, sync_id, collection_id, definition_id, entity_id, hash, chunk_count, updated_at
		 FROM entities WHERE sync_id = $1 AND definition_id = $2 AND entity_id = ANY($3)`,
		syncID, definitionID, entityIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*models.StoredEntity)
	for rows.Next() {
		var e models.StoredEntity
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.SyncID, &e.CollectionID, &e.DefinitionID,
			&e.EntityID, &e.Hash, &e.ChunkCount, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out[e.EntityID] = &e
	}
	return out, rows.Err()
}

func (s *PostgresStore) BulkCreateEntities(ctx context.Context, rows []*models.StoredEntity) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO entities (id, organization_id, sync_id, collection_id, definition_id, entity_id, hash, chunk_count, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			 ON CONFLICT (organization_id, sync_id, definition_id, entity_id)
			 DO UPDATE SET hash = EXCLUDED.hash, chunk_count = EXCLUDED.chunk_count, updated_at = now()`,
			r.ID, r.OrganizationID, r.SyncID, r.CollectionID, r.DefinitionID, r.EntityID, r.Hash, r.ChunkCount)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) BulkUpdateEntityHash(ctx context.Context, rows []*models.StoredEntity) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`UPDATE entities SET hash = $2, chunk_count = $3, updated_at = now() WHERE id = $1`,
			r.ID, r.Hash, r.ChunkCount)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) BulkRemoveEntities(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE id = ANY($1)`, ids)
	return err
}

func (s *PostgresStore) ListEntityIDsBySync(ctx context.Context, syncID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT entity_id FROM entities WHERE sync_id = $1 ORDER BY entity_id`, syncID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEntitiesBySync(ctx context.Context, syncID string) ([]models.StoredEntity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, sync_id, collection_id, definition_id, entity_id, hash, chunk_count, updated_at
		 FROM entities WHERE sync_id = $1 ORDER BY entity_id`, syncID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StoredEntity
	for rows.Next() {
		var e models.StoredEntity
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.SyncID, &e.CollectionID, &e.DefinitionID,
			&e.EntityID, &e.Hash, &e.ChunkCount, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindCollectionDuplicate(ctx context.Context, collectionID, excludeSyncID, entityID, hash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM entities
		   WHERE collection_id = $1 AND entity_id = $2 AND hash = $3 AND sync_id <> $4
		 )`, collectionID, entityID, hash, excludeSyncID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) UpsertEntityCount(ctx context.Context, row *models.EntityCountRow) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_counts (sync_id, definition_id, count) VALUES ($1, $2, $3)
		 ON CONFLICT (sync_id, definition_id) DO UPDATE SET count = EXCLUDED.count`,
		row.SyncID, row.DefinitionID, row.Count)
	return err
}

func (s *PostgresStore) ListEntityCounts(ctx context.Context, syncID string) ([]models.EntityCountRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sync_id, definition_id, count FROM entity_counts WHERE sync_id = $1 ORDER BY definition_id`, syncID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.EntityCountRow
	for rows.Next() {
		var c models.EntityCountRow
		if err := rows.Scan(&c.SyncID, &c.DefinitionID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ── Access control ──────────────────────────────────────────

func (s *PostgresStore) BulkUpsertMemberships(ctx context.Context, rows []models.AccessControlMembership) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO access_control_memberships (id, organization_id, source_connection_id, member_id, member_type, group_id, group_name, source_name, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
			 ON CONFLICT (organization_id, member_id, member_type, group_id, source_connection_id)
			 DO UPDATE SET group_name = EXCLUDED.group_name`,
			r.ID, r.OrganizationID, r.SourceConnectionID, r.MemberID, r.MemberType, r.GroupID, r.GroupName, r.SourceName)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) DeleteMembershipByKey(ctx context.Context, orgID, sourceConnectionID string, tuple models.MembershipTuple) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM access_control_memberships
		 WHERE organization_id = $1 AND source_connection_id = $2 AND member_id = $3 AND member_type = $4 AND group_id = $5`,
		orgID, sourceConnectionID, tuple.MemberID, tuple.MemberType, tuple.GroupID)
	return err
}

func (s *PostgresStore) DeleteMembershipOrphans(ctx context.Context, orgID, sourceConnectionID string, seen map[string]bool) (int64, error) {
	existing, err := s.ListMemberships(ctx, orgID, sourceConnectionID)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, am := range existing {
		tuple := models.MembershipTuple{MemberID: am.MemberID, MemberType: am.MemberType, GroupID: am.GroupID}
		if seen[tuple.Key()] {
			continue
		}
		if err := s.DeleteMembershipByKey(ctx, orgID, sourceConnectionID, tuple); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, orgID, sourceConnectionID string) ([]models.AccessControlMembership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, source_connection_id, member_id, member_type, group_id, group_name, source_name, created_at
		 FROM access_control_memberships WHERE organization_id = $1 AND source_connection_id = $2
		 ORDER BY member_id, member_type, group_id`, orgID, sourceConnectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AccessControlMembership
	for rows.Next() {
		var am models.AccessControlMembership
		if err := rows.Scan(&am.ID, &am.OrganizationID, &am.SourceConnectionID, &am.MemberID,
			&am.MemberType, &am.GroupID, &am.GroupName, &am.SourceName, &am.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, am)
	}
	return out, rows.Err()
}

// ── Billing & usage ─────────────────────────────────────────

func (s *PostgresStore) CurrentBillingPeriod(ctx context.Context, orgID string) (*models.BillingPeriod, error) {
	var p models.BillingPeriod
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, plan, status, period_start, period_end
		 FROM billing_periods
		 WHERE organization_id = $1 AND period_start <= now() AND period_end > now()
		 ORDER BY period_start DESC LIMIT 1`, orgID).
		Scan(&p.ID, &p.OrganizationID, &p.Plan, &p.Status, &p.PeriodStart, &p.PeriodEnd)
	if err != nil {
		return nil, wrapNotFound(err, "billing_period", "current for org "+orgID)
	}
	return &p, nil
}

func (s *PostgresStore) GetBillingPeriod(ctx context.Context, id string) (*models.BillingPeriod, error) {
	var p models.BillingPeriod
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, plan, status, period_start, period_end FROM billing_periods WHERE id = $1`, id).
		Scan(&p.ID, &p.OrganizationID, &p.Plan, &p.Status, &p.PeriodStart, &p.PeriodEnd)
	if err != nil {
		return nil, wrapNotFound(err, "billing_period", id)
	}
	return &p, nil
}

func (s *PostgresStore) ListBillingPeriods(ctx context.Context, orgID string, limit int) ([]models.BillingPeriod, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, plan, status, period_start, period_end
		 FROM billing_periods WHERE organization_id = $1 ORDER BY period_start DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BillingPeriod
	for rows.Next() {
		var p models.BillingPeriod
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Plan, &p.Status, &p.PeriodStart, &p.PeriodEnd); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateBillingPeriod(ctx context.Context, p *models.BillingPeriod) error {
	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO billing_periods (id, organization_id, plan, status, period_start, period_end)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OrganizationID, p.Plan, p.Status, p.PeriodStart, p.PeriodEnd)
	batch.Queue(
		`INSERT INTO usage (billing_period_id, organization_id) VALUES ($1, $2)`,
		p.ID, p.OrganizationID)
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < 2; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, billingPeriodID string) (*models.Usage, error) {
	var u models.Usage
	err := s.pool.QueryRow(ctx,
		`SELECT billing_period_id, organization_id, entities, queries FROM usage WHERE billing_period_id = $1`,
		billingPeriodID).
		Scan(&u.BillingPeriodID, &u.OrganizationID, &u.Entities, &u.Queries)
	if err != nil {
		return nil, wrapNotFound(err, "usage", billingPeriodID)
	}
	return &u, nil
}

func (s *PostgresStore) AddUsage(ctx context.Context, billingPeriodID string, action models.UsageAction, n int64) error {
	var col string
	switch action {
	case models.ActionEntities:
		col = "entities"
	case models.ActionQueries:
		col = "queries"
	default:
		return fmt.Errorf("action %s is not cumulative", action)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage SET `+col+` = `+col+` + $2 WHERE billing_period_id = $1`, billingPeriodID, n)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("usage", billingPeriodID)
	}
	return nil
}

// ── OAuth 2.1 provider ──────────────────────────────────────

func (s *PostgresStore) GetOAuthClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	var c models.OAuthClient
	var uris []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, secret_hash, name, redirect_uris, public, created_at FROM oauth_clients WHERE id = $1`, clientID).
		Scan(&c.ID, &c.SecretHash, &c.Name, &uris, &c.Public, &c.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "oauth_client", clientID)
	}
	_ = json.Unmarshal(uris, &c.RedirectURIs)
	return &c, nil
}

func (s *PostgresStore) CreateOAuthClient(ctx context.Context, c *models.OAuthClient) error {
	uris, _ := json.Marshal(c.RedirectURIs)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_clients (id, secret_hash, name, redirect_uris, public, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.SecretHash, c.Name, uris, c.Public, c.CreatedAt)
	return err
}

func (s *PostgresStore) CreateAuthorizationCode(ctx context.Context, c *models.OAuthAuthorizationCode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_authorization_codes (code, client_id, organization_id, user_email, redirect_uri, code_challenge, scope, used, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.Code, c.ClientID, c.OrganizationID, c.UserEmail, c.RedirectURI, c.CodeChallenge, c.Scope, c.Used, c.ExpiresAt)
	return err
}

func (s *PostgresStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*models.OAuthAuthorizationCode, error) {
	var c models.OAuthAuthorizationCode
	err := s.pool.QueryRow(ctx,
		`UPDATE oauth_authorization_codes SET used = TRUE
		 WHERE code = $1 AND used = FALSE
		 RETURNING code, client_id, organization_id, user_email, redirect_uri, code_challenge, scope, used, expires_at`,
		code).
		Scan(&c.Code, &c.ClientID, &c.OrganizationID, &c.UserEmail, &c.RedirectURI, &c.CodeChallenge, &c.Scope, &c.Used, &c.ExpiresAt)
	if err != nil {
		return nil, wrapNotFound(err, "oauth_authorization_code", "presented code")
	}
	return &c, nil
}

func (s *PostgresStore) CreateAccessToken(ctx context.Context, t *models.OAuthAccessToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_access_tokens (token_hash, client_id, organization_id, user_email, scope, revoked, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.TokenHash, t.ClientID, t.OrganizationID, t.UserEmail, t.Scope, t.Revoked, t.ExpiresAt)
	return err
}

func (s *PostgresStore) GetAccessToken(ctx context.Context, tokenHash string) (*models.OAuthAccessToken, error) {
	var t models.OAuthAccessToken
	err := s.pool.QueryRow(ctx,
		`SELECT token_hash, client_id, organization_id, user_email, scope, revoked, expires_at
		 FROM oauth_access_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&t.TokenHash, &t.ClientID, &t.OrganizationID, &t.UserEmail, &t.Scope, &t.Revoked, &t.ExpiresAt)
	if err != nil {
		return nil, wrapNotFound(err, "oauth_access_token", "by hash")
	}
	return &t, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, tokenHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_access_tokens SET revoked = TRUE WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("oauth_access_token", "by hash")
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

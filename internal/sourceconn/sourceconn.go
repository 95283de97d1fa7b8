// Package sourceconn owns the source connection lifecycle: creation across
// every authentication method, the deferred browser-flow completion, run
// and cancel, and teardown. It is the layer the API surface delegates to.
package sourceconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/guardrail"
	"github.com/airweave/airweave/internal/oauthflow"
	"github.com/airweave/airweave/internal/registry"
	"github.com/airweave/airweave/internal/secrets"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// payloadSourceConnectionID keys the shell connection id inside the
// deferred browser-flow payload.
const payloadSourceConnectionID = "source_connection_id"

// CreateRequest is the API input for creating a source connection.
type CreateRequest struct {
	Name                 string         `json:"name" validate:"required,min=1,max=120"`
	ShortName            string         `json:"short_name" validate:"required"`
	ReadableCollectionID string         `json:"readable_collection_id" validate:"required"`
	ConfigFields         map[string]any `json:"config_fields,omitempty"`

	// Direct auth fields (API keys, database DSNs).
	AuthFields map[string]any `json:"auth_fields,omitempty"`
	// Injected OAuth tokens.
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// BYOC client for the browser flow.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	// External auth provider connection.
	AuthProviderID string `json:"auth_provider_id,omitempty"`

	Schedule string `json:"schedule,omitempty" validate:"omitempty,max=120"`
	// SyncImmediately defaults to true for authenticated flows and is
	// rejected for browser flows.
	SyncImmediately *bool `json:"sync_immediately,omitempty"`
}

// Service implements the source connection operations.
type Service struct {
	Store     store.Store
	Registry  *registry.Registry
	OAuth     *oauthflow.Service
	Box       *secrets.Box
	Guards    *guardrail.Registry
	Scheduler contracts.Scheduler
	Validate  *validator.Validate

	now func() time.Time
}

// NewService wires the source connection service.
func NewService(st store.Store, reg *registry.Registry, oauth *oauthflow.Service, box *secrets.Box, guards *guardrail.Registry, sched contracts.Scheduler) *Service {
	return &Service{
		Store:     st,
		Registry:  reg,
		OAuth:     oauth,
		Box:       box,
		Guards:    guards,
		Scheduler: sched,
		Validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
}

// cronScheduler is the optional schedule-install hook of the in-process
// scheduler.
type cronScheduler interface {
	ScheduleSync(syncID, orgID, spec string) error
}

// Create validates the request, infers the authentication method, and
// either provisions a fully authenticated connection or starts a browser
// handshake returning a shell connection carrying the auth URL.
func (s *Service) Create(ctx context.Context, orgID string, req CreateRequest) (*models.SourceConnection, error) {
	if err := s.Validate.Struct(req); err != nil {
		return nil, err
	}
	if err := s.Guards.For(orgID).IsAllowed(ctx, models.ActionSourceConnections, 1); err != nil {
		return nil, err
	}

	desc, err := s.Registry.Get(req.ShortName)
	if err != nil {
		return nil, err
	}
	method := registry.InferAuthMethod(
		req.AccessToken != "",
		req.ClientID != "" && req.ClientSecret != "",
		len(req.AuthFields) > 0,
		req.AuthProviderID != "",
	)
	if !desc.Supports(method) {
		return nil, &models.InvalidAuthMethodError{ShortName: req.ShortName, Method: method}
	}
	if method == models.AuthMethodOAuthBrowser && desc.RequiresBYOC {
		return nil, &models.ByocRequiredError{ShortName: req.ShortName}
	}

	browser := method == models.AuthMethodOAuthBrowser || method == models.AuthMethodOAuthBYOC
	if browser {
		if req.SyncImmediately != nil && *req.SyncImmediately {
			return nil, &models.SyncImmediatelyNotAllowedError{}
		}
		return s.createBrowserShell(ctx, orgID, desc, method, req)
	}
	return s.createAuthenticated(ctx, orgID, desc, method, req)
}

// createAuthenticated provisions the full object graph for flows that
// already carry working credentials.
func (s *Service) createAuthenticated(ctx context.Context, orgID string, desc *registry.Descriptor, method models.AuthenticationMethod, req CreateRequest) (*models.SourceConnection, error) {
	credentials := s.credentialBundle(method, req)

	src, err := desc.Factory(ctx, credentials, req.ConfigFields)
	if err != nil {
		return nil, err
	}
	if err := src.Validate(ctx); err != nil {
		var cv *models.CredentialValidationError
		if errors.As(err, &cv) {
			return nil, err
		}
		return nil, &models.CredentialValidationError{ShortName: desc.ShortName, Reason: "credential validation failed"}
	}

	graph, err := s.provision(ctx, orgID, desc.ShortName, method, credentials, req)
	if err != nil {
		return nil, err
	}

	syncNow := req.SyncImmediately == nil || *req.SyncImmediately
	if syncNow {
		if _, err := s.Run(ctx, orgID, graph.ID); err != nil {
			return nil, err
		}
		graph, err = s.Store.GetSourceConnection(ctx, orgID, graph.ID)
		if err != nil {
			return nil, err
		}
	}
	return graph, nil
}

// createBrowserShell starts the OAuth handshake and records a pending shell
// connection whose id rides along in the deferred payload.
func (s *Service) createBrowserShell(ctx context.Context, orgID string, desc *registry.Descriptor, method models.AuthenticationMethod, req CreateRequest) (*models.SourceConnection, error) {
	now := s.now()
	shell := &models.SourceConnection{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		ShortName:            req.ShortName,
		OrganizationID:       orgID,
		ReadableCollectionID: req.ReadableCollectionID,
		AuthenticationMethod: method,
		ConfigFields:         req.ConfigFields,
		Status:               models.SourceConnectionPendingAuth,
		Schedule:             req.Schedule,
		CreatedAt:            now,
		ModifiedAt:           now,
	}

	payload := map[string]any{
		payloadSourceConnectionID: shell.ID,
		"name":                    req.Name,
		"readable_collection_id":  req.ReadableCollectionID,
		"schedule":                req.Schedule,
	}
	overrides := models.OAuthOverrides{ClientID: req.ClientID, ClientSecret: req.ClientSecret}

	var init *oauthflow.InitResult
	var err error
	if desc.OAuth.Kind == registry.OAuth1 {
		init, err = s.OAuth.InitOAuth1(ctx, orgID, req.ShortName, payload, overrides)
	} else {
		init, err = s.OAuth.InitOAuth2(ctx, orgID, req.ShortName, payload, overrides)
	}
	if err != nil {
		return nil, err
	}

	shell.AuthURL = init.AuthURL
	if err := s.Store.CreateSourceConnection(ctx, shell); err != nil {
		return nil, err
	}
	log.Info().
		Str("source_connection_id", shell.ID).
		Str("short_name", shell.ShortName).
		Msg("browser authentication started")
	return shell, nil
}

// CompleteBrowserFlow finalizes a shell connection from a finished OAuth
// handshake: credentials are sealed, the object graph is provisioned, and
// the shell flips to authenticated.
func (s *Service) CompleteBrowserFlow(ctx context.Context, result *models.OAuthCompletionResult) (*models.SourceConnection, error) {
	scID, _ := result.OriginalPayload[payloadSourceConnectionID].(string)
	if scID == "" {
		return nil, fmt.Errorf("completion payload lost the source connection id")
	}
	shell, err := s.Store.GetSourceConnection(ctx, result.OrganizationID, scID)
	if err != nil {
		return nil, err
	}

	credentials := map[string]any{
		"access_token": result.TokenResponse.AccessToken,
	}
	if result.TokenResponse.RefreshToken != "" {
		credentials["refresh_token"] = result.TokenResponse.RefreshToken
	}
	if result.TokenResponse.OAuthTokenSecret != "" {
		credentials["oauth_token_secret"] = result.TokenResponse.OAuthTokenSecret
	}
	if result.Overrides.ClientID != "" {
		credentials["client_id"] = result.Overrides.ClientID
		credentials["client_secret"] = result.Overrides.ClientSecret
	}

	req := CreateRequest{
		Name:                 shell.Name,
		ShortName:            shell.ShortName,
		ReadableCollectionID: shell.ReadableCollectionID,
		ConfigFields:         shell.ConfigFields,
		Schedule:             shell.Schedule,
	}
	graph, err := s.provisionInto(ctx, shell, shell.AuthenticationMethod, credentials, req)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("source_connection_id", graph.ID).
		Str("short_name", graph.ShortName).
		Msg("browser authentication completed")
	return graph, nil
}

func (s *Service) credentialBundle(method models.AuthenticationMethod, req CreateRequest) map[string]any {
	switch method {
	case models.AuthMethodOAuthToken:
		bundle := map[string]any{"access_token": req.AccessToken}
		if req.RefreshToken != "" {
			bundle["refresh_token"] = req.RefreshToken
		}
		return bundle
	case models.AuthMethodDirect:
		return req.AuthFields
	case models.AuthMethodAuthProvider:
		return map[string]any{"auth_provider_id": req.AuthProviderID}
	}
	return map[string]any{}
}

// provision creates the credential, connection, collection, sync, and
// source connection rows for a new connection.
func (s *Service) provision(ctx context.Context, orgID, shortName string, method models.AuthenticationMethod, credentials map[string]any, req CreateRequest) (*models.SourceConnection, error) {
	now := s.now()
	sc := &models.SourceConnection{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		ShortName:            shortName,
		OrganizationID:       orgID,
		ReadableCollectionID: req.ReadableCollectionID,
		AuthenticationMethod: method,
		ConfigFields:         req.ConfigFields,
		Schedule:             req.Schedule,
		CreatedAt:            now,
		ModifiedAt:           now,
	}
	if err := s.Store.CreateSourceConnection(ctx, sc); err != nil {
		return nil, err
	}
	return s.provisionInto(ctx, sc, method, credentials, req)
}

// provisionInto attaches credential, connection, collection, and sync rows
// to an existing source connection row and marks it authenticated.
func (s *Service) provisionInto(ctx context.Context, sc *models.SourceConnection, method models.AuthenticationMethod, credentials map[string]any, req CreateRequest) (*models.SourceConnection, error) {
	now := s.now()
	orgID := sc.OrganizationID

	blob, err := s.Box.Seal(credentials)
	if err != nil {
		return nil, err
	}
	credential := &models.IntegrationCredential{
		ID:                   uuid.NewString(),
		OrganizationID:       orgID,
		ShortName:            sc.ShortName,
		AuthenticationMethod: method,
		EncryptedBlob:        blob,
		CreatedAt:            now,
	}
	if err := s.Store.CreateCredential(ctx, credential); err != nil {
		return nil, err
	}

	conn := &models.Connection{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Kind:           models.ConnectionKindSource,
		ShortName:      sc.ShortName,
		OrganizationID: orgID,
		CredentialID:   credential.ID,
		CreatedAt:      now,
	}
	if err := s.Store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}

	collection, err := s.Store.GetCollectionByReadableID(ctx, orgID, req.ReadableCollectionID)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, err
		}
		collection = &models.Collection{
			ID:             uuid.NewString(),
			ReadableID:     req.ReadableCollectionID,
			Name:           req.ReadableCollectionID,
			OrganizationID: orgID,
			CreatedAt:      now,
			ModifiedAt:     now,
		}
		if err := s.Store.CreateCollection(ctx, collection); err != nil {
			return nil, err
		}
	}

	sync := &models.Sync{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		OrganizationID:     orgID,
		SourceConnectionID: sc.ID,
		CollectionID:       collection.ID,
		CronSchedule:       req.Schedule,
		CreatedAt:          now,
	}
	if err := s.Store.CreateSync(ctx, sync); err != nil {
		return nil, err
	}

	sc.ConnectionID = conn.ID
	sc.SyncID = sync.ID
	sc.IsAuthenticated = true
	sc.IsActive = true
	sc.Status = models.SourceConnectionActive
	sc.AuthURL = ""
	sc.ModifiedAt = now
	if err := s.Store.UpdateSourceConnection(ctx, sc); err != nil {
		return nil, err
	}

	if req.Schedule != "" {
		if cs, ok := s.Scheduler.(cronScheduler); ok {
			if err := cs.ScheduleSync(sync.ID, orgID, req.Schedule); err != nil {
				return nil, err
			}
		}
	}
	return sc, nil
}

// Run creates a PENDING job for the connection's sync and enqueues it.
func (s *Service) Run(ctx context.Context, orgID, id string) (*models.SyncJob, error) {
	sc, err := s.Store.GetSourceConnection(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !sc.IsAuthenticated || sc.SyncID == "" {
		return nil, models.ErrNoValidAuthentication
	}
	if active, err := s.Store.ActiveSyncJob(ctx, sc.SyncID); err == nil {
		return nil, &models.JobAlreadyRunningError{SyncID: sc.SyncID, JobID: active.ID}
	} else {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	job := &models.SyncJob{
		ID:             uuid.NewString(),
		SyncID:         sc.SyncID,
		OrganizationID: orgID,
		Status:         models.SyncJobPending,
		CreatedAt:      s.now(),
	}
	if err := s.Store.CreateSyncJob(ctx, job); err != nil {
		return nil, err
	}
	sc.LastSyncJobID = job.ID
	sc.Status = models.SourceConnectionSyncing
	sc.ModifiedAt = s.now()
	if err := s.Store.UpdateSourceConnection(ctx, sc); err != nil {
		return nil, err
	}
	if err := s.Scheduler.EnqueueSyncJob(ctx, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel requests cooperative cancellation of a job belonging to the
// connection.
func (s *Service) Cancel(ctx context.Context, orgID, id, jobID string) error {
	sc, err := s.Store.GetSourceConnection(ctx, orgID, id)
	if err != nil {
		return err
	}
	job, err := s.Store.GetSyncJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.SyncID != sc.SyncID {
		return &store.ErrNotFound{Entity: "sync_job", Key: jobID}
	}
	return s.Scheduler.CancelJob(ctx, jobID)
}

// Jobs lists recent runs for the connection, newest first.
func (s *Service) Jobs(ctx context.Context, orgID, id string, limit int) ([]models.SyncJob, error) {
	sc, err := s.Store.GetSourceConnection(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if sc.SyncID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	return s.Store.ListSyncJobs(ctx, sc.SyncID, limit)
}

// Get returns one connection.
func (s *Service) Get(ctx context.Context, orgID, id string) (*models.SourceConnection, error) {
	return s.Store.GetSourceConnection(ctx, orgID, id)
}

// List returns the organization's connections.
func (s *Service) List(ctx context.Context, orgID string) ([]models.SourceConnection, error) {
	return s.Store.ListSourceConnections(ctx, orgID)
}

// Delete removes the connection: schedules and active jobs first, then the
// sync, then the row with its membership cascade.
func (s *Service) Delete(ctx context.Context, orgID, id string) error {
	sc, err := s.Store.GetSourceConnection(ctx, orgID, id)
	if err != nil {
		return err
	}
	if sc.SyncID != "" {
		if err := s.Scheduler.DeleteSchedules(ctx, sc.SyncID); err != nil {
			log.Error().Err(err).Str("source_connection_id", id).Msg("schedule teardown failed")
		}
		if err := s.Store.DeleteSync(ctx, sc.SyncID); err != nil && !store.NotFound(err) {
			return err
		}
	}
	if err := s.Store.DeleteSourceConnection(ctx, orgID, id); err != nil {
		return err
	}
	log.Info().Str("source_connection_id", id).Msg("source connection deleted")
	return nil
}

// BuildSource opens the connection's sealed credentials and instantiates
// the connector.
func (s *Service) BuildSource(ctx context.Context, sc *models.SourceConnection) (contracts.Source, error) {
	desc, err := s.Registry.Get(sc.ShortName)
	if err != nil {
		return nil, err
	}
	if sc.ConnectionID == "" {
		return nil, models.ErrNoValidAuthentication
	}
	conn, err := s.Store.GetConnection(ctx, sc.ConnectionID)
	if err != nil {
		return nil, err
	}
	credential, err := s.Store.GetCredential(ctx, conn.CredentialID)
	if err != nil {
		return nil, err
	}
	credentials, err := s.Box.Open(credential.EncryptedBlob)
	if err != nil {
		return nil, err
	}
	return desc.Factory(ctx, credentials, sc.ConfigFields)
}

// SourceConnectionForSync resolves the connection owning a sync. Used by
// the job runner glue.
func (s *Service) SourceConnectionForSync(ctx context.Context, orgID, syncID string) (*models.SourceConnection, error) {
	conns, err := s.Store.ListSourceConnections(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		if conns[i].SyncID == syncID {
			return &conns[i], nil
		}
	}
	return nil, &store.ErrNotFound{Entity: "source_connection", Key: syncID}
}

package sourceconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave/internal/guardrail"
	"github.com/airweave/airweave/internal/oauthflow"
	"github.com/airweave/airweave/internal/registry"
	"github.com/airweave/airweave/internal/secrets"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// fakeScheduler records contract calls without running anything.
type fakeScheduler struct {
	enqueued  []string
	cancelled []string
	deleted   []string
}

func (f *fakeScheduler) EnqueueSyncJob(ctx context.Context, jobID string) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeScheduler) CancelJob(ctx context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeScheduler) DeleteSchedules(ctx context.Context, syncID string) error {
	f.deleted = append(f.deleted, syncID)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *fakeScheduler) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New()
	registry.RegisterBuiltin(reg)
	box := secrets.NewRandomBox()
	sched := &fakeScheduler{}
	oauth := oauthflow.NewService(st, reg, "https://app.example.com")
	svc := NewService(st, reg, oauth, box, guardrail.NewRegistry(st), sched)
	return svc, st, sched
}

func directRequest() CreateRequest {
	return CreateRequest{
		Name:                 "prod db",
		ShortName:            "postgresql",
		ReadableCollectionID: "warehouse",
		AuthFields:           map[string]any{"host": "db.internal", "password": "s3cret"},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestCreateDirectProvisionsAndRuns(t *testing.T) {
	svc, st, sched := newTestService(t)
	ctx := context.Background()

	sc, err := svc.Create(ctx, "org-1", directRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sc.IsAuthenticated || sc.SyncID == "" || sc.ConnectionID == "" {
		t.Errorf("connection = %+v", sc)
	}
	if sc.Status != models.SourceConnectionSyncing || sc.LastSyncJobID == "" {
		t.Errorf("immediate sync not started: %+v", sc)
	}
	if len(sched.enqueued) != 1 || sched.enqueued[0] != sc.LastSyncJobID {
		t.Errorf("enqueued = %v", sched.enqueued)
	}
	if _, err := st.GetCollectionByReadableID(ctx, "org-1", "warehouse"); err != nil {
		t.Errorf("collection not created: %v", err)
	}
}

func TestCreateWithoutImmediateSync(t *testing.T) {
	svc, _, sched := newTestService(t)
	req := directRequest()
	req.SyncImmediately = boolPtr(false)

	sc, err := svc.Create(context.Background(), "org-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sc.Status != models.SourceConnectionActive || sc.LastSyncJobID != "" {
		t.Errorf("connection = %+v", sc)
	}
	if len(sched.enqueued) != 0 {
		t.Errorf("enqueued = %v", sched.enqueued)
	}
}

func TestCreateRejectsUnsupportedAuthMethod(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := CreateRequest{
		Name:                 "notes",
		ShortName:            "notion",
		ReadableCollectionID: "kb",
		AuthFields:           map[string]any{"key": "v"}, // notion has no direct auth
	}
	var bad *models.InvalidAuthMethodError
	if _, err := svc.Create(context.Background(), "org-1", req); !errors.As(err, &bad) {
		t.Fatalf("err = %v, want InvalidAuthMethodError", err)
	}
}

func TestCreateRequiresByoc(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := CreateRequest{
		Name:                 "drive",
		ShortName:            "google_drive",
		ReadableCollectionID: "files",
	}
	var byoc *models.ByocRequiredError
	if _, err := svc.Create(context.Background(), "org-1", req); !errors.As(err, &byoc) {
		t.Fatalf("err = %v, want ByocRequiredError", err)
	}
}

func TestCreateRejectsSyncImmediatelyOnBrowserFlow(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := CreateRequest{
		Name:                 "code",
		ShortName:            "github",
		ReadableCollectionID: "repos",
		ClientID:             "client",
		ClientSecret:         "secret",
		SyncImmediately:      boolPtr(true),
	}
	var notAllowed *models.SyncImmediatelyNotAllowedError
	if _, err := svc.Create(context.Background(), "org-1", req); !errors.As(err, &notAllowed) {
		t.Fatalf("err = %v, want SyncImmediatelyNotAllowedError", err)
	}
}

func TestCreateBrowserShell(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := CreateRequest{
		Name:                 "code",
		ShortName:            "github",
		ReadableCollectionID: "repos",
		ClientID:             "client",
		ClientSecret:         "secret",
	}
	sc, err := svc.Create(context.Background(), "org-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sc.IsAuthenticated || sc.Status != models.SourceConnectionPendingAuth {
		t.Errorf("shell = %+v", sc)
	}
	if !strings.HasPrefix(sc.AuthURL, "https://app.example.com/source-connections/authorize/") {
		t.Errorf("auth url = %q", sc.AuthURL)
	}
	if sc.AuthenticationMethod != models.AuthMethodOAuthBYOC {
		t.Errorf("method = %s", sc.AuthenticationMethod)
	}
}

func TestCompleteBrowserFlowAuthenticatesShell(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	shell, err := svc.Create(ctx, "org-1", CreateRequest{
		Name:                 "code",
		ShortName:            "github",
		ReadableCollectionID: "repos",
		ClientID:             "client",
		ClientSecret:         "secret",
	})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}

	result := &models.OAuthCompletionResult{
		TokenResponse:   &models.TokenResponse{AccessToken: "tok", RefreshToken: "refresh"},
		OriginalPayload: map[string]any{payloadSourceConnectionID: shell.ID},
		Overrides:       models.OAuthOverrides{ClientID: "client", ClientSecret: "secret"},
		ShortName:       "github",
		OrganizationID:  "org-1",
	}
	sc, err := svc.CompleteBrowserFlow(ctx, result)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !sc.IsAuthenticated || sc.SyncID == "" || sc.AuthURL != "" {
		t.Errorf("connection = %+v", sc)
	}

	conn, err := st.GetConnection(ctx, sc.ConnectionID)
	if err != nil {
		t.Fatalf("connection row: %v", err)
	}
	credential, err := st.GetCredential(ctx, conn.CredentialID)
	if err != nil {
		t.Fatalf("credential row: %v", err)
	}
	bundle, err := svc.Box.Open(credential.EncryptedBlob)
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	if bundle["access_token"] != "tok" || bundle["refresh_token"] != "refresh" {
		t.Errorf("bundle = %v", bundle)
	}
}

func TestCredentialValidationFailure(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.Register(&registry.Descriptor{
		ShortName:   "broken",
		DisplayName: "Broken",
		AuthMethods: []models.AuthenticationMethod{models.AuthMethodDirect},
		Factory: func(ctx context.Context, credentials, config map[string]any) (contracts.Source, error) {
			return &registry.StubSource{Short: "broken", FailValidation: true}, nil
		},
	})
	box := secrets.NewRandomBox()
	svc := NewService(st, reg, oauthflow.NewService(st, reg, "https://app.example.com"), box, guardrail.NewRegistry(st), &fakeScheduler{})

	req := CreateRequest{
		Name:                 "x",
		ShortName:            "broken",
		ReadableCollectionID: "c",
		AuthFields:           map[string]any{"token": "bad"},
	}
	var cv *models.CredentialValidationError
	if _, err := svc.Create(context.Background(), "org-1", req); !errors.As(err, &cv) {
		t.Fatalf("err = %v, want CredentialValidationError", err)
	}
	// Nothing persisted for the failed create.
	conns, _ := st.ListSourceConnections(context.Background(), "org-1")
	if len(conns) != 0 {
		t.Errorf("connections = %d, want 0", len(conns))
	}
}

func TestRunRejectsConcurrentJob(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	req := directRequest()
	req.SyncImmediately = boolPtr(false)
	sc, err := svc.Create(ctx, "org-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Run(ctx, "org-1", sc.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var running *models.JobAlreadyRunningError
	if _, err := svc.Run(ctx, "org-1", sc.ID); !errors.As(err, &running) {
		t.Fatalf("err = %v, want JobAlreadyRunningError", err)
	}
}

func TestRunUnauthenticatedShell(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	shell, err := svc.Create(ctx, "org-1", CreateRequest{
		Name: "code", ShortName: "github", ReadableCollectionID: "repos",
		ClientID: "client", ClientSecret: "secret",
	})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if _, err := svc.Run(ctx, "org-1", shell.ID); !errors.Is(err, models.ErrNoValidAuthentication) {
		t.Fatalf("err = %v, want ErrNoValidAuthentication", err)
	}
}

func TestDeleteTearsDownSyncAndSchedules(t *testing.T) {
	svc, st, sched := newTestService(t)
	ctx := context.Background()
	req := directRequest()
	req.SyncImmediately = boolPtr(false)
	sc, err := svc.Create(ctx, "org-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "org-1", sc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(sched.deleted) != 1 || sched.deleted[0] != sc.SyncID {
		t.Errorf("schedules deleted = %v", sched.deleted)
	}
	if _, err := st.GetSourceConnection(ctx, "org-1", sc.ID); !store.NotFound(err) {
		t.Errorf("connection survived: %v", err)
	}
	if _, err := st.GetSync(ctx, sc.SyncID); !store.NotFound(err) {
		t.Errorf("sync survived: %v", err)
	}
}

func TestBuildSourceRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	req := directRequest()
	req.SyncImmediately = boolPtr(false)
	sc, err := svc.Create(ctx, "org-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	src, err := svc.BuildSource(ctx, sc)
	if err != nil {
		t.Fatalf("build source: %v", err)
	}
	if src.ShortName() != "postgresql" {
		t.Errorf("short name = %q", src.ShortName())
	}
}

func TestCreateEnforcesConnectionLimit(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()
	if err := st.CreateBillingPeriod(ctx, &models.BillingPeriod{
		ID:             uuid.NewString(),
		OrganizationID: "org-1",
		Plan:           models.PlanDeveloper,
		Status:         models.BillingActive,
		PeriodStart:    now.Add(-time.Hour),
		PeriodEnd:      now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("billing period: %v", err)
	}
	// Developer plan caps source connections at 10.
	for i := 0; i < 10; i++ {
		err := st.CreateSourceConnection(ctx, &models.SourceConnection{
			ID:             uuid.NewString(),
			Name:           fmt.Sprintf("conn-%d", i),
			ShortName:      "postgresql",
			OrganizationID: "org-1",
		})
		if err != nil {
			t.Fatalf("seed connection: %v", err)
		}
	}

	var limit *models.UsageLimitExceededError
	if _, err := svc.Create(ctx, "org-1", directRequest()); !errors.As(err, &limit) {
		t.Fatalf("err = %v, want UsageLimitExceededError", err)
	}
}

func TestValidationRejectsEmptyRequest(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Create(context.Background(), "org-1", CreateRequest{}); err == nil {
		t.Fatal("empty request accepted")
	}
}

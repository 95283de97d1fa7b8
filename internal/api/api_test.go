package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/destination"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/guardrail"
	"github.com/airweave/airweave/internal/oauthflow"
	"github.com/airweave/airweave/internal/oauthserver"
	"github.com/airweave/airweave/internal/orglife"
	"github.com/airweave/airweave/internal/ratelimit"
	"github.com/airweave/airweave/internal/registry"
	"github.com/airweave/airweave/internal/search"
	"github.com/airweave/airweave/internal/secrets"
	"github.com/airweave/airweave/internal/sourceconn"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

type noopScheduler struct{}

func (noopScheduler) EnqueueSyncJob(ctx context.Context, jobID string) error { return nil }
func (noopScheduler) CancelJob(ctx context.Context, jobID string) error      { return nil }
func (noopScheduler) DeleteSchedules(ctx context.Context, syncID string) error {
	return nil
}

type fixedDense struct{ vec []float32 }

func (f *fixedDense) ModelName() string { return "fixed" }
func (f *fixedDense) Dimensions() int   { return len(f.vec) }
func (f *fixedDense) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type fakeIdentity struct{}

func (fakeIdentity) CreateOrganization(ctx context.Context, name string) (string, error) {
	return "idp-" + name, nil
}
func (fakeIdentity) AddOwner(ctx context.Context, identityOrgID, email string) error { return nil }
func (fakeIdentity) EnableDefaultConnections(ctx context.Context, identityOrgID string) error {
	return nil
}
func (fakeIdentity) DeleteOrganization(ctx context.Context, identityOrgID string) error { return nil }

type fakeBilling struct{}

func (fakeBilling) CreateCustomer(ctx context.Context, orgName, email, testClock string) (string, error) {
	return "cus_test", nil
}
func (fakeBilling) DeleteCustomer(ctx context.Context, customerID string) error     { return nil }
func (fakeBilling) CancelSubscription(ctx context.Context, customerID string) error { return nil }
func (fakeBilling) DeleteWebhookTenant(ctx context.Context, customerID string) error {
	return nil
}

type testServer struct {
	srv  *Server
	st   *store.MemoryStore
	dest *destination.MemoryDestination
	http http.Handler
}

// newTestServer runs with auth disabled: every request resolves to the
// seeded superuser in org-1.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	if err := st.CreateOrganization(ctx, &models.Organization{ID: "org-1", Name: "Test Org"}); err != nil {
		t.Fatalf("org: %v", err)
	}
	if err := st.UpsertUser(ctx, &models.User{
		ID:                    "user-1",
		Email:                 "admin@example.com",
		PrimaryOrganizationID: "org-1",
		Memberships: []models.Membership{
			{OrganizationID: "org-1", Role: models.RoleOwner, IsPrimary: true},
		},
	}); err != nil {
		t.Fatalf("user: %v", err)
	}

	cfg := config.Config{
		Version: "test",
		Auth: config.AuthConfig{
			Enabled:        false,
			FirstSuperuser: "admin@example.com",
			PublicBaseURL:  "http://localhost:8001",
		},
		Search: config.SearchConfig{MaxIterations: 3, DefaultLimit: 20},
	}

	reg := registry.New()
	registry.RegisterBuiltin(reg)
	box := secrets.NewRandomBox()
	guards := guardrail.NewRegistry(st)
	bus := events.NewMemoryBus()
	oauth := oauthflow.NewService(st, reg, cfg.Auth.PublicBaseURL)
	dest := destination.NewMemoryDestination()

	srv := &Server{
		Cfg:         cfg,
		Store:       st,
		Resolver:    apictx.NewResolver(st, nil, nil, cfg.Auth),
		SourceConns: sourceconn.NewService(st, reg, oauth, box, guards, noopScheduler{}),
		Search: &search.Service{
			Store:     st,
			Dense:     &fixedDense{vec: []float32{1, 0, 0}},
			Searchers: []destination.Searcher{dest},
			Guards:    guards,
			Bus:       bus,
			Cfg:       cfg.Search,
		},
		Orgs:          orglife.NewService(st, fakeIdentity{}, fakeBilling{}, noopScheduler{}, bus),
		OAuthFlow:     oauth,
		OAuthProvider: oauthserver.NewProvider(st),
		Guards:        guards,
		Bus:           bus,
		Version:       cfg.Version,
	}
	return &testServer{srv: srv, st: st, dest: dest, http: srv.Router()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
	return v
}

func TestRateLimitAppliesOnlyToApiKeyAuth(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ts.srv.Cfg.Auth.Enabled = true
	ts.srv.Cfg.Auth.JWTSecret = "test-secret"
	ts.srv.Resolver = apictx.NewResolver(ts.st, nil, nil, ts.srv.Cfg.Auth)
	ts.srv.Limiter = ratelimit.New(60, 1)
	ts.http = ts.srv.Router()

	if err := ts.st.CreateApiKey(ctx, &models.ApiKey{
		ID:             "key-1",
		KeyHash:        apictx.HashApiKey("secret-key"),
		OrganizationID: "org-1",
	}); err != nil {
		t.Fatalf("api key: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": "admin@example.com"})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}

	list := func(header, value string) int {
		req := httptest.NewRequest(http.MethodGet, "/source-connections/", nil)
		req.Header.Set(header, value)
		rec := httptest.NewRecorder()
		ts.http.ServeHTTP(rec, req)
		return rec.Code
	}

	// Burst of one: the first key-authenticated request passes, the second
	// is throttled.
	if code := list("X-API-Key", "secret-key"); code != http.StatusOK {
		t.Fatalf("first api key request = %d", code)
	}
	if code := list("X-API-Key", "secret-key"); code != http.StatusTooManyRequests {
		t.Fatalf("second api key request = %d, want 429", code)
	}

	// JWT traffic for the same organization is never throttled.
	for i := 0; i < 5; i++ {
		if code := list("Authorization", "Bearer "+signed); code != http.StatusOK {
			t.Fatalf("jwt request %d = %d", i, code)
		}
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestSourceConnectionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/source-connections", map[string]any{
		"name":                   "prod db",
		"short_name":             "postgresql",
		"readable_collection_id": "warehouse",
		"auth_fields":            map[string]any{"host": "db.internal", "password": "s3cret"},
		"sync_immediately":       false,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[models.SourceConnection](t, rec)
	if created.ID == "" || created.Status != models.SourceConnectionActive {
		t.Errorf("created = %+v", created)
	}

	rec = ts.do(t, http.MethodGet, "/source-connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := decodeBody[[]models.SourceConnection](t, rec)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	rec = ts.do(t, http.MethodGet, "/source-connections/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/source-connections/"+created.ID+"/run", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run status = %d, body %s", rec.Code, rec.Body.String())
	}
	job := decodeBody[models.SyncJob](t, rec)
	if job.Status != models.SyncJobPending {
		t.Errorf("job = %+v", job)
	}

	rec = ts.do(t, http.MethodGet, "/source-connections/"+created.ID+"/jobs", nil)
	jobs := decodeBody[[]models.SyncJob](t, rec)
	if len(jobs) != 1 {
		t.Errorf("jobs = %+v", jobs)
	}

	rec = ts.do(t, http.MethodDelete, "/source-connections/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/source-connections/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)

	// notion has no direct auth method.
	rec := ts.do(t, http.MethodPost, "/source-connections", map[string]any{
		"name":                   "notes",
		"short_name":             "notion",
		"readable_collection_id": "kb",
		"auth_fields":            map[string]any{"key": "v"},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unsupported auth method status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/source-connections", map[string]any{"name": ""})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("validation status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/source-connections/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing connection status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/collections/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing collection status = %d", rec.Code)
	}
}

func TestCollectionsAndSearch(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/collections", map[string]any{
		"name": "Docs", "readable_id": "docs",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create collection = %d, body %s", rec.Code, rec.Body.String())
	}

	// A connected sync plus indexed chunks make the collection searchable.
	if err := ts.st.CreateSourceConnection(ctx, &models.SourceConnection{
		ID: "sc-1", OrganizationID: "org-1", ReadableCollectionID: "docs", SyncID: "sync-1",
	}); err != nil {
		t.Fatalf("source connection: %v", err)
	}
	near := &models.Entity{EntityID: "near", TextualRepresentation: "the relevant passage"}
	near.System.DenseEmbedding = []float32{1, 0, 0}
	far := &models.Entity{EntityID: "far", TextualRepresentation: "noise"}
	far.System.DenseEmbedding = []float32{0, 1, 0}
	if err := ts.dest.Insert(ctx, "sync-1", []*models.Entity{near, far}); err != nil {
		t.Fatalf("seed destination: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/collections/docs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get collection = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/collections/docs/search", map[string]any{"query": "relevant"})
	if rec.Code != http.StatusOK {
		t.Fatalf("search = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[search.Response](t, rec)
	if len(resp.Results) != 2 || resp.Results[0].EntityID != "near" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearchStream(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if err := ts.st.CreateCollection(ctx, &models.Collection{
		ID: "col-1", ReadableID: "docs", OrganizationID: "org-1",
	}); err != nil {
		t.Fatalf("collection: %v", err)
	}
	if err := ts.st.CreateSourceConnection(ctx, &models.SourceConnection{
		ID: "sc-1", OrganizationID: "org-1", ReadableCollectionID: "docs", SyncID: "sync-1",
	}); err != nil {
		t.Fatalf("source connection: %v", err)
	}
	ent := &models.Entity{EntityID: "e1", TextualRepresentation: "text"}
	ent.System.DenseEmbedding = []float32{1, 0, 0}
	if err := ts.dest.Insert(ctx, "sync-1", []*models.Entity{ent}); err != nil {
		t.Fatalf("seed destination: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/collections/docs/search/stream?query=text", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "event: result") {
		t.Errorf("stream missing result event:\n%s", rec.Body.String())
	}
}

func TestUsageEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	// No billing period yet: the dashboard reports unlimited.
	rec := ts.do(t, http.MethodGet, "/usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard = %d", rec.Code)
	}
	dash := decodeBody[map[string]any](t, rec)
	if dash["status"] != "ok" {
		t.Errorf("legacy dashboard = %v", dash)
	}

	now := time.Now()
	if err := ts.st.CreateBillingPeriod(ctx, &models.BillingPeriod{
		ID:             "bp-1",
		OrganizationID: "org-1",
		Plan:           models.PlanDeveloper,
		Status:         models.BillingActive,
		PeriodStart:    now.Add(-time.Hour),
		PeriodEnd:      now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("billing period: %v", err)
	}

	rec = ts.do(t, http.MethodGet, "/usage", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard = %d, body %s", rec.Code, rec.Body.String())
	}
	dash = decodeBody[map[string]any](t, rec)
	if dash["plan"] != "developer" || dash["status"] != "active" {
		t.Errorf("dashboard = %v", dash)
	}

	rec = ts.do(t, http.MethodPost, "/usage/check-actions", map[string]any{
		"actions": []string{"entities", "queries"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("check-actions = %d", rec.Code)
	}
	var verdicts struct {
		Results map[string]struct {
			Allowed bool   `json:"allowed"`
			Reason  string `json:"reason"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verdicts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !verdicts.Results["entities"].Allowed || !verdicts.Results["queries"].Allowed {
		t.Errorf("verdicts = %+v", verdicts.Results)
	}
}

func TestOrganizationEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/organizations", map[string]any{
		"name":        "New Org",
		"owner_email": "owner@example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create org = %d, body %s", rec.Code, rec.Body.String())
	}
	org := decodeBody[models.Organization](t, rec)
	if org.ID == "" || org.Name != "New Org" {
		t.Errorf("org = %+v", org)
	}

	// Deleting an organization other than the caller's own is forbidden.
	rec = ts.do(t, http.MethodDelete, "/organizations/"+org.ID, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("cross-org delete = %d", rec.Code)
	}
}

func TestOAuthProviderFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	if err := ts.st.CreateOAuthClient(ctx, &models.OAuthClient{
		ID:           "cli-1",
		Name:         "mcp client",
		RedirectURIs: []string{"https://client.example/cb"},
		Public:       true,
	}); err != nil {
		t.Fatalf("client: %v", err)
	}

	verifier := "test-verifier-test-verifier-test-verifier-42"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	authz := "/oauth/authorize?" + url.Values{
		"client_id":             {"cli-1"},
		"redirect_uri":          {"https://client.example/cb"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"search"},
		"state":                 {"xyz"},
	}.Encode()
	rec := ts.do(t, http.MethodGet, authz, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize = %d, body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" || loc.Query().Get("state") != "xyz" {
		t.Fatalf("redirect = %s", loc)
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://client.example/cb"},
		"client_id":     {"cli-1"},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokenRec := httptest.NewRecorder()
	ts.http.ServeHTTP(tokenRec, req)
	if tokenRec.Code != http.StatusOK {
		t.Fatalf("token = %d, body %s", tokenRec.Code, tokenRec.Body.String())
	}
	if cc := tokenRec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("cache-control = %q", cc)
	}
	token := decodeBody[oauthserver.TokenResponse](t, tokenRec)
	if token.AccessToken == "" || token.TokenType != "Bearer" {
		t.Errorf("token = %+v", token)
	}

	// Replaying the code must fail.
	req = httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	replay := httptest.NewRecorder()
	ts.http.ServeHTTP(replay, req)
	if replay.Code != http.StatusBadRequest {
		t.Errorf("code replay = %d", replay.Code)
	}

	introspect := func() map[string]any {
		body := url.Values{"token": {token.AccessToken}}
		req := httptest.NewRequest(http.MethodPost, "/oauth/introspect", strings.NewReader(body.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		ts.http.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("introspect = %d", rec.Code)
		}
		return decodeBody[map[string]any](t, rec)
	}
	if info := introspect(); info["active"] != true || info["client_id"] != "cli-1" {
		t.Errorf("introspection = %v", info)
	}

	revoke := url.Values{"token": {token.AccessToken}}
	req = httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(revoke.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	revRec := httptest.NewRecorder()
	ts.http.ServeHTTP(revRec, req)
	if revRec.Code != http.StatusOK {
		t.Errorf("revoke = %d", revRec.Code)
	}
	if info := introspect(); info["active"] != false {
		t.Errorf("post-revoke introspection = %v", info)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metadata = %d", rec.Code)
	}
	meta := decodeBody[oauthserver.Metadata](t, rec)
	if meta.Resource != "http://localhost:8001" {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestRequestIDEcho(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	ts.http.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("request id = %q", got)
	}
}

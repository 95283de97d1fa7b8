package oauthflow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/airweave/airweave/internal/registry"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New()
	reg.Register(&registry.Descriptor{
		ShortName:   "notion",
		AuthMethods: []models.AuthenticationMethod{models.AuthMethodOAuthBrowser},
		OAuth: registry.OAuthSettings{
			Kind:             registry.OAuth2,
			AuthorizationURL: "https://provider.example/authorize",
			TokenURL:         "https://provider.example/token",
			DefaultClientID:  "platform-client",
			Scopes:           []string{"read", "write"},
		},
	})
	reg.Register(&registry.Descriptor{
		ShortName:   "drive",
		AuthMethods: []models.AuthenticationMethod{models.AuthMethodOAuthBrowser},
		OAuth: registry.OAuthSettings{
			Kind:             registry.OAuth2WithRefresh,
			AuthorizationURL: "https://provider.example/authorize",
			TokenURL:         "https://provider.example/token",
			DefaultClientID:  "platform-client",
			UsesPKCE:         true,
		},
	})
	return NewService(st, reg, "https://app.example"), st
}

func TestInitOAuth2BuildsProxyURL(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	res, err := svc.InitOAuth2(ctx, "org-1", "notion", map[string]any{"name": "My Notion"}, models.OAuthOverrides{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.HasPrefix(res.AuthURL, "https://app.example/source-connections/authorize/") {
		t.Errorf("auth url = %q", res.AuthURL)
	}
	code := res.AuthURL[strings.LastIndex(res.AuthURL, "/")+1:]
	if len(code) != 8 {
		t.Errorf("proxy code length = %d, want 8", len(code))
	}

	target, err := svc.ResolveRedirect(ctx, code)
	if err != nil {
		t.Fatalf("resolve redirect: %v", err)
	}
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "platform-client" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("state") == "" || len(q.Get("state")) < 32 {
		t.Errorf("state too short: %q", q.Get("state"))
	}
	if q.Get("scope") != "read write" {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	// A pending session is stored under that state.
	sess, err := st.GetInitSessionByState(ctx, q.Get("state"))
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if sess.Status != models.InitSessionPending {
		t.Errorf("status = %s", sess.Status)
	}
	if sess.Payload["name"] != "My Notion" {
		t.Errorf("payload = %+v", sess.Payload)
	}
}

func TestInitOAuth2PKCE(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	res, err := svc.InitOAuth2(ctx, "org-1", "drive", nil, models.OAuthOverrides{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	code := res.AuthURL[strings.LastIndex(res.AuthURL, "/")+1:]
	target, _ := svc.ResolveRedirect(ctx, code)
	u, _ := url.Parse(target)
	q := u.Query()
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("missing PKCE challenge: %v", q)
	}
	sess, _ := st.GetInitSessionByState(ctx, q.Get("state"))
	if sess.Overrides.CodeVerifier == "" {
		t.Error("verifier not stored on session")
	}
}

func TestInitOAuth2ByocOverridesClient(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.InitOAuth2(ctx, "org-1", "notion", nil, models.OAuthOverrides{
		ClientID: "customer-client", ClientSecret: "customer-secret",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	code := res.AuthURL[strings.LastIndex(res.AuthURL, "/")+1:]
	target, _ := svc.ResolveRedirect(ctx, code)
	u, _ := url.Parse(target)
	if got := u.Query().Get("client_id"); got != "customer-client" {
		t.Errorf("client_id = %q, want customer-client", got)
	}
}

func TestResolveRedirectExpired(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.InitOAuth2(ctx, "org-1", "notion", nil, models.OAuthOverrides{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	code := res.AuthURL[strings.LastIndex(res.AuthURL, "/")+1:]

	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = svc.ResolveRedirect(ctx, code)
	var nf *models.OAuthSessionNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected OAuthSessionNotFoundError, got %v", err)
	}
}

func TestConsumeSessionSingleUse(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	res, err := svc.InitOAuth2(ctx, "org-1", "notion", nil, models.OAuthOverrides{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	state := res.Session.State

	if _, err := svc.consumeSession(ctx, state); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	_, err = svc.consumeSession(ctx, state)
	var completed *models.OAuthSessionAlreadyCompletedError
	if !errors.As(err, &completed) {
		t.Fatalf("expected OAuthSessionAlreadyCompletedError, got %v", err)
	}

	sess, _ := st.GetInitSessionByState(ctx, state)
	if sess.Status != models.InitSessionCompleted {
		t.Errorf("status = %s, want COMPLETED", sess.Status)
	}
}

func TestConsumeSessionExpired(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	res, err := svc.InitOAuth2(ctx, "org-1", "notion", nil, models.OAuthOverrides{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err = svc.consumeSession(ctx, res.Session.State)
	var completed *models.OAuthSessionAlreadyCompletedError
	if !errors.As(err, &completed) {
		t.Fatalf("expected OAuthSessionAlreadyCompletedError, got %v", err)
	}
	if completed.Status != models.InitSessionExpired {
		t.Errorf("status = %s, want EXPIRED", completed.Status)
	}
	sess, _ := st.GetInitSessionByState(ctx, res.Session.State)
	if sess.Status != models.InitSessionExpired {
		t.Errorf("stored status = %s, want EXPIRED", sess.Status)
	}
}

func TestCompleteOAuth2UnknownState(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CompleteOAuth2(context.Background(), "bogus-state", "code")
	var nf *models.OAuthSessionNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected OAuthSessionNotFoundError, got %v", err)
	}
}

func TestOAuth1SignatureDeterministic(t *testing.T) {
	params := map[string]string{
		"oauth_consumer_key":     "key",
		"oauth_nonce":            "nonce",
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        "1000000000",
		"oauth_version":          "1.0",
	}
	a := oauth1Signature("POST", "https://x.example/token", params, "secret", "")
	b := oauth1Signature("POST", "https://x.example/token", params, "secret", "")
	if a != b {
		t.Error("signature not deterministic")
	}
	c := oauth1Signature("POST", "https://x.example/token", params, "other", "")
	if a == c {
		t.Error("signature ignores consumer secret")
	}
}

func TestPercentEncode(t *testing.T) {
	if got := percentEncode("a b+c~"); got != "a%20b%2Bc~" {
		t.Errorf("got %q", got)
	}
}

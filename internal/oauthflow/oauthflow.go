// Package oauthflow drives the OAuth handshakes used to authenticate source
// connections: the OAuth2 authorization-code flow (with optional PKCE and
// BYOC client material) and the OAuth1 three-legged flow. Sessions are
// single use and keyed by the CSRF state or request token.
package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/airweave/airweave/internal/registry"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

const (
	// stateBytes is the entropy of the CSRF state.
	stateBytes = 24
	// redirectCodeLen is the length of the short proxy code.
	redirectCodeLen = 8
	// sessionTTL bounds how long a pending handshake stays valid.
	sessionTTL = 30 * time.Minute
	// redirectTTL bounds the proxy URL lifetime.
	redirectTTL = 24 * time.Hour
)

const redirectCodeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Service runs the handshakes.
type Service struct {
	store    store.Store
	registry *registry.Registry
	// baseURL is the public Airweave base; callback and proxy URLs hang off
	// it.
	baseURL string
	now     func() time.Time
}

// NewService wires the flow service.
func NewService(st store.Store, reg *registry.Registry, baseURL string) *Service {
	return &Service{store: st, registry: reg, baseURL: baseURL, now: time.Now}
}

// CallbackURL is the provider-facing redirect URI.
func (s *Service) CallbackURL() string {
	return s.baseURL + "/source-connections/callback"
}

func newState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newRedirectCode() (string, error) {
	buf := make([]byte, redirectCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, redirectCodeLen)
	for i, b := range buf {
		out[i] = redirectCodeAlphabet[int(b)%len(redirectCodeAlphabet)]
	}
	return string(out), nil
}

func newCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// InitResult is what a browser-flow init hands back to the API layer.
type InitResult struct {
	Session *models.ConnectionInitSession
	// AuthURL is the proxy URL shown to the user.
	AuthURL string
}

// InitOAuth2 starts an OAuth2 browser handshake: random state, optional
// PKCE verifier, a redirect session proxying the provider URL, and a pending
// init session holding the deferred create payload.
func (s *Service) InitOAuth2(ctx context.Context, orgID, shortName string, payload map[string]any, overrides models.OAuthOverrides) (*InitResult, error) {
	desc, err := s.registry.Get(shortName)
	if err != nil {
		return nil, err
	}
	if desc.OAuth.Kind == registry.OAuthNone || desc.OAuth.Kind == registry.OAuth1 {
		return nil, &models.OAuthNotConfiguredError{ShortName: shortName}
	}

	clientID := desc.OAuth.DefaultClientID
	if overrides.ClientID != "" {
		clientID = overrides.ClientID
	}
	if clientID == "" {
		return nil, &models.OAuthNotConfiguredError{ShortName: shortName}
	}

	state, err := newState()
	if err != nil {
		return nil, err
	}

	authURL, err := url.Parse(desc.OAuth.AuthorizationURL)
	if err != nil {
		return nil, fmt.Errorf("parse authorization url: %w", err)
	}
	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", s.CallbackURL())
	q.Set("state", state)
	if len(desc.OAuth.Scopes) > 0 {
		scope := ""
		for i, sc := range desc.OAuth.Scopes {
			if i > 0 {
				scope += " "
			}
			scope += sc
		}
		q.Set("scope", scope)
	}
	if desc.OAuth.Kind == registry.OAuth2WithRefresh {
		q.Set("access_type", "offline")
		q.Set("prompt", "consent")
	}
	if desc.OAuth.UsesPKCE {
		verifier, err := newCodeVerifier()
		if err != nil {
			return nil, err
		}
		overrides.CodeVerifier = verifier
		q.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		q.Set("code_challenge_method", "S256")
	}
	authURL.RawQuery = q.Encode()

	redirect, err := s.createRedirectSession(ctx, authURL.String())
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &models.ConnectionInitSession{
		ID:                uuid.NewString(),
		OrganizationID:    orgID,
		ShortName:         shortName,
		State:             state,
		Status:            models.InitSessionPending,
		Payload:           payload,
		Overrides:         overrides,
		RedirectSessionID: redirect.Code,
		ExpiresAt:         now.Add(sessionTTL),
		CreatedAt:         now,
	}
	if err := s.store.CreateInitSession(ctx, session); err != nil {
		return nil, err
	}

	log.Info().
		Str("organization_id", orgID).
		Str("short_name", shortName).
		Str("session_id", session.ID).
		Msg("oauth2 handshake initialized")

	return &InitResult{
		Session: session,
		AuthURL: s.baseURL + "/source-connections/authorize/" + redirect.Code,
	}, nil
}

func (s *Service) createRedirectSession(ctx context.Context, target string) (*models.RedirectSession, error) {
	now := s.now().UTC()
	// Retry on the astronomically unlikely code collision.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := newRedirectCode()
		if err != nil {
			return nil, err
		}
		if _, err := s.store.GetRedirectSession(ctx, code); err == nil {
			continue
		}
		session := &models.RedirectSession{
			Code:      code,
			TargetURL: target,
			ExpiresAt: now.Add(redirectTTL),
			CreatedAt: now,
		}
		if err := s.store.CreateRedirectSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}
	return nil, fmt.Errorf("redirect code space exhausted")
}

// ResolveRedirect returns the provider URL behind a proxy code.
func (s *Service) ResolveRedirect(ctx context.Context, code string) (string, error) {
	session, err := s.store.GetRedirectSession(ctx, code)
	if err != nil {
		return "", err
	}
	if s.now().After(session.ExpiresAt) {
		return "", &models.OAuthSessionNotFoundError{}
	}
	return session.TargetURL, nil
}

// consumeSession loads the pending session for a state and atomically marks
// it completed. Expired sessions are marked EXPIRED; already-completed
// sessions are rejected.
func (s *Service) consumeSession(ctx context.Context, state string) (*models.ConnectionInitSession, error) {
	session, err := s.store.GetInitSessionByState(ctx, state)
	if err != nil {
		return nil, &models.OAuthSessionNotFoundError{}
	}
	if session.Status != models.InitSessionPending {
		return nil, &models.OAuthSessionAlreadyCompletedError{Status: session.Status}
	}
	if s.now().After(session.ExpiresAt) {
		session.Status = models.InitSessionExpired
		if err := s.store.UpdateInitSession(ctx, session); err != nil {
			log.Warn().Err(err).Str("session_id", session.ID).Msg("mark session expired")
		}
		return nil, &models.OAuthSessionAlreadyCompletedError{Status: models.InitSessionExpired}
	}
	session.Status = models.InitSessionCompleted
	if err := s.store.UpdateInitSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CompleteOAuth2 handles the provider callback: single-use session lookup by
// state, then the code exchange (with the stored PKCE verifier when one was
// issued).
func (s *Service) CompleteOAuth2(ctx context.Context, state, code string) (*models.OAuthCompletionResult, error) {
	session, err := s.consumeSession(ctx, state)
	if err != nil {
		return nil, err
	}
	desc, err := s.registry.Get(session.ShortName)
	if err != nil {
		return nil, err
	}

	clientID := desc.OAuth.DefaultClientID
	clientSecret := desc.OAuth.DefaultClientSecret
	if session.Overrides.ClientID != "" {
		clientID = session.Overrides.ClientID
		clientSecret = session.Overrides.ClientSecret
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  s.CallbackURL(),
		Endpoint: oauth2.Endpoint{
			AuthURL:  desc.OAuth.AuthorizationURL,
			TokenURL: desc.OAuth.TokenURL,
		},
	}
	var opts []oauth2.AuthCodeOption
	if session.Overrides.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(session.Overrides.CodeVerifier))
	}
	token, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, &models.OAuthTokenExchangeError{Err: err}
	}

	tr := &models.TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		tr.ExpiresIn = int64(time.Until(token.Expiry) / time.Second)
	}

	log.Info().
		Str("organization_id", session.OrganizationID).
		Str("short_name", session.ShortName).
		Str("session_id", session.ID).
		Msg("oauth2 handshake completed")

	return &models.OAuthCompletionResult{
		TokenResponse:   tr,
		InitSession:     session,
		OriginalPayload: session.Payload,
		Overrides:       session.Overrides,
		ShortName:       session.ShortName,
		OrganizationID:  session.OrganizationID,
	}, nil
}

// RefreshToken exchanges a refresh token for a fresh access token using the
// source's token endpoint.
func (s *Service) RefreshToken(ctx context.Context, shortName string, overrides models.OAuthOverrides, refreshToken string) (*models.TokenResponse, error) {
	desc, err := s.registry.Get(shortName)
	if err != nil {
		return nil, err
	}
	if desc.OAuth.Kind != registry.OAuth2WithRefresh {
		return nil, &models.OAuthNotConfiguredError{ShortName: shortName}
	}
	clientID := desc.OAuth.DefaultClientID
	clientSecret := desc.OAuth.DefaultClientSecret
	if overrides.ClientID != "" {
		clientID = overrides.ClientID
		clientSecret = overrides.ClientSecret
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: desc.OAuth.TokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, &models.OAuthTokenExchangeError{Err: err}
	}
	tr := &models.TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if tr.RefreshToken == "" {
		// Providers that rotate refresh tokens return a new one; those that
		// do not expect the old one to keep working.
		tr.RefreshToken = refreshToken
	}
	return tr, nil
}

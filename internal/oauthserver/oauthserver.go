// Package oauthserver implements the OAuth 2.1 provider surface Airweave
// exposes to MCP-style clients: authorization code with mandatory PKCE S256
// for public clients, single-use codes, opaque bearer tokens, and
// revocation.
package oauthserver

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

const (
	codeTTL  = 10 * time.Minute
	tokenTTL = time.Hour
)

// Error is an RFC 6749 error payload.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Description }

func oauthErr(code, desc string) *Error { return &Error{Code: code, Description: desc} }

// Provider implements the endpoints' logic.
type Provider struct {
	Store store.Store
	now   func() time.Time
}

// NewProvider wires the provider.
func NewProvider(st store.Store) *Provider {
	return &Provider{Store: st, now: time.Now}
}

// HashToken is the storage digest for opaque tokens and client secrets.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AuthorizeRequest is the validated input of the authorization endpoint.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string

	// Resolved from the caller's session.
	OrganizationID string
	UserEmail      string
}

// Authorize validates the request and mints a single-use code.
func (p *Provider) Authorize(ctx context.Context, req AuthorizeRequest) (code string, err error) {
	client, err := p.Store.GetOAuthClient(ctx, req.ClientID)
	if err != nil {
		if store.NotFound(err) {
			return "", oauthErr("invalid_client", "unknown client")
		}
		return "", err
	}
	if !redirectAllowed(client, req.RedirectURI) {
		return "", oauthErr("invalid_request", "redirect_uri not registered")
	}
	if client.Public || req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "S256" {
			return "", oauthErr("invalid_request", "code_challenge_method must be S256")
		}
		if req.CodeChallenge == "" {
			return "", oauthErr("invalid_request", "code_challenge required")
		}
	}

	code, err = randomToken()
	if err != nil {
		return "", err
	}
	err = p.Store.CreateAuthorizationCode(ctx, &models.OAuthAuthorizationCode{
		Code:           code,
		ClientID:       client.ID,
		OrganizationID: req.OrganizationID,
		UserEmail:      req.UserEmail,
		RedirectURI:    req.RedirectURI,
		CodeChallenge:  req.CodeChallenge,
		Scope:          req.Scope,
		ExpiresAt:      p.now().Add(codeTTL),
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("client_id", client.ID).Msg("authorization code issued")
	return code, nil
}

// TokenRequest is the input of the token endpoint (authorization_code
// grant).
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Exchange redeems an authorization code for an access token. The code is
// consumed atomically so replay attempts fail.
func (p *Provider) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, oauthErr("unsupported_grant_type", fmt.Sprintf("grant %q not supported", req.GrantType))
	}
	client, err := p.Store.GetOAuthClient(ctx, req.ClientID)
	if err != nil {
		if store.NotFound(err) {
			return nil, oauthErr("invalid_client", "unknown client")
		}
		return nil, err
	}
	if !client.Public {
		if subtle.ConstantTimeCompare([]byte(HashToken(req.ClientSecret)), []byte(client.SecretHash)) != 1 {
			return nil, oauthErr("invalid_client", "client authentication failed")
		}
	}

	grant, err := p.Store.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if store.NotFound(err) {
			return nil, oauthErr("invalid_grant", "code invalid or already used")
		}
		return nil, err
	}
	if grant.ClientID != client.ID {
		return nil, oauthErr("invalid_grant", "code was issued to another client")
	}
	if grant.RedirectURI != req.RedirectURI {
		return nil, oauthErr("invalid_grant", "redirect_uri mismatch")
	}
	if p.now().After(grant.ExpiresAt) {
		return nil, oauthErr("invalid_grant", "code expired")
	}
	if grant.CodeChallenge != "" {
		if !verifyS256(req.CodeVerifier, grant.CodeChallenge) {
			return nil, oauthErr("invalid_grant", "PKCE verification failed")
		}
	} else if client.Public {
		return nil, oauthErr("invalid_grant", "PKCE required for public clients")
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	err = p.Store.CreateAccessToken(ctx, &models.OAuthAccessToken{
		TokenHash:      HashToken(token),
		ClientID:       client.ID,
		OrganizationID: grant.OrganizationID,
		UserEmail:      grant.UserEmail,
		Scope:          grant.Scope,
		ExpiresAt:      p.now().Add(tokenTTL),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("client_id", client.ID).Msg("access token issued")
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokenTTL.Seconds()),
		Scope:       grant.Scope,
	}, nil
}

// Validate resolves a bearer token to its grant, rejecting revoked and
// expired tokens.
func (p *Provider) Validate(ctx context.Context, token string) (*models.OAuthAccessToken, error) {
	row, err := p.Store.GetAccessToken(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if row.Revoked {
		return nil, errors.New("token revoked")
	}
	if p.now().After(row.ExpiresAt) {
		return nil, errors.New("token expired")
	}
	return row, nil
}

// Revoke invalidates a token. Per RFC 7009 revoking an unknown token is
// not an error.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	err := p.Store.RevokeAccessToken(ctx, HashToken(token))
	if err != nil && store.NotFound(err) {
		return nil
	}
	return err
}

// verifyS256 checks code_verifier against the stored S256 challenge.
func verifyS256(verifier, challenge string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	derived := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

func redirectAllowed(client *models.OAuthClient, uri string) bool {
	for _, allowed := range client.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// Metadata is the protected-resource metadata document (RFC 9728).
type Metadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	BearerMethods        []string `json:"bearer_methods_supported"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// MetadataFor builds the document for the given public base URL.
func MetadataFor(baseURL string) Metadata {
	return Metadata{
		Resource:             baseURL,
		AuthorizationServers: []string{baseURL},
		BearerMethods:        []string{"header"},
		ScopesSupported:      []string{"search", "collections:read"},
	}
}

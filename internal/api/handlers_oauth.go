package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/oauthserver"
	"github.com/airweave/airweave/pkg/models"
)

// handleAuthorizeRedirect is the short-lived proxy hop: the code in the URL
// resolves to the provider's full authorization URL.
func (s *Server) handleAuthorizeRedirect(w http.ResponseWriter, r *http.Request) {
	target, err := s.OAuthFlow.ResolveRedirect(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		respondError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleOAuthCallback receives the provider redirect for both OAuth2
// (state+code) and OAuth1 (oauth_token+oauth_verifier) flows, exchanges the
// grant, and finalizes the pending source connection.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		result *models.OAuthCompletionResult
		err    error
	)
	switch {
	case q.Get("state") != "" && q.Get("code") != "":
		result, err = s.OAuthFlow.CompleteOAuth2(r.Context(), q.Get("state"), q.Get("code"))
	case q.Get("oauth_token") != "" && q.Get("oauth_verifier") != "":
		result, err = s.OAuthFlow.CompleteOAuth1(r.Context(), q.Get("oauth_token"), q.Get("oauth_verifier"))
	default:
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "missing oauth callback parameters"})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}

	sc, err := s.SourceConns.CompleteBrowserFlow(r.Context(), result)
	if err != nil {
		respondError(w, err)
		return
	}
	log.Info().
		Str("source_connection_id", sc.ID).
		Str("short_name", sc.ShortName).
		Msg("browser oauth flow completed")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<!doctype html><html><body><h3>Connection authorized</h3><p>You can close this window.</p></body></html>"))
}

// handleOAuthAuthorize is the OAuth 2.1 provider authorization endpoint.
// The caller is already authenticated; their org and email are bound into
// the minted code.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	q := r.URL.Query()

	email := ""
	if ac.User != nil {
		email = ac.User.Email
	}
	code, err := s.OAuthProvider.Authorize(r.Context(), oauthserver.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		OrganizationID:      ac.OrgID(),
		UserEmail:           email,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	target, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "invalid redirect_uri"})
		return
	}
	params := target.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleOAuthToken is the OAuth 2.1 token endpoint.
func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "malformed form body"})
		return
	}
	resp, err := s.OAuthProvider.Exchange(r.Context(), oauthserver.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		CodeVerifier: r.PostFormValue("code_verifier"),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	// RFC 6749 section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	respondJSON(w, http.StatusOK, resp)
}

// handleOAuthRevoke implements RFC 7009 token revocation.
func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "malformed form body"})
		return
	}
	if err := s.OAuthProvider.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleOAuthIntrospect implements RFC 7662. Unknown, revoked, or expired
// tokens all answer active=false rather than an error.
func (s *Server) handleOAuthIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: "malformed form body"})
		return
	}
	row, err := s.OAuthProvider.Validate(r.Context(), r.PostFormValue("token"))
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active":     true,
		"client_id":  row.ClientID,
		"scope":      row.Scope,
		"sub":        row.UserEmail,
		"exp":        row.ExpiresAt.Unix(),
		"token_type": "Bearer",
	})
}

// handleProtectedResourceMetadata serves RFC 9728 metadata for OAuth 2.1
// clients discovering this server.
func (s *Server) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, oauthserver.MetadataFor(s.Cfg.Auth.PublicBaseURL))
}

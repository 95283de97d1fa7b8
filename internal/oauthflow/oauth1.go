package oauthflow

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/registry"
	"github.com/airweave/airweave/pkg/models"
)

// OAuth1 three-legged flow. The request token stands in for the CSRF state:
// the provider echoes it on the callback, and the session is keyed by it.

// InitOAuth1 obtains a request token from the provider and stores a pending
// session keyed by it.
func (s *Service) InitOAuth1(ctx context.Context, orgID, shortName string, payload map[string]any, overrides models.OAuthOverrides) (*InitResult, error) {
	desc, err := s.registry.Get(shortName)
	if err != nil {
		return nil, err
	}
	if desc.OAuth.Kind != registry.OAuth1 {
		return nil, &models.OAuthNotConfiguredError{ShortName: shortName}
	}

	consumerKey := overrides.ConsumerKey
	consumerSecret := overrides.ConsumerSecret
	if consumerKey == "" {
		consumerKey = desc.OAuth.DefaultClientID
		consumerSecret = desc.OAuth.DefaultClientSecret
	}
	if consumerKey == "" {
		return nil, &models.OAuthNotConfiguredError{ShortName: shortName}
	}

	params := map[string]string{"oauth_callback": s.CallbackURL()}
	body, err := s.signedOAuth1Request(ctx, desc.OAuth.RequestTokenURL, consumerKey, consumerSecret, "", params)
	if err != nil {
		return nil, &models.OAuthTokenExchangeError{Err: err}
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return nil, &models.OAuthTokenExchangeError{Err: err}
	}
	requestToken := values.Get("oauth_token")
	requestSecret := values.Get("oauth_token_secret")
	if requestToken == "" {
		return nil, &models.OAuthTokenExchangeError{Err: fmt.Errorf("provider returned no request token")}
	}

	overrides.ConsumerKey = consumerKey
	overrides.ConsumerSecret = consumerSecret
	overrides.OAuthToken = requestToken
	overrides.OAuthTokenSecret = requestSecret

	authURL := desc.OAuth.AuthorizationURL + "?oauth_token=" + url.QueryEscape(requestToken)
	redirect, err := s.createRedirectSession(ctx, authURL)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &models.ConnectionInitSession{
		ID:                uuid.NewString(),
		OrganizationID:    orgID,
		ShortName:         shortName,
		State:             requestToken,
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
		Msg("oauth1 handshake initialized")

	return &InitResult{
		Session: session,
		AuthURL: s.baseURL + "/source-connections/authorize/" + redirect.Code,
	}, nil
}

// CompleteOAuth1 exchanges the verifier for an access token.
func (s *Service) CompleteOAuth1(ctx context.Context, requestToken, verifier string) (*models.OAuthCompletionResult, error) {
	session, err := s.consumeSession(ctx, requestToken)
	if err != nil {
		return nil, err
	}
	desc, err := s.registry.Get(session.ShortName)
	if err != nil {
		return nil, err
	}

	params := map[string]string{"oauth_verifier": verifier}
	body, err := s.signedOAuth1Request(ctx, desc.OAuth.AccessTokenURL,
		session.Overrides.ConsumerKey, session.Overrides.ConsumerSecret,
		session.Overrides.OAuthTokenSecret, params, withOAuth1Token(requestToken))
	if err != nil {
		return nil, &models.OAuthTokenExchangeError{Err: err}
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return nil, &models.OAuthTokenExchangeError{Err: err}
	}
	accessToken := values.Get("oauth_token")
	accessSecret := values.Get("oauth_token_secret")
	if accessToken == "" {
		return nil, &models.OAuthTokenExchangeError{Err: fmt.Errorf("provider returned no access token")}
	}

	return &models.OAuthCompletionResult{
		TokenResponse: &models.TokenResponse{
			AccessToken:      accessToken,
			OAuthTokenSecret: accessSecret,
		},
		InitSession:     session,
		OriginalPayload: session.Payload,
		Overrides:       session.Overrides,
		ShortName:       session.ShortName,
		OrganizationID:  session.OrganizationID,
	}, nil
}

type oauth1Option func(map[string]string)

func withOAuth1Token(token string) oauth1Option {
	return func(p map[string]string) { p["oauth_token"] = token }
}

// signedOAuth1Request POSTs to endpoint with an HMAC-SHA1 signed
// Authorization header and returns the response body.
func (s *Service) signedOAuth1Request(ctx context.Context, endpoint, consumerKey, consumerSecret, tokenSecret string, extra map[string]string, opts ...oauth1Option) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	params := map[string]string{
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            base64.RawURLEncoding.EncodeToString(nonce),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	for k, v := range extra {
		params[k] = v
	}
	for _, opt := range opts {
		opt(params)
	}

	params["oauth_signature"] = oauth1Signature("POST", endpoint, params, consumerSecret, tokenSecret)

	var header strings.Builder
	header.WriteString("OAuth ")
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			header.WriteString(", ")
		}
		fmt.Fprintf(&header, "%s=%q", percentEncode(k), percentEncode(params[k]))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", header.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oauth1 endpoint returned %d", resp.StatusCode)
	}
	return string(body), nil
}

// oauth1Signature implements RFC 5849 §3.4 HMAC-SHA1 signing.
func oauth1Signature(method, endpoint string, params map[string]string, consumerSecret, tokenSecret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(params[k]))
	}
	base := strings.Join([]string{
		method,
		percentEncode(endpoint),
		percentEncode(strings.Join(pairs, "&")),
	}, "&")
	key := percentEncode(consumerSecret) + "&" + percentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode is the strict RFC 3986 encoding OAuth1 requires.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// Package apictx resolves the authenticated context of a request: which
// principal is calling (API key, JWT user, or the dev superuser) and which
// organization the request acts on.
//
// Resolution order is strict. With auth disabled, every request runs as the
// configured superuser in the seeded organization. Otherwise an API key is
// tried first (the key maps to exactly one organization), then a bearer JWT
// (blacklist checked, organization taken from the X-Organization-ID header
// when the user is a member, falling back to the user's primary
// organization).
package apictx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/cache"
	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// AuthKind records how the request authenticated.
type AuthKind string

const (
	AuthSystem AuthKind = "system"
	AuthApiKey AuthKind = "api_key"
	AuthJWT    AuthKind = "jwt"
)

// Context is the resolved per-request identity.
type Context struct {
	Organization *models.Organization
	User         *models.User // nil for API key auth
	AuthKind     AuthKind
	RequestID    string
	Logger       zerolog.Logger
}

// OrgID is a convenience accessor.
func (c *Context) OrgID() string { return c.Organization.ID }

type ctxKey struct{}

// Into stores the resolved context on a request context.
func Into(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// From retrieves the resolved context; the auth middleware guarantees it is
// present on protected routes.
func From(ctx context.Context) *Context {
	ac, _ := ctx.Value(ctxKey{}).(*Context)
	return ac
}

// Resolver builds Contexts from requests.
type Resolver struct {
	store     store.Store
	cache     *cache.ContextCache
	blacklist *cache.Blacklist
	cfg       config.AuthConfig
	now       func() time.Time
}

// NewResolver wires the resolver. cache and blacklist may be nil, in which
// case every lookup goes to the store and blacklisting is disabled.
func NewResolver(st store.Store, cc *cache.ContextCache, bl *cache.Blacklist, cfg config.AuthConfig) *Resolver {
	return &Resolver{store: st, cache: cc, blacklist: bl, cfg: cfg, now: time.Now}
}

// HashApiKey is the stored form of API key material.
func HashApiKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Resolve authenticates a request.
func (r *Resolver) Resolve(req *http.Request) (*Context, error) {
	ctx := req.Context()
	requestID := req.Header.Get("X-Request-ID")

	if !r.cfg.Enabled {
		return r.systemContext(ctx, requestID)
	}

	if key := req.Header.Get("X-API-Key"); key != "" {
		return r.resolveApiKey(ctx, key, requestID)
	}

	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return r.resolveJWT(ctx, strings.TrimPrefix(auth, "Bearer "), req.Header.Get("X-Organization-ID"), requestID)
	}

	return nil, models.ErrNoValidAuthentication
}

// systemContext is the auth-disabled path: the seeded organization of the
// first superuser.
func (r *Resolver) systemContext(ctx context.Context, requestID string) (*Context, error) {
	user, err := r.store.GetUserByEmail(ctx, r.cfg.FirstSuperuser)
	if err != nil {
		return nil, models.ErrOrganizationContextRequired
	}
	org, err := r.store.GetOrganization(ctx, user.PrimaryOrganizationID)
	if err != nil {
		return nil, models.ErrOrganizationContextRequired
	}
	return r.finish(org, user, AuthSystem, requestID), nil
}

func (r *Resolver) resolveApiKey(ctx context.Context, key, requestID string) (*Context, error) {
	hash := HashApiKey(key)

	var apiKey *models.ApiKey
	if r.cache != nil {
		apiKey = r.cache.GetApiKey(ctx, hash)
	}
	if apiKey == nil {
		var err error
		apiKey, err = r.store.GetApiKeyByHash(ctx, hash)
		if err != nil {
			return nil, models.ErrNoValidAuthentication
		}
		if r.cache != nil {
			r.cache.PutApiKey(ctx, hash, apiKey)
		}
	}
	if apiKey.Expired(r.now()) {
		return nil, models.ErrApiKeyExpired
	}

	org, err := r.organization(ctx, apiKey.OrganizationID)
	if err != nil {
		return nil, models.ErrOrganizationContextRequired
	}
	return r.finish(org, nil, AuthApiKey, requestID), nil
}

type jwtClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (r *Resolver) resolveJWT(ctx context.Context, token, orgHeader, requestID string) (*Context, error) {
	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, models.ErrNoValidAuthentication
		}
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid || claims.Email == "" {
		return nil, models.ErrNoValidAuthentication
	}

	if r.blacklist != nil {
		issuedAt := time.Time{}
		if claims.IssuedAt != nil {
			issuedAt = claims.IssuedAt.Time
		}
		revoked, err := r.blacklist.IsRevoked(ctx, claims.ID, claims.Email, issuedAt)
		if err != nil {
			return nil, models.ErrTokenBlacklisted
		}
		if revoked {
			return nil, models.ErrTokenBlacklisted
		}
	}

	var user *models.User
	if r.cache != nil {
		user = r.cache.GetUser(ctx, claims.Email)
	}
	if user == nil {
		var err error
		user, err = r.store.GetUserByEmail(ctx, claims.Email)
		if err != nil {
			return nil, models.ErrNoValidAuthentication
		}
		if r.cache != nil {
			r.cache.PutUser(ctx, user)
		}
	}

	orgID := orgHeader
	if orgID != "" {
		if !user.InOrganization(orgID) {
			return nil, models.ErrOrganizationAccessDenied
		}
	} else {
		orgID = user.PrimaryOrganizationID
	}
	if orgID == "" {
		return nil, models.ErrOrganizationContextRequired
	}

	org, err := r.organization(ctx, orgID)
	if err != nil {
		return nil, models.ErrOrganizationContextRequired
	}
	return r.finish(org, user, AuthJWT, requestID), nil
}

func (r *Resolver) organization(ctx context.Context, id string) (*models.Organization, error) {
	if r.cache != nil {
		if org := r.cache.GetOrganization(ctx, id); org != nil {
			return org, nil
		}
	}
	org, err := r.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.PutOrganization(ctx, org)
	}
	return org, nil
}

func (r *Resolver) finish(org *models.Organization, user *models.User, kind AuthKind, requestID string) *Context {
	logger := log.With().
		Str("organization_id", org.ID).
		Str("auth", string(kind)).
		Logger()
	if requestID != "" {
		logger = logger.With().Str("request_id", requestID).Logger()
	}
	if user != nil {
		logger = logger.With().Str("user_email", user.Email).Logger()
	}
	return &Context{
		Organization: org,
		User:         user,
		AuthKind:     kind,
		RequestID:    requestID,
		Logger:       logger,
	}
}

// Package registry is the declarative source catalog. Each connector
// registers a descriptor stating its supported authentication methods, its
// OAuth endpoints, and a factory that builds the connector from a decrypted
// credential bundle.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// OAuthKind distinguishes the handshake flavors.
type OAuthKind string

const (
	OAuthNone         OAuthKind = ""
	OAuth2            OAuthKind = "oauth2"
	OAuth2WithRefresh OAuthKind = "oauth2_with_refresh"
	OAuth1            OAuthKind = "oauth1"
)

// OAuthSettings are the provider endpoints for a source's handshake.
type OAuthSettings struct {
	Kind             OAuthKind
	AuthorizationURL string
	TokenURL         string
	Scopes           []string
	// OAuth1 endpoints.
	RequestTokenURL string
	AccessTokenURL  string
	// DefaultClientID/Secret come from platform configuration; BYOC sources
	// leave them empty.
	DefaultClientID     string
	DefaultClientSecret string
	UsesPKCE            bool
}

// Factory builds a connector instance from decrypted credentials and the
// user's config fields.
type Factory func(ctx context.Context, credentials map[string]any, config map[string]any) (contracts.Source, error)

// Descriptor declares one source.
type Descriptor struct {
	ShortName   string
	DisplayName string
	AuthMethods []models.AuthenticationMethod
	OAuth       OAuthSettings
	// RequiresBYOC forces bring-your-own-client for the browser flow.
	RequiresBYOC bool
	// SupportsIncrementalACL advertises a DirSync-style change stream.
	SupportsIncrementalACL bool
	// FederatedSearchOnly sources cannot be synced, only queried live.
	FederatedSearchOnly bool
	Factory             Factory
}

// Supports reports whether the source accepts the authentication method.
func (d *Descriptor) Supports(method models.AuthenticationMethod) bool {
	for _, m := range d.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Registry holds all known descriptors.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sources: map[string]*Descriptor{}}
}

// Register adds a descriptor. Registering a duplicate short name panics;
// descriptors are wired at startup so this is a programmer error.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[d.ShortName]; exists {
		panic("source registered twice: " + d.ShortName)
	}
	r.sources[d.ShortName] = d
}

// Get returns the descriptor for a short name.
func (r *Registry) Get(shortName string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sources[shortName]
	if !ok {
		return nil, &models.SourceNotFoundError{ShortName: shortName}
	}
	return d, nil
}

// List returns all descriptors sorted by short name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.sources))
	for _, d := range r.sources {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out
}

// InferAuthMethod picks the authentication method from the create request
// shape: an injected token wins, then explicit BYOC client credentials, then
// direct credential fields, then an auth provider reference; with nothing
// supplied, the browser OAuth flow.
func InferAuthMethod(hasToken, hasByocClient, hasDirectAuth, hasAuthProvider bool) models.AuthenticationMethod {
	switch {
	case hasToken:
		return models.AuthMethodOAuthToken
	case hasByocClient:
		return models.AuthMethodOAuthBYOC
	case hasDirectAuth:
		return models.AuthMethodDirect
	case hasAuthProvider:
		return models.AuthMethodAuthProvider
	default:
		return models.AuthMethodOAuthBrowser
	}
}

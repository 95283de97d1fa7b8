// Package api is the HTTP surface: routing, middleware, and handlers that
// translate between the wire and the domain services.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/guardrail"
	"github.com/airweave/airweave/internal/oauthflow"
	"github.com/airweave/airweave/internal/oauthserver"
	"github.com/airweave/airweave/internal/orglife"
	"github.com/airweave/airweave/internal/ratelimit"
	"github.com/airweave/airweave/internal/search"
	"github.com/airweave/airweave/internal/sourceconn"
	"github.com/airweave/airweave/internal/store"
)

// Server bundles the handler dependencies.
type Server struct {
	Cfg      config.Config
	Store    store.Store
	Resolver *apictx.Resolver
	Limiter  *ratelimit.Limiter

	SourceConns   *sourceconn.Service
	Search        *search.Service
	Orgs          *orglife.Service
	OAuthFlow     *oauthflow.Service
	OAuthProvider *oauthserver.Provider
	Guards        *guardrail.Registry
	Bus           events.Bus

	Version string
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Organization-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Unauthenticated surface: health, OAuth proxy hops, and the provider
	// token endpoints (they authenticate the client themselves).
	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/oauth-protected-resource", s.handleProtectedResourceMetadata)
	r.Get("/source-connections/authorize/{code}", s.handleAuthorizeRedirect)
	r.Get("/source-connections/callback", s.handleOAuthCallback)
	r.Post("/oauth/token", s.handleOAuthToken)
	r.Post("/oauth/revoke", s.handleOAuthRevoke)
	r.Post("/oauth/introspect", s.handleOAuthIntrospect)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Route("/source-connections", func(r chi.Router) {
			r.Post("/", s.handleCreateSourceConnection)
			r.Get("/", s.handleListSourceConnections)
			r.Get("/{id}", s.handleGetSourceConnection)
			r.Delete("/{id}", s.handleDeleteSourceConnection)
			r.Post("/{id}/run", s.handleRunSourceConnection)
			r.Get("/{id}/jobs", s.handleListJobs)
			r.Post("/{id}/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Get("/{id}/jobs/{jobID}/subscribe", s.handleSubscribeJob)
		})

		r.Route("/collections", func(r chi.Router) {
			r.Post("/", s.handleCreateCollection)
			r.Get("/{readableID}", s.handleGetCollection)
			r.Post("/{readableID}/search", s.handleSearch)
			r.Get("/{readableID}/search/stream", s.handleSearchStream)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Get("/", s.handleUsageDashboard)
			r.Post("/check-actions", s.handleCheckActions)
		})

		r.Route("/organizations", func(r chi.Router) {
			r.Post("/", s.handleCreateOrganization)
			r.Delete("/{id}", s.handleDeleteOrganization)
		})

		r.Get("/oauth/authorize", s.handleOAuthAuthorize)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status, "version": s.Version})
}

// respondJSON writes v with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON parses the request body strictly.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

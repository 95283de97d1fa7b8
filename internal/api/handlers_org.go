package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/orglife"
	"github.com/airweave/airweave/pkg/models"
)

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req orglife.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}
	org, err := s.Orgs.Create(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, org)
}

// handleDeleteOrganization only allows deleting the caller's own
// organization.
func (s *Server) handleDeleteOrganization(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	orgID := chi.URLParam(r, "id")
	if ac.OrgID() != orgID {
		respondError(w, models.ErrOrganizationAccessDenied)
		return
	}
	if err := s.Orgs.Delete(r.Context(), orgID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

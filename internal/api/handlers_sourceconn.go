package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/sourceconn"
	"github.com/airweave/airweave/pkg/models"
)

func (s *Server) handleCreateSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	var req sourceconn.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}
	sc, err := s.SourceConns.Create(r.Context(), ac.OrgID(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListSourceConnections(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	conns, err := s.SourceConns.List(r.Context(), ac.OrgID())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conns)
}

func (s *Server) handleGetSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	sc, err := s.SourceConns.Get(r.Context(), ac.OrgID(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	if err := s.SourceConns.Delete(r.Context(), ac.OrgID(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunSourceConnection(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	job, err := s.SourceConns.Run(r.Context(), ac.OrgID(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	jobs, err := s.SourceConns.Jobs(r.Context(), ac.OrgID(), chi.URLParam(r, "id"), 20)
	if err != nil {
		respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.SyncJob{}
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	err := s.SourceConns.Cancel(r.Context(), ac.OrgID(), chi.URLParam(r, "id"), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSubscribeJob streams job progress as server-sent events until the
// job reaches a terminal state or the client disconnects.
func (s *Server) handleSubscribeJob(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	jobID := chi.URLParam(r, "jobID")

	// Ownership check before exposing the stream.
	if _, err := s.SourceConns.Get(r.Context(), ac.OrgID(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	job, err := s.Store.GetSyncJob(r.Context(), jobID)
	if err != nil {
		respondError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusNotImplemented, errorBody{Error: "streaming_unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ch, cancel := s.Bus.Subscribe(r.Context(), events.SyncProgressTopic(jobID))
	defer cancel()

	// Opening snapshot so late subscribers see current counters.
	writeSSE(w, flusher, "progress", job)

	if job.Terminal() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", msg.Payload)
			flusher.Flush()
			var p struct {
				IsComplete bool `json:"is_complete"`
				IsFailed   bool `json:"is_failed"`
			}
			if json.Unmarshal(msg.Payload, &p) == nil && (p.IsComplete || p.IsFailed) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/search"
	"github.com/airweave/airweave/pkg/models"
)

type createCollectionRequest struct {
	Name       string `json:"name"`
	ReadableID string `json:"readable_id"`
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	var req createCollectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}
	if req.Name == "" || req.ReadableID == "" {
		respondJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unprocessable", Detail: "name and readable_id are required"})
		return
	}
	now := time.Now()
	col := &models.Collection{
		ID:             uuid.NewString(),
		ReadableID:     req.ReadableID,
		Name:           req.Name,
		OrganizationID: ac.OrgID(),
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if err := s.Store.CreateCollection(r.Context(), col); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, col)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	col, err := s.Store.GetCollectionByReadableID(r.Context(), ac.OrgID(), chi.URLParam(r, "readableID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, col)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	var req search.Request
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}
	resp, err := s.Search.Search(r.Context(), ac.OrgID(), chi.URLParam(r, "readableID"), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSearchStream runs a search while streaming its progress events,
// then emits the result as the final event.
func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	query := r.URL.Query().Get("query")
	if query == "" {
		respondJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "unprocessable", Detail: "query is required"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusNotImplemented, errorBody{Error: "streaming_unsupported"})
		return
	}

	req := search.Request{
		Query:     query,
		Agentic:   r.URL.Query().Get("agentic") == "true",
		RequestID: uuid.NewString(),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	ch, cancel := s.Bus.Subscribe(r.Context(), events.SearchProgressTopic(req.RequestID))
	defer cancel()

	type outcome struct {
		resp *search.Response
		err  error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		resp, err := s.Search.Search(r.Context(), ac.OrgID(), chi.URLParam(r, "readableID"), req)
		resultCh <- outcome{resp, err}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			_, _ = w.Write([]byte("event: progress\ndata: "))
			_, _ = w.Write(msg.Payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case out := <-resultCh:
			// Drain progress published before the result landed.
			for {
				select {
				case msg := <-ch:
					_, _ = w.Write([]byte("event: progress\ndata: "))
					_, _ = w.Write(msg.Payload)
					_, _ = w.Write([]byte("\n\n"))
					flusher.Flush()
					continue
				default:
				}
				break
			}
			if out.err != nil {
				writeSSE(w, flusher, "error", errorBody{Error: "search_failed", Detail: out.err.Error()})
				return
			}
			writeSSE(w, flusher, "result", out.resp)
			return
		}
	}
}

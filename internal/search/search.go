// Package search answers queries against a collection's destinations. The
// fast path embeds the query and ranks destination hits; the agentic path
// lets a planner model rewrite the query over a bounded number of
// iterations and composes a grounded answer from the winning hits.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/destination"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/guardrail"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// Request is one search call.
type Request struct {
	Query string `json:"query" validate:"required,min=1"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
	// Agentic enables the planner loop and answer composition.
	Agentic bool `json:"agentic,omitempty"`
	// RequestID keys the progress event stream. Assigned when empty.
	RequestID string `json:"request_id,omitempty"`
}

// Response is the search outcome.
type Response struct {
	RequestID  string               `json:"request_id"`
	Results    []destination.Result `json:"results"`
	Completion string               `json:"completion,omitempty"`
	Iterations int                  `json:"iterations,omitempty"`
}

// progressEvent is published on the search progress topic.
type progressEvent struct {
	RequestID string `json:"request_id"`
	Stage     string `json:"stage"`
	Iteration int    `json:"iteration,omitempty"`
	Results   int    `json:"results,omitempty"`
}

// Service executes searches.
type Service struct {
	Store     store.Store
	Dense     contracts.DenseEmbedder
	Sparse    contracts.SparseEmbedder
	Searchers []destination.Searcher
	Model     contracts.ChatModel
	Guards    *guardrail.Registry
	Bus       events.Bus
	Cfg       config.SearchConfig
}

// Search runs one query against a collection.
func (s *Service) Search(ctx context.Context, orgID, readableCollectionID string, req Request) (*Response, error) {
	guard := s.Guards.For(orgID)
	if err := guard.IsAllowed(ctx, models.ActionQueries, 1); err != nil {
		return nil, err
	}

	syncIDs, err := s.collectionSyncs(ctx, orgID, readableCollectionID)
	if err != nil {
		return nil, err
	}

	if req.RequestID == "" {
		req.RequestID = fmt.Sprintf("search-%d", time.Now().UnixNano())
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.Cfg.DefaultLimit
	}
	if limit <= 0 {
		limit = 20
	}

	var resp *Response
	if req.Agentic && s.Model != nil {
		resp, err = s.runAgentic(ctx, syncIDs, req, limit)
	} else {
		var results []destination.Result
		results, err = s.query(ctx, syncIDs, req.Query, limit)
		if err == nil {
			resp = &Response{RequestID: req.RequestID, Results: results}
		}
	}
	if err != nil {
		return nil, err
	}

	if err := guard.Increment(ctx, models.ActionQueries, 1); err != nil {
		log.Error().Err(err).Str("organization_id", orgID).Msg("query usage not recorded")
	}
	return resp, nil
}

// collectionSyncs resolves the readable collection id to the sync ids of
// its source connections.
func (s *Service) collectionSyncs(ctx context.Context, orgID, readableID string) ([]string, error) {
	if _, err := s.Store.GetCollectionByReadableID(ctx, orgID, readableID); err != nil {
		return nil, err
	}
	conns, err := s.Store.ListSourceConnections(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var syncIDs []string
	for i := range conns {
		if conns[i].ReadableCollectionID == readableID && conns[i].SyncID != "" {
			syncIDs = append(syncIDs, conns[i].SyncID)
		}
	}
	return syncIDs, nil
}

// query embeds one query string and merges hits across searchers, keeping
// the best score per entity.
func (s *Service) query(ctx context.Context, syncIDs []string, query string, limit int) ([]destination.Result, error) {
	dense, err := s.Dense.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	var sparse *models.SparseVector
	if s.Sparse != nil {
		vecs, err := s.Sparse.Embed(ctx, []string{query})
		if err == nil && len(vecs) == 1 {
			sparse = &vecs[0]
		}
	}

	best := map[string]destination.Result{}
	for _, searcher := range s.Searchers {
		hits, err := searcher.Search(ctx, syncIDs, dense[0], sparse, limit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if prev, ok := best[h.EntityID]; !ok || h.Score > prev.Score {
				best[h.EntityID] = h
			}
		}
	}
	merged := make([]destination.Result, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// ── Agentic loop ────────────────────────────────────────────

type planOutput struct {
	Queries []string `json:"queries"`
}

type verdictOutput struct {
	Sufficient   bool   `json:"sufficient"`
	RefinedQuery string `json:"refined_query"`
}

var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"queries": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"maxItems": 3,
		},
	},
	"required":             []string{"queries"},
	"additionalProperties": false,
}

var verdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"sufficient":    map[string]any{"type": "boolean"},
		"refined_query": map[string]any{"type": "string"},
	},
	"required":             []string{"sufficient"},
	"additionalProperties": false,
}

func (s *Service) runAgentic(ctx context.Context, syncIDs []string, req Request, limit int) (*Response, error) {
	maxIter := s.Cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 3
	}

	query := req.Query
	best := map[string]destination.Result{}
	iterations := 0

	for iter := 1; iter <= maxIter; iter++ {
		iterations = iter
		s.progress(ctx, req.RequestID, "planning", iter, len(best))

		queries := []string{query}
		if planned, err := s.plan(ctx, query, best); err != nil {
			// The planner is an optimization; the raw query still works.
			log.Warn().Err(err).Str("request_id", req.RequestID).Msg("search planning failed")
		} else if len(planned) > 0 {
			queries = planned
		}

		s.progress(ctx, req.RequestID, "searching", iter, len(best))
		for _, q := range queries {
			hits, err := s.query(ctx, syncIDs, q, limit)
			if err != nil {
				return nil, err
			}
			for _, h := range hits {
				if prev, ok := best[h.EntityID]; !ok || h.Score > prev.Score {
					best[h.EntityID] = h
				}
			}
		}

		s.progress(ctx, req.RequestID, "evaluating", iter, len(best))
		verdict, err := s.evaluate(ctx, req.Query, best)
		if err != nil {
			log.Warn().Err(err).Str("request_id", req.RequestID).Msg("search evaluation failed")
			break
		}
		if verdict.Sufficient || verdict.RefinedQuery == "" {
			break
		}
		query = verdict.RefinedQuery
	}

	results := make([]destination.Result, 0, len(best))
	for _, h := range best {
		results = append(results, h)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	s.progress(ctx, req.RequestID, "answering", iterations, len(results))
	completion, err := s.compose(ctx, req.Query, results)
	if err != nil {
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("answer composition failed")
	}
	s.progress(ctx, req.RequestID, "done", iterations, len(results))

	return &Response{
		RequestID:  req.RequestID,
		Results:    results,
		Completion: completion,
		Iterations: iterations,
	}, nil
}

func (s *Service) plan(ctx context.Context, query string, found map[string]destination.Result) ([]string, error) {
	prompt := fmt.Sprintf(
		"Rewrite the user query into up to three focused retrieval queries.\nUser query: %s\nHits so far: %d",
		query, len(found))
	raw, err := s.Model.Complete(ctx, contracts.ChatRequest{
		Model:      s.Cfg.PlannerModel,
		Messages:   []contracts.ChatMessage{{Role: "user", Content: prompt}},
		JSONSchema: planSchema,
	})
	if err != nil {
		return nil, err
	}
	var out planOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("planner output: %w", err)
	}
	return out.Queries, nil
}

func (s *Service) evaluate(ctx context.Context, query string, found map[string]destination.Result) (*verdictOutput, error) {
	prompt := fmt.Sprintf(
		"Judge whether the retrieved context answers the query. If not, propose one refined query.\nQuery: %s\n%s",
		query, snippets(found, 5))
	raw, err := s.Model.Complete(ctx, contracts.ChatRequest{
		Model:      s.Cfg.PlannerModel,
		Messages:   []contracts.ChatMessage{{Role: "user", Content: prompt}},
		JSONSchema: verdictSchema,
	})
	if err != nil {
		return nil, err
	}
	var out verdictOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("verdict output: %w", err)
	}
	return &out, nil
}

func (s *Service) compose(ctx context.Context, query string, results []destination.Result) (string, error) {
	if len(results) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("Answer the query using only the context below. Cite entity ids.\n")
	sb.WriteString("Query: " + query + "\n\nContext:\n")
	for i, r := range results {
		if i >= 10 {
			break
		}
		sb.WriteString(fmt.Sprintf("[%s] %s\n", r.EntityID, clip(r.Text, 600)))
	}
	return s.Model.Complete(ctx, contracts.ChatRequest{
		Messages: []contracts.ChatMessage{{Role: "user", Content: sb.String()}},
	})
}

func (s *Service) progress(ctx context.Context, requestID, stage string, iteration, results int) {
	if s.Bus == nil {
		return
	}
	_ = s.Bus.Publish(ctx, events.SearchProgressTopic(requestID), progressEvent{
		RequestID: requestID,
		Stage:     stage,
		Iteration: iteration,
		Results:   results,
	})
}

func snippets(found map[string]destination.Result, max int) string {
	var sb strings.Builder
	i := 0
	for _, r := range found {
		if i >= max {
			break
		}
		sb.WriteString("- " + clip(r.Text, 200) + "\n")
		i++
	}
	return sb.String()
}

func clip(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

package api

import (
	"errors"
	"net/http"

	"github.com/airweave/airweave/internal/apictx"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

type usageMetric struct {
	Action string `json:"action"`
	Used   int64  `json:"used"`
	Limit  *int64 `json:"limit"` // nil means unlimited
	Trend  string `json:"trend"` // up, down, flat
}

type usageDashboard struct {
	Plan    string                `json:"plan"`
	Status  string                `json:"status"`
	Metrics []usageMetric         `json:"metrics"`
	Period  *models.BillingPeriod `json:"period,omitempty"`
}

// handleUsageDashboard reports current-period consumption against plan
// limits, with a trend against the previous period.
func (s *Server) handleUsageDashboard(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	ctx := r.Context()
	orgID := ac.OrgID()

	period, err := s.Store.CurrentBillingPeriod(ctx, orgID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			// Legacy org with no billing period: everything is unlimited.
			respondJSON(w, http.StatusOK, usageDashboard{
				Plan:   string(models.PlanEnterprise),
				Status: "ok",
				Metrics: []usageMetric{
					{Action: string(models.ActionEntities), Trend: "flat"},
					{Action: string(models.ActionQueries), Trend: "flat"},
					{Action: string(models.ActionSourceConnections), Trend: "flat"},
					{Action: string(models.ActionTeamMembers), Trend: "flat"},
				},
			})
			return
		}
		respondError(w, err)
		return
	}

	usage, err := s.Store.GetUsage(ctx, period.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	scCount, err := s.Store.CountSourceConnections(ctx, orgID)
	if err != nil {
		respondError(w, err)
		return
	}
	memberCount, err := s.Store.CountMembers(ctx, orgID)
	if err != nil {
		respondError(w, err)
		return
	}

	var previous *models.Usage
	if periods, err := s.Store.ListBillingPeriods(ctx, orgID, 2); err == nil && len(periods) == 2 {
		if u, err := s.Store.GetUsage(ctx, periods[1].ID); err == nil {
			previous = u
		}
	}

	limits := models.DefaultPlanLimits[period.Plan]
	metrics := []usageMetric{
		{
			Action: string(models.ActionEntities),
			Used:   usage.Entities,
			Limit:  limits.MaxEntities,
			Trend:  trend(usage.Entities, previousCount(previous, models.ActionEntities)),
		},
		{
			Action: string(models.ActionQueries),
			Used:   usage.Queries,
			Limit:  limits.MaxQueries,
			Trend:  trend(usage.Queries, previousCount(previous, models.ActionQueries)),
		},
		{
			Action: string(models.ActionSourceConnections),
			Used:   scCount,
			Limit:  limits.MaxSourceConnections,
			Trend:  "flat",
		},
		{
			Action: string(models.ActionTeamMembers),
			Used:   memberCount,
			Limit:  limits.MaxTeamMembers,
			Trend:  "flat",
		},
	}

	respondJSON(w, http.StatusOK, usageDashboard{
		Plan:    string(period.Plan),
		Status:  string(period.Status),
		Metrics: metrics,
		Period:  period,
	})
}

func previousCount(u *models.Usage, action models.UsageAction) *int64 {
	if u == nil {
		return nil
	}
	n := u.Get(action)
	return &n
}

// trend compares against the previous period with a 5% deadband so small
// fluctuations read as flat.
func trend(current int64, previous *int64) string {
	if previous == nil || *previous == 0 {
		return "flat"
	}
	ratio := float64(current) / float64(*previous)
	switch {
	case ratio > 1.05:
		return "up"
	case ratio < 0.95:
		return "down"
	default:
		return "flat"
	}
}

type checkActionsRequest struct {
	Actions []string `json:"actions"`
}

type actionVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// handleCheckActions lets clients pre-flight guarded actions before
// attempting them.
func (s *Server) handleCheckActions(w http.ResponseWriter, r *http.Request) {
	ac := apictx.From(r.Context())
	var req checkActionsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
		return
	}

	guard := s.Guards.For(ac.OrgID())
	verdicts := make(map[string]actionVerdict, len(req.Actions))
	for _, name := range req.Actions {
		err := guard.IsAllowed(r.Context(), models.UsageAction(name), 1)
		if err != nil {
			verdicts[name] = actionVerdict{Allowed: false, Reason: err.Error()}
			continue
		}
		verdicts[name] = actionVerdict{Allowed: true}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": verdicts})
}

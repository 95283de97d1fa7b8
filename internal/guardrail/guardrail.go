// Package guardrail enforces per-organization usage limits. One guard
// instance exists per organization per process; increments for high-volume
// actions buffer locally and flush at per-action thresholds so the pipeline
// does not write usage rows per entity.
package guardrail

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// usageTTL bounds how stale a cached cumulative usage row may be. Admission
// checks run per batch, so a short cache keeps the store off the hot path
// while the unflushed buffer still reflects this process's own writes.
const usageTTL = 30 * time.Second

// Flush thresholds per action. Queries flush immediately; entities are
// buffered because they arrive in bursts of thousands.
var flushThresholds = map[models.UsageAction]int64{
	models.ActionEntities: 100,
	models.ActionQueries:  1,
}

// Guard enforces limits for one organization.
type Guard struct {
	orgID string
	store store.Store
	now   func() time.Time

	mu      sync.Mutex
	pending map[models.UsageAction]int64

	cachedUsage    *models.Usage
	cachedPeriodID string
	cachedAt       time.Time
}

// Registry hands out per-organization guards.
type Registry struct {
	store store.Store

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewRegistry wires the guard registry.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, guards: map[string]*Guard{}}
}

// For returns the guard for an organization, creating it on first use.
func (r *Registry) For(orgID string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[orgID]
	if !ok {
		g = &Guard{orgID: orgID, store: r.store, now: time.Now, pending: map[models.UsageAction]int64{}}
		r.guards[orgID] = g
	}
	return g
}

// IsAllowed checks whether the organization may perform amount units of
// action. Organizations without a billing period are exempt from all
// guardrails.
func (g *Guard) IsAllowed(ctx context.Context, action models.UsageAction, amount int64) error {
	period, err := g.store.CurrentBillingPeriod(ctx, g.orgID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}

	for _, blocked := range models.BlockedActions[period.Status] {
		if blocked == action {
			return &models.PaymentRequiredError{Action: action, Status: period.Status}
		}
	}

	limits, ok := models.DefaultPlanLimits[period.Plan]
	if !ok {
		return nil
	}
	cap := limits.Limit(action)
	if cap == nil {
		return nil
	}

	current, err := g.currentUsage(ctx, period, action)
	if err != nil {
		return err
	}
	if current+amount > *cap {
		return &models.UsageLimitExceededError{Action: action, Limit: *cap, CurrentUsage: current}
	}
	return nil
}

// currentUsage reads the action's level: cumulative actions from the usage
// row (cached for usageTTL) plus the unflushed buffer, dynamic actions
// counted live.
func (g *Guard) currentUsage(ctx context.Context, period *models.BillingPeriod, action models.UsageAction) (int64, error) {
	if action.Cumulative() {
		usage, err := g.usage(ctx, period.ID)
		if err != nil {
			return 0, err
		}
		g.mu.Lock()
		buffered := g.pending[action]
		g.mu.Unlock()
		return usage.Get(action) + buffered, nil
	}
	switch action {
	case models.ActionSourceConnections:
		return g.store.CountSourceConnections(ctx, g.orgID)
	case models.ActionTeamMembers:
		return g.store.CountMembers(ctx, g.orgID)
	}
	return 0, nil
}

// usage returns the billing period's usage row, serving it from the cache
// while fresh.
func (g *Guard) usage(ctx context.Context, periodID string) (*models.Usage, error) {
	g.mu.Lock()
	if g.cachedUsage != nil && g.cachedPeriodID == periodID && g.now().Sub(g.cachedAt) < usageTTL {
		u := g.cachedUsage
		g.mu.Unlock()
		return u, nil
	}
	g.mu.Unlock()

	usage, err := g.store.GetUsage(ctx, periodID)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.cachedUsage = usage
	g.cachedPeriodID = periodID
	g.cachedAt = g.now()
	g.mu.Unlock()
	return usage, nil
}

// Increment buffers n units of a cumulative action and flushes once the
// buffer crosses the action's threshold. Dynamic actions are counted live
// and need no increments.
func (g *Guard) Increment(ctx context.Context, action models.UsageAction, n int64) error {
	if !action.Cumulative() {
		return nil
	}
	g.mu.Lock()
	g.pending[action] += n
	shouldFlush := g.pending[action] >= flushThresholds[action]
	g.mu.Unlock()

	if shouldFlush {
		return g.flush(ctx, action)
	}
	return nil
}

func (g *Guard) flush(ctx context.Context, action models.UsageAction) error {
	g.mu.Lock()
	n := g.pending[action]
	if n == 0 {
		g.mu.Unlock()
		return nil
	}
	g.pending[action] = 0
	g.mu.Unlock()

	period, err := g.store.CurrentBillingPeriod(ctx, g.orgID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			// Legacy org: counters have nowhere to go.
			return nil
		}
		g.restore(action, n)
		return err
	}
	if err := g.store.AddUsage(ctx, period.ID, action, n); err != nil {
		g.restore(action, n)
		return err
	}
	// The cached row no longer includes what was just flushed.
	g.mu.Lock()
	g.cachedUsage = nil
	g.mu.Unlock()
	return nil
}

func (g *Guard) restore(action models.UsageAction, n int64) {
	g.mu.Lock()
	g.pending[action] += n
	g.mu.Unlock()
}

// FlushAll drains every buffered counter. Called at the end of a sync run;
// an error here surfaces as a run failure so usage is never silently lost.
func (g *Guard) FlushAll(ctx context.Context) error {
	var firstErr error
	for action := range flushThresholds {
		if err := g.flush(ctx, action); err != nil {
			log.Error().Err(err).
				Str("organization_id", g.orgID).
				Str("action", string(action)).
				Msg("usage flush failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Pending exposes the unflushed buffer for an action.
func (g *Guard) Pending(action models.UsageAction) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[action]
}

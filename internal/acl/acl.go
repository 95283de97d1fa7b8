// Package acl mirrors source-side membership tuples into the metadata
// store. A full pass collects every tuple and prunes the rest; sources with
// DirSync-style change streams run incrementally from a stored cookie.
package acl

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

const upsertBatchSize = 500

// Result summarizes one ACL run.
type Result struct {
	Mode     string `json:"mode"` // "full" or "incremental"
	Upserted int64  `json:"upserted"`
	Removed  int64  `json:"removed"`
}

// Mirror runs ACL syncs for one source connection.
type Mirror struct {
	Store store.Store
	now   func() time.Time
}

// NewMirror wires an ACL mirror.
func NewMirror(st store.Store) *Mirror {
	return &Mirror{Store: st, now: time.Now}
}

// Run picks the sync mode and executes it. Incremental mode requires the
// source to support it, a stored cookie from a previous run, and the source
// not demanding a full refresh; anything else falls back to a full pass.
func (m *Mirror) Run(ctx context.Context, orgID, sourceConnectionID, syncID string, src contracts.AccessControlSource) (*Result, error) {
	cookie := m.loadCookie(ctx, syncID)
	if src.SupportsIncrementalACL() && cookie != "" && !src.RequiresFullRefresh() {
		res, err := m.runIncremental(ctx, orgID, sourceConnectionID, syncID, cookie, src)
		if err == nil {
			return res, nil
		}
		// An invalidated cookie is recoverable; rerun full.
		log.Warn().Err(err).
			Str("source_connection_id", sourceConnectionID).
			Msg("incremental acl sync failed, falling back to full")
	}
	return m.runFull(ctx, orgID, sourceConnectionID, syncID, src)
}

// runFull collects every tuple and prunes rows not seen. Pruning only runs
// when collection finished cleanly: a partial stream must never look like a
// mass revocation.
func (m *Mirror) runFull(ctx context.Context, orgID, sourceConnectionID, syncID string, src contracts.AccessControlSource) (*Result, error) {
	res := &Result{Mode: "full"}
	seen := map[string]bool{}
	var pending []models.AccessControlMembership

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := m.Store.BulkUpsertMemberships(ctx, pending); err != nil {
			return err
		}
		res.Upserted += int64(len(pending))
		pending = pending[:0]
		return nil
	}

	err := src.CollectMemberships(ctx, func(t models.MembershipTuple) error {
		seen[t.Key()] = true
		pending = append(pending, m.row(orgID, sourceConnectionID, src.SourceName(), t))
		if len(pending) >= upsertBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}

	removed, err := m.Store.DeleteMembershipOrphans(ctx, orgID, sourceConnectionID, seen)
	if err != nil {
		return nil, err
	}
	res.Removed = removed

	// Seed the next incremental run. Best effort: a source without a cookie
	// endpoint just keeps running full passes.
	if src.SupportsIncrementalACL() {
		if cookie, err := src.FetchCookie(ctx); err == nil && cookie != "" {
			if err := m.saveCookie(ctx, syncID, cookie); err != nil {
				return nil, err
			}
		} else if err != nil {
			log.Debug().Err(err).Str("source_connection_id", sourceConnectionID).Msg("cookie fetch failed")
		}
	}

	log.Info().
		Str("source_connection_id", sourceConnectionID).
		Int64("upserted", res.Upserted).
		Int64("removed", res.Removed).
		Msg("full acl sync finished")
	return res, nil
}

func (m *Mirror) runIncremental(ctx context.Context, orgID, sourceConnectionID, syncID, cookie string, src contracts.AccessControlSource) (*Result, error) {
	changes, next, err := src.CollectMembershipChanges(ctx, cookie)
	if err != nil {
		return nil, err
	}
	res := &Result{Mode: "incremental"}

	existing, err := m.Store.ListMemberships(ctx, orgID, sourceConnectionID)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(existing))
	for i := range existing {
		t := models.MembershipTuple{
			MemberID:   existing[i].MemberID,
			MemberType: existing[i].MemberType,
			GroupID:    existing[i].GroupID,
		}
		present[t.Key()] = true
	}

	var adds []models.AccessControlMembership
	for _, ch := range changes {
		switch ch.Op {
		case models.MembershipAdd:
			adds = append(adds, m.row(orgID, sourceConnectionID, src.SourceName(), ch.Tuple))
		case models.MembershipRemove:
			if err := m.Store.DeleteMembershipByKey(ctx, orgID, sourceConnectionID, ch.Tuple); err != nil {
				return nil, err
			}
			// Removes for tuples we never held are no-ops.
			if present[ch.Tuple.Key()] {
				res.Removed++
			}
		}
	}
	if len(adds) > 0 {
		if err := m.Store.BulkUpsertMemberships(ctx, adds); err != nil {
			return nil, err
		}
		res.Upserted = int64(len(adds))
	}
	if next != "" {
		if err := m.saveCookie(ctx, syncID, next); err != nil {
			return nil, err
		}
	}
	log.Info().
		Str("source_connection_id", sourceConnectionID).
		Int64("upserted", res.Upserted).
		Int64("removed", res.Removed).
		Msg("incremental acl sync finished")
	return res, nil
}

func (m *Mirror) row(orgID, sourceConnectionID, sourceName string, t models.MembershipTuple) models.AccessControlMembership {
	return models.AccessControlMembership{
		ID:                 uuid.NewString(),
		OrganizationID:     orgID,
		SourceConnectionID: sourceConnectionID,
		MemberID:           t.MemberID,
		MemberType:         t.MemberType,
		GroupID:            t.GroupID,
		GroupName:          t.GroupName,
		SourceName:         sourceName,
		CreatedAt:          m.now(),
	}
}

func (m *Mirror) loadCookie(ctx context.Context, syncID string) string {
	cursor, err := m.Store.GetCursor(ctx, syncID)
	if err != nil {
		return ""
	}
	cookie, _ := cursor.Data[models.ACLCookieKey].(string)
	return cookie
}

func (m *Mirror) saveCookie(ctx context.Context, syncID, cookie string) error {
	cursor, err := m.Store.GetCursor(ctx, syncID)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return err
		}
		cursor = &models.SyncCursor{SyncID: syncID, Data: map[string]any{}}
	}
	if cursor.Data == nil {
		cursor.Data = map[string]any{}
	}
	cursor.Data[models.ACLCookieKey] = cookie
	cursor.UpdatedAt = m.now()
	return m.Store.UpsertCursor(ctx, cursor)
}

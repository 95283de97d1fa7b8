package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/events"
	"github.com/airweave/airweave/internal/guardrail"
	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// Progress is the payload published on the sync progress topic.
type Progress struct {
	JobID      string              `json:"job_id"`
	SyncID     string              `json:"sync_id"`
	Counters   models.SyncCounters `json:"counters"`
	IsComplete bool                `json:"is_complete,omitempty"`
	IsFailed   bool                `json:"is_failed,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Runner executes sync jobs end to end.
type Runner struct {
	Store      store.Store
	Processor  *ContentProcessor
	Dispatcher *Dispatcher
	Bus        events.Bus
	Guards     *guardrail.Registry
	Cfg        config.SyncConfig

	now func() time.Time
}

// NewRunner wires a runner. now defaults to time.Now.
func NewRunner(st store.Store, proc *ContentProcessor, disp *Dispatcher, bus events.Bus, guards *guardrail.Registry, cfg config.SyncConfig) *Runner {
	return &Runner{Store: st, Processor: proc, Dispatcher: disp, Bus: bus, Guards: guards, Cfg: cfg, now: time.Now}
}

type runState struct {
	job    *models.SyncJob
	sync   *models.Sync
	guard  *guardrail.Guard
	seen   map[string]bool
	counts map[string]int64 // inserted minus deleted, per definition
	batch  []*models.Entity

	batchIndex    int
	sinceProgress int
}

// Run executes one sync job against a built source. The job must exist in
// PENDING state; Run moves it to RUNNING and finalizes it to COMPLETED,
// FAILED, or CANCELLED.
func (r *Runner) Run(ctx context.Context, jobID string, sync *models.Sync, src contracts.Source) error {
	job, err := r.Store.GetSyncJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = models.SyncJobRunning
	job.StartedAt = r.now()
	if err := r.Store.UpdateSyncJob(ctx, job); err != nil {
		return err
	}

	st := &runState{
		job:    job,
		sync:   sync,
		guard:  r.Guards.For(job.OrganizationID),
		seen:   map[string]bool{},
		counts: map[string]int64{},
	}
	log.Info().
		Str("job_id", job.ID).
		Str("sync_id", sync.ID).
		Str("source", src.ShortName()).
		Msg("sync run started")

	if err := st.guard.IsAllowed(ctx, models.ActionEntities, 1); err != nil {
		return r.finish(ctx, st, err)
	}
	if err := r.stampCollection(ctx, st); err != nil {
		return r.finish(ctx, st, err)
	}

	cursorAware, _ := src.(contracts.CursorAware)
	if cursorAware != nil {
		cursor, err := r.Store.GetCursor(ctx, sync.ID)
		if err == nil {
			cursorAware.SetCursor(cursor.Data)
		} else if !store.NotFound(err) {
			return r.finish(ctx, st, err)
		}
	}

	streamErr := src.GenerateEntities(ctx, func(e *models.Entity) error {
		if e.System.ShouldSkip {
			st.job.Counters.Skipped++
			return nil
		}
		e.System.SyncID = sync.ID
		if !e.IsDeletion() {
			st.seen[e.EntityID] = true
		}
		st.batch = append(st.batch, e)
		if len(st.batch) >= r.Cfg.BatchSize {
			return r.flushBatch(ctx, st)
		}
		return nil
	})
	if streamErr == nil && len(st.batch) > 0 {
		streamErr = r.flushBatch(ctx, st)
	}

	if streamErr != nil {
		// A partial stream is not a trustworthy view of the source, so
		// orphan cleanup is skipped and the cursor is left untouched.
		return r.finish(ctx, st, streamErr)
	}

	if err := r.cleanOrphans(ctx, st); err != nil {
		return r.finish(ctx, st, err)
	}

	if cursorAware != nil {
		if data := cursorAware.Cursor(); data != nil {
			err := r.Store.UpsertCursor(ctx, &models.SyncCursor{
				SyncID:    sync.ID,
				Data:      data,
				UpdatedAt: r.now(),
			})
			if err != nil {
				return r.finish(ctx, st, err)
			}
		}
	}

	if err := r.publishEntityCounts(ctx, st); err != nil {
		return r.finish(ctx, st, err)
	}
	return r.finish(ctx, st, nil)
}

// stampCollection pins the collection's embedding configuration on its
// first sync and refuses to run when the configured embedder no longer
// matches the stamp. The check runs before any destination write so a
// mismatch cannot mix vector spaces inside one collection.
func (r *Runner) stampCollection(ctx context.Context, st *runState) error {
	coll, err := r.Store.GetCollection(ctx, st.sync.CollectionID)
	if err != nil {
		return err
	}
	model := r.Processor.Dense.ModelName()
	dims := r.Processor.Dense.Dimensions()
	if !coll.Stamped() {
		coll.EmbeddingModel = model
		coll.VectorSize = dims
		return r.Store.UpdateCollection(ctx, coll)
	}
	if coll.EmbeddingModel != model || coll.VectorSize != dims {
		return models.SyncFailuref(
			"collection %s is bound to embedding model %s (%d dims) but the server is configured with %s (%d dims)",
			coll.ReadableID, coll.EmbeddingModel, coll.VectorSize, model, dims)
	}
	return nil
}

// flushBatch resolves, processes, and dispatches the accumulated batch.
func (r *Runner) flushBatch(ctx context.Context, st *runState) error {
	batch := st.batch
	st.batch = nil
	st.batchIndex++

	resolver := &ActionResolver{Entities: r.Store}
	resolved, err := resolver.Resolve(ctx, st.sync.CollectionID, st.sync.ID, batch)
	if err != nil {
		return err
	}

	var inserts int64
	for i := range resolved {
		if resolved[i].Action == models.ActionInsert {
			inserts++
		}
	}
	if inserts > 0 {
		if err := st.guard.IsAllowed(ctx, models.ActionEntities, inserts); err != nil {
			return err
		}
	}

	chunks, err := r.Processor.Process(ctx, resolved)
	if err != nil {
		return err
	}

	writes := buildWrites(st.sync.ID, st.sync.CollectionID, st.job.OrganizationID, resolved, chunks, r.now())
	if err := r.Dispatcher.Dispatch(ctx, st.sync.ID, writes); err != nil {
		return err
	}

	var written int64
	for i := range resolved {
		res := &resolved[i]
		if res.Entity.System.ShouldSkip {
			st.job.Counters.Skipped++
			continue
		}
		switch res.Action {
		case models.ActionInsert:
			st.job.Counters.Inserted++
			written++
			st.counts[res.Entity.DefinitionID]++
		case models.ActionUpdate:
			st.job.Counters.Updated++
		case models.ActionDelete:
			st.job.Counters.Deleted++
			if res.Existing != nil {
				st.counts[res.Entity.DefinitionID]--
			}
		case models.ActionKeep:
			st.job.Counters.Kept++
		}
	}
	if written > 0 {
		if err := st.guard.Increment(ctx, models.ActionEntities, written); err != nil {
			return err
		}
	}

	st.sinceProgress++
	if st.sinceProgress >= r.Cfg.ProgressThreshold {
		st.sinceProgress = 0
		r.publishProgress(ctx, st, false, nil)
		if err := r.Store.UpdateSyncJob(ctx, st.job); err != nil {
			return err
		}
	}
	return nil
}

// cleanOrphans removes every stored entity the stream did not produce this
// run, from all destinations concurrently and then from metadata.
func (r *Runner) cleanOrphans(ctx context.Context, st *runState) error {
	rows, err := r.Store.ListEntitiesBySync(ctx, st.sync.ID)
	if err != nil {
		return err
	}
	var orphanRowIDs []string
	for i := range rows {
		if !st.seen[rows[i].EntityID] {
			orphanRowIDs = append(orphanRowIDs, rows[i].ID)
			st.counts[rows[i].DefinitionID]--
		}
	}
	if len(orphanRowIDs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, dest := range r.Dispatcher.Destinations {
		g.Go(func() error {
			return dest.DeleteOrphans(gctx, st.sync.ID, st.seen)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := r.Dispatcher.Metadata.BulkRemove(ctx, orphanRowIDs); err != nil {
		return err
	}
	st.job.Counters.Deleted += int64(len(orphanRowIDs))
	return nil
}

// publishEntityCounts recomputes per-definition totals from the metadata
// rows and publishes them.
func (r *Runner) publishEntityCounts(ctx context.Context, st *runState) error {
	rows, err := r.Store.ListEntitiesBySync(ctx, st.sync.ID)
	if err != nil {
		return err
	}
	totals := map[string]int64{}
	for i := range rows {
		totals[rows[i].DefinitionID]++
	}
	counts := make([]models.EntityCountRow, 0, len(totals))
	for def, n := range totals {
		row := models.EntityCountRow{SyncID: st.sync.ID, DefinitionID: def, Count: n}
		if err := r.Store.UpsertEntityCount(ctx, &row); err != nil {
			return err
		}
		counts = append(counts, row)
	}
	if r.Bus != nil {
		_ = r.Bus.Publish(ctx, events.EntityCountsTopic(st.sync.ID), counts)
	}
	return nil
}

// finish flushes usage, finalizes the job row, and publishes the terminal
// progress event. The run error wins over flush and persistence errors.
func (r *Runner) finish(ctx context.Context, st *runState, runErr error) error {
	// Usage must not be lost even on failure; flush with a fresh context so
	// a cancelled run still records its counters.
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := st.guard.FlushAll(flushCtx); err != nil && runErr == nil {
		runErr = err
	}

	job := st.job
	job.CompletedAt = r.now()
	switch {
	case runErr == nil:
		job.Status = models.SyncJobCompleted
	case errors.Is(runErr, context.Canceled):
		// Cooperative cancel: the scheduler moved the job to CANCELLING and
		// cancelled our context.
		if current, err := r.Store.GetSyncJob(flushCtx, job.ID); err == nil && current.Status == models.SyncJobCancelling {
			job.Status = models.SyncJobCancelled
		} else {
			job.Status = models.SyncJobFailed
			job.Error = runErr.Error()
		}
	default:
		job.Status = models.SyncJobFailed
		job.Error = runErr.Error()
	}

	if err := r.Store.UpdateSyncJob(flushCtx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to finalize sync job")
		if runErr == nil {
			runErr = err
		}
	}

	r.publishProgress(flushCtx, st, true, runErr)
	evt := log.Info()
	if runErr != nil {
		evt = log.Error().Err(runErr)
	}
	evt.Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int64("inserted", job.Counters.Inserted).
		Int64("updated", job.Counters.Updated).
		Int64("deleted", job.Counters.Deleted).
		Int64("kept", job.Counters.Kept).
		Int64("skipped", job.Counters.Skipped).
		Msg("sync run finished")
	return runErr
}

func (r *Runner) publishProgress(ctx context.Context, st *runState, terminal bool, runErr error) {
	if r.Bus == nil {
		return
	}
	p := Progress{
		JobID:    st.job.ID,
		SyncID:   st.sync.ID,
		Counters: st.job.Counters,
	}
	if terminal {
		p.IsComplete = runErr == nil
		p.IsFailed = runErr != nil
		if runErr != nil {
			p.Error = runErr.Error()
		}
	}
	_ = r.Bus.Publish(ctx, events.SyncProgressTopic(st.job.ID), p)
}

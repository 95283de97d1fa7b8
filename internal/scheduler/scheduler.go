// Package scheduler runs sync jobs on an in-process worker pool and keeps
// cron schedules for syncs that have one. It satisfies the scheduler
// contract so a deployment can swap in a durable executor without touching
// the callers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// RunFunc executes one sync job end to end. The context is cancelled when
// the job is cancelled or the scheduler shuts down.
type RunFunc func(ctx context.Context, jobID string) error

// Worker is the in-process scheduler.
type Worker struct {
	Store store.Store
	Run   RunFunc

	queue chan string
	cron  *cron.Cron

	mu       sync.Mutex
	running  map[string]context.CancelFunc // jobID -> cancel
	bySync   map[string]string             // syncID -> active jobID
	schedule map[string]cron.EntryID       // syncID -> cron entry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker builds a stopped worker pool; call Start before enqueueing.
func NewWorker(st store.Store, run RunFunc, workers int) *Worker {
	if workers <= 0 {
		workers = 4
	}
	w := &Worker{
		Store:    st,
		Run:      run,
		queue:    make(chan string, 256),
		cron:     cron.New(),
		running:  map[string]context.CancelFunc{},
		bySync:   map[string]string{},
		schedule: map[string]cron.EntryID{},
	}
	w.baseCtx, w.cancel = context.WithCancel(context.Background())
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

// Start begins firing cron schedules. Workers already drain the queue.
func (w *Worker) Start() { w.cron.Start() }

// Stop cancels running jobs and waits for the pool to drain.
func (w *Worker) Stop() {
	w.cron.Stop()
	w.cancel()
	close(w.queue)
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for jobID := range w.queue {
		w.execute(jobID)
	}
}

func (w *Worker) execute(jobID string) {
	ctx := w.baseCtx
	job, err := w.Store.GetSyncJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("queued job not found")
		return
	}
	// Cancelled-while-queued jobs are already terminal.
	if job.Status != models.SyncJobPending {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.running[jobID] = cancel
	w.bySync[job.SyncID] = jobID
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.running, jobID)
		if w.bySync[job.SyncID] == jobID {
			delete(w.bySync, job.SyncID)
		}
		w.mu.Unlock()
	}()

	worker := "sync-" + jobID
	log.Info().Str("worker", worker).Str("job_id", jobID).Msg("job picked up")
	if err := w.Run(jobCtx, jobID); err != nil {
		log.Error().Err(err).Str("worker", worker).Str("job_id", jobID).Msg("job run failed")
	}
}

// ── contracts.Scheduler ─────────────────────────────────────

// EnqueueSyncJob queues an existing PENDING job for execution.
func (w *Worker) EnqueueSyncJob(ctx context.Context, jobID string) error {
	select {
	case w.queue <- jobID:
		return nil
	default:
		return fmt.Errorf("scheduler queue full")
	}
}

// CancelJob cancels a job cooperatively. Queued jobs go straight to
// CANCELLED; running jobs move to CANCELLING and have their context
// cancelled, finalizing to CANCELLED when the runner observes it.
func (w *Worker) CancelJob(ctx context.Context, jobID string) error {
	job, err := w.Store.GetSyncJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.SyncJobPending:
		job.Status = models.SyncJobCancelled
		job.CompletedAt = time.Now()
		return w.Store.UpdateSyncJob(ctx, job)
	case models.SyncJobRunning:
		job.Status = models.SyncJobCancelling
		if err := w.Store.UpdateSyncJob(ctx, job); err != nil {
			return err
		}
		w.mu.Lock()
		cancel := w.running[jobID]
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	case models.SyncJobCancelling:
		return nil
	default:
		return fmt.Errorf("job %s already finished with status %s", jobID, job.Status)
	}
}

// DeleteSchedules drops the cron entry for a sync and cancels its active
// job, if any.
func (w *Worker) DeleteSchedules(ctx context.Context, syncID string) error {
	w.mu.Lock()
	if entry, ok := w.schedule[syncID]; ok {
		w.cron.Remove(entry)
		delete(w.schedule, syncID)
	}
	activeJob := w.bySync[syncID]
	w.mu.Unlock()

	if activeJob != "" {
		return w.CancelJob(ctx, activeJob)
	}
	active, err := w.Store.ActiveSyncJob(ctx, syncID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	return w.CancelJob(ctx, active.ID)
}

// ScheduleSync installs or replaces the cron schedule for a sync. Each
// firing creates a PENDING job and enqueues it, unless a job is already
// active for the sync.
func (w *Worker) ScheduleSync(syncID, orgID, spec string) error {
	entry, err := w.cron.AddFunc(spec, func() {
		ctx := w.baseCtx
		if _, err := w.Store.ActiveSyncJob(ctx, syncID); err == nil {
			log.Debug().Str("sync_id", syncID).Msg("scheduled run skipped, job active")
			return
		}
		job := &models.SyncJob{
			ID:             uuid.NewString(),
			SyncID:         syncID,
			OrganizationID: orgID,
			Status:         models.SyncJobPending,
			CreatedAt:      time.Now(),
		}
		if err := w.Store.CreateSyncJob(ctx, job); err != nil {
			log.Error().Err(err).Str("sync_id", syncID).Msg("scheduled job not created")
			return
		}
		if err := w.EnqueueSyncJob(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("sync_id", syncID).Msg("scheduled job not enqueued")
		}
	})
	if err != nil {
		return fmt.Errorf("cron spec %q: %w", spec, err)
	}
	w.mu.Lock()
	if old, ok := w.schedule[syncID]; ok {
		w.cron.Remove(old)
	}
	w.schedule[syncID] = entry
	w.mu.Unlock()
	return nil
}

var _ contracts.Scheduler = (*Worker)(nil)

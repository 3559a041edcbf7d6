// Package jobs runs long operations on a bounded worker pool: SteamCMD
// installs, cluster provisioning, backups. Jobs carry persisted progress,
// broadcast updates, and cooperative cancellation. Exclusive jobs
// serialize on the process-wide Update Lock.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkops/asaman"
	"github.com/arkops/asaman/events"
	"github.com/arkops/asaman/logging"
	"github.com/arkops/asaman/store"
)

// ProgressFunc reports handler progress. Percent is clamped monotone
// non-decreasing per job; message replaces the job's status line.
type ProgressFunc func(percent int, message string)

// HandlerFunc executes one job. The context is cancelled by Cancel and by
// engine shutdown; handlers must observe it at their checkpoints.
type HandlerFunc func(ctx context.Context, job *asaman.Job, report ProgressFunc) (json.RawMessage, error)

type handlerEntry struct {
	fn        HandlerFunc
	exclusive bool
}

// Engine is the job scheduler.
type Engine struct {
	store  *store.Store
	hub    *events.Hub
	lock   *UpdateLock
	logger *slog.Logger

	handlers map[string]handlerEntry

	queue chan string

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	progress map[string]int

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine with the given worker count.
func NewEngine(st *store.Store, hub *events.Hub, lock *UpdateLock, workers int) *Engine {
	if workers < 1 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    st,
		hub:      hub,
		lock:     lock,
		logger:   logging.Get("jobs"),
		handlers: make(map[string]handlerEntry),
		queue:    make(chan string, 128),
		cancels:  make(map[string]context.CancelFunc),
		progress: make(map[string]int),
		rootCtx:  ctx,
		stop:     cancel,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	return e
}

// Register binds a job type to its handler. Exclusive types hold the
// Update Lock for their whole run.
func (e *Engine) Register(jobType string, exclusive bool, fn HandlerFunc) {
	e.handlers[jobType] = handlerEntry{fn: fn, exclusive: exclusive}
}

// Lock exposes the Update Lock for the manual lock endpoints.
func (e *Engine) Lock() *UpdateLock { return e.lock }

// Submit creates a pending job and queues it. Returns the persisted job.
func (e *Engine) Submit(jobType string, data json.RawMessage) (*asaman.Job, error) {
	if _, ok := e.handlers[jobType]; !ok {
		return nil, asaman.E(asaman.KindValidationFailed, "unknown job type %q", jobType)
	}
	now := time.Now().UTC()
	job := &asaman.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    asaman.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Data:      data,
	}
	if err := e.store.CreateJob(job); err != nil {
		return nil, err
	}
	e.broadcast(job)

	select {
	case e.queue <- job.ID:
	default:
		// Queue full; fail the job rather than block the API.
		failed := asaman.JobStatusFailed
		e.store.UpdateJob(job.ID, store.JobUpdate{
			Status: &failed,
			Error:  &asaman.JobError{Kind: string(asaman.KindConflict), Message: "job queue is full"},
		})
		return nil, asaman.E(asaman.KindConflict, "job queue is full")
	}

	e.logger.Info("job submitted", "job_id", job.ID, "type", jobType)
	return job, nil
}

// Get returns one job from the store.
func (e *Engine) Get(id string) (*asaman.Job, error) { return e.store.GetJob(id) }

// List returns all jobs, newest first.
func (e *Engine) List() ([]*asaman.Job, error) { return e.store.ListJobs() }

// Cancel aborts a job. Running jobs get their context cancelled and
// finish at the handler's next checkpoint; pending jobs terminate
// immediately.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, running := e.cancels[id]
	e.mu.Unlock()
	if running {
		cancel()
		e.logger.Info("job cancellation requested", "job_id", id)
		return nil
	}

	job, err := e.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return asaman.E(asaman.KindPreconditionFailed, "job %s is already %s", id, job.Status)
	}
	cancelled := asaman.JobStatusCancelled
	updated, err := e.store.UpdateJob(id, store.JobUpdate{Status: &cancelled})
	if err != nil {
		return err
	}
	e.broadcast(updated)
	return nil
}

// PurgeLoop deletes terminal jobs older than ttl on a fixed interval.
// Runs until the engine shuts down.
func (e *Engine) PurgeLoop(interval, ttl time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.rootCtx.Done():
				return
			case <-ticker.C:
				purged, err := e.store.PurgeJobs(time.Now().UTC().Add(-ttl))
				if err != nil {
					e.logger.Warn("job purge failed", "error", err)
				} else if purged > 0 {
					e.logger.Info("purged old jobs", "count", purged)
				}
			}
		}
	}()
}

// Shutdown stops accepting work and waits for in-flight jobs to observe
// cancellation.
func (e *Engine) Shutdown() {
	e.stop()
	e.wg.Wait()
}

func (e *Engine) worker(n int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case id := <-e.queue:
			e.run(id)
		}
	}
}

func (e *Engine) run(id string) {
	job, err := e.store.GetJob(id)
	if err != nil {
		e.logger.Error("queued job vanished", "job_id", id, "error", err)
		return
	}
	if job.Status != asaman.JobStatusPending {
		// Cancelled while queued.
		return
	}

	entry := e.handlers[job.Type]

	ctx, cancel := context.WithCancel(e.rootCtx)
	e.mu.Lock()
	e.cancels[id] = cancel
	e.progress[id] = 0
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, id)
		delete(e.progress, id)
		e.mu.Unlock()
	}()

	// Exclusive jobs wait for the Update Lock while still pending, so
	// observers can see the second of two installs queue behind the first.
	if entry.exclusive {
		grant, err := e.lock.Acquire(ctx, fmt.Sprintf("job %s (%s)", job.ID, job.Type))
		if err != nil {
			e.finish(job, nil, err, ctx)
			return
		}
		defer grant.Release()
	}

	running := asaman.JobStatusRunning
	job, err = e.store.UpdateJob(id, store.JobUpdate{Status: &running})
	if err != nil {
		e.logger.Error("could not mark job running", "job_id", id, "error", err)
		return
	}
	e.broadcast(job)
	e.logger.Info("job started", "job_id", id, "type", job.Type)

	var result json.RawMessage
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = asaman.E(asaman.KindInternal, "job handler panicked: %v", r)
				e.logger.Error("job handler panicked", "job_id", id, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		result, runErr = entry.fn(ctx, job, e.progressFunc(id))
	}()

	e.finish(job, result, runErr, ctx)
}

func (e *Engine) finish(job *asaman.Job, result json.RawMessage, runErr error, ctx context.Context) {
	upd := store.JobUpdate{Result: result}
	switch {
	case runErr == nil:
		status := asaman.JobStatusSucceeded
		full := 100
		upd.Status = &status
		upd.Progress = &full
	case ctx.Err() != nil:
		status := asaman.JobStatusCancelled
		upd.Status = &status
	default:
		status := asaman.JobStatusFailed
		upd.Status = &status
		upd.Error = asaman.ToJobError(runErr)
	}

	updated, err := e.store.UpdateJob(job.ID, upd)
	if err != nil {
		e.logger.Error("could not record job outcome", "job_id", job.ID, "error", err)
		return
	}
	e.broadcast(updated)
	if runErr != nil {
		e.logger.Warn("job finished", "job_id", job.ID, "status", updated.Status, "error", runErr)
	} else {
		e.logger.Info("job finished", "job_id", job.ID, "status", updated.Status)
	}
}

// progressFunc returns the per-job progress reporter. Updates are clamped
// monotone non-decreasing and broadcast in emission order.
func (e *Engine) progressFunc(id string) ProgressFunc {
	return func(percent int, message string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		e.mu.Lock()
		if percent < e.progress[id] {
			percent = e.progress[id]
		} else {
			e.progress[id] = percent
		}
		e.mu.Unlock()

		job, err := e.store.UpdateJob(id, store.JobUpdate{Progress: &percent, Message: &message})
		if err != nil {
			return
		}
		e.broadcast(job)
	}
}

func (e *Engine) broadcast(job *asaman.Job) {
	e.hub.Publish(events.New(events.ChannelJobProgress, map[string]any{
		"jobId":    job.ID,
		"status":   job.Status,
		"progress": job.Progress,
		"message":  job.Message,
	}))
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexflow/lexflow/internal/job"
	"github.com/lexflow/lexflow/internal/webhook"
)

// ErrQueueFull is returned by CreateJob when the dispatch buffer is at
// capacity. The job record is removed before returning, so a rejected
// create leaves no trace.
var ErrQueueFull = errors.New("job queue full")

// ErrUnknownType is returned by CreateJob for a type with no registered
// handler.
var ErrUnknownType = errors.New("unknown job type")

// ValidationError marks a create rejected before any record was written.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	Workers   int
	QueueSize int
	Webhook   *webhook.Sender // optional terminal-event sink
}

// Dispatcher owns the pending-job buffer and the worker pool that drains
// it. Jobs are persisted before they are enqueued, so the buffer only ever
// carries IDs.
type Dispatcher struct {
	store job.Store
	reg   *Registry
	hook  *webhook.Sender

	jobs chan string
	subs map[string][]chan Event
	mu   sync.RWMutex

	workers int
	wg      sync.WaitGroup
}

func New(store job.Store, reg *Registry, cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	return &Dispatcher{
		store:   store,
		reg:     reg,
		hook:    cfg.Webhook,
		jobs:    make(chan string, size),
		subs:    make(map[string][]chan Event),
		workers: workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// Shutdown waits for in-flight jobs to finish.
func (d *Dispatcher) Start(ctx context.Context) {
	for range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
	slog.Info("dispatcher started", "workers", d.workers, "queue_size", cap(d.jobs))
}

// Shutdown blocks until every worker has returned or ctx expires. Jobs that
// were mid-execution when the Start context was cancelled finish their
// current run; jobs still buffered stay pending in the store and are
// requeued by RecoverStuck on the next boot.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// CreateJob validates the request, persists a pending record and hands it to
// the worker pool without blocking. The returned job is the caller's receipt;
// execution has not necessarily begun.
func (d *Dispatcher) CreateJob(ctx context.Context, ownerID, jobType string, payload json.RawMessage) (*job.Job, error) {
	if ownerID == "" {
		return nil, &ValidationError{msg: "owner id is required"}
	}
	req := job.CreateRequest{Type: jobType, Payload: payload}
	if err := req.Validate(); err != nil {
		return nil, &ValidationError{msg: err.Error()}
	}
	if _, ok := d.reg.Get(jobType); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}

	j := &job.Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		OwnerID:   ownerID,
		Status:    job.StatusPending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	select {
	case d.jobs <- j.ID:
	default:
		if delErr := d.store.Delete(ctx, j.ID, ownerID); delErr != nil {
			slog.Error("failed to remove job after full queue", "job_id", j.ID, "error", delErr)
		}
		return nil, ErrQueueFull
	}

	slog.Info("job accepted", "job_id", j.ID, "type", jobType, "owner_id", ownerID)
	return j, nil
}

// GetJob loads a job scoped to its owner. Jobs belonging to other owners
// are reported as not found.
func (d *Dispatcher) GetJob(ctx context.Context, id, ownerID string) (*job.Job, error) {
	return d.store.GetOwned(ctx, id, ownerID)
}

// ListJobs returns one page of the owner's jobs, newest first, plus the
// owner's total count.
func (d *Dispatcher) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]*job.Job, int, error) {
	return d.store.ListByOwner(ctx, ownerID, limit, offset)
}

// DeleteJob removes a terminal job owned by ownerID. Pending or processing
// jobs cannot be deleted; execution is never interrupted.
func (d *Dispatcher) DeleteJob(ctx context.Context, id, ownerID string) error {
	j, err := d.store.GetOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if !j.Status.IsTerminal() {
		return job.ErrConflict
	}
	return d.store.Delete(ctx, id, ownerID)
}

// RecoverStuck reconciles the store with a fresh process. Jobs left in
// processing by an unclean shutdown are finalized as failed rather than
// re-run: execution may have partially completed and handlers are not
// required to be idempotent. Jobs still pending were accepted but never
// claimed, so they are requeued in submission order. Call before Start so a
// freshly claimed job cannot be mistaken for an orphan.
func (d *Dispatcher) RecoverStuck(ctx context.Context) error {
	n, err := d.store.MarkInterrupted(ctx, "interrupted by server restart")
	if err != nil {
		return fmt.Errorf("recover stuck jobs: %w", err)
	}
	if n > 0 {
		slog.Warn("finalized interrupted jobs from previous run", "count", n)
	}

	ids, err := d.store.PendingIDs(ctx)
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	// The backlog can exceed the buffer, so feed it from a goroutine that
	// blocks until workers drain the queue.
	go func() {
		for _, id := range ids {
			select {
			case d.jobs <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("requeued pending jobs from previous run", "count", len(ids))
	return nil
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.jobs:
			d.execute(ctx, id)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, id string) {
	j, err := d.store.MarkProcessing(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrConflict):
			slog.Debug("job no longer pending, skipping", "job_id", id)
		case errors.Is(err, job.ErrNotFound):
			slog.Debug("job vanished before execution", "job_id", id)
		default:
			slog.Error("failed to claim job", "job_id", id, "error", err)
		}
		return
	}

	slog.Info("job started", "job_id", id, "type", j.Type)
	d.publish(id, Event{JobID: id, Status: job.StatusProcessing})

	handler, ok := d.reg.Get(j.Type)
	if !ok {
		// Registered at create time, but the registry can shrink across
		// restarts while the record survives in the store.
		d.finalize(ctx, id, job.StatusFailed, nil, fmt.Sprintf("no handler registered for type %q", j.Type))
		return
	}

	start := time.Now()
	result, runErr := d.runHandler(ctx, handler, j)
	elapsed := time.Since(start)

	if runErr != nil {
		slog.Error("job failed", "job_id", id, "type", j.Type, "duration", elapsed, "error", runErr)
		d.finalize(ctx, id, job.StatusFailed, nil, runErr.Error())
		return
	}
	slog.Info("job completed", "job_id", id, "type", j.Type, "duration", elapsed)
	d.finalize(ctx, id, job.StatusCompleted, result, "")
}

// runHandler invokes the handler with a progress reporter and converts a
// panic into an ordinary failure so one bad job cannot take down a worker.
func (d *Dispatcher) runHandler(ctx context.Context, handler HandlerFunc, j *job.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panicked", "job_id", j.ID, "type", j.Type, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, j, d.progressReporter(ctx, j.ID))
}

// progressReporter returns the callback handed to handlers. Reported values
// are clamped to 0-100 and held monotonic for this execution, then written
// through to the store and published to subscribers.
func (d *Dispatcher) progressReporter(ctx context.Context, id string) ProgressFunc {
	var mu sync.Mutex
	last := 0
	return func(percent int, message string) {
		mu.Lock()
		defer mu.Unlock()

		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if percent < last {
			percent = last
		}
		last = percent

		if err := d.store.UpdateProgress(ctx, id, percent, message); err != nil {
			slog.Warn("failed to persist progress", "job_id", id, "error", err)
		}
		d.publish(id, Event{JobID: id, Status: job.StatusProcessing, Progress: percent, Message: message})
	}
}

func (d *Dispatcher) finalize(ctx context.Context, id string, status job.Status, result json.RawMessage, errMsg string) {
	// The run context cancels on shutdown, but a finished job's outcome must
	// still reach the store.
	ctx = context.WithoutCancel(ctx)
	if err := d.store.Finalize(ctx, id, status, result, errMsg); err != nil {
		slog.Error("failed to finalize job", "job_id", id, "status", status, "error", err)
	}

	ev := Event{JobID: id, Status: status, Result: result, Error: errMsg}
	if status == job.StatusCompleted {
		ev.Progress = 100
	}
	d.publishAndClose(id, ev)

	if d.hook != nil {
		d.sendWebhook(ctx, id, status)
	}
}

type webhookEvent struct {
	Event string   `json:"event"`
	Job   *job.Job `json:"job"`
}

func (d *Dispatcher) sendWebhook(ctx context.Context, id string, status job.Status) {
	j, err := d.store.Get(ctx, id)
	if err != nil {
		slog.Warn("webhook skipped, job not readable", "job_id", id, "error", err)
		return
	}
	name := "job.completed"
	if status == job.StatusFailed {
		name = "job.failed"
	}
	payload, err := json.Marshal(webhookEvent{Event: name, Job: j})
	if err != nil {
		slog.Warn("webhook skipped, payload not marshalable", "job_id", id, "error", err)
		return
	}
	d.hook.Send(context.WithoutCancel(ctx), payload)
}

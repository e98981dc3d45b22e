package job

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for jobs that do not exist. Ownership-scoped reads
// return it for foreign jobs too, so callers cannot probe for existence.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned when a write would violate the status lifecycle,
// e.g. claiming a job that is not pending or finalizing one twice.
var ErrConflict = errors.New("job status conflict")

// Store persists and retrieves jobs.
//
// Status moves only along pending -> processing -> completed|failed, and the
// conditional methods below are the sole way to move it: MarkProcessing claims
// a pending job for exactly one executor, Finalize seals a processing job.
// Implementations enforce both with compare-and-set semantics.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// GetOwned is Get filtered by owner. A job that exists but belongs to
	// someone else is ErrNotFound, indistinguishable from absence.
	GetOwned(ctx context.Context, id, ownerID string) (*Job, error)
	// MarkProcessing transitions pending -> processing, stamps started_at and
	// returns the updated job. ErrConflict if the job is not pending.
	MarkProcessing(ctx context.Context, id string) (*Job, error)
	// UpdateProgress records progress while the job is processing; writes
	// against a non-processing job are silently dropped.
	UpdateProgress(ctx context.Context, id string, percent int, message string) error
	// Finalize transitions processing -> status (completed or failed), stores
	// the result or error and stamps completed_at. ErrConflict unless the job
	// is currently processing.
	Finalize(ctx context.Context, id string, status Status, result []byte, errMsg string) error
	// ListByOwner returns a page of the owner's jobs ordered by created_at
	// DESC, plus the total count for that owner.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Job, int, error)
	Delete(ctx context.Context, id, ownerID string) error
	// MarkInterrupted fails every job still marked processing and returns how
	// many were touched. Called at startup to clear jobs orphaned by a crash;
	// they are never silently re-run.
	MarkInterrupted(ctx context.Context, errMsg string) (int64, error)
	// PendingIDs returns the IDs of all pending jobs, oldest first. Used at
	// startup to requeue jobs that were accepted but never claimed.
	PendingIDs(ctx context.Context) ([]string, error)
	// DeleteTerminalBefore removes completed and failed jobs whose
	// completed_at is before the cutoff, returning the number deleted.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

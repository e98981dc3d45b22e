package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			owner_id         TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			progress         INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT NOT NULL DEFAULT '',
			payload          TEXT,
			result           TEXT,
			error            TEXT NOT NULL DEFAULT '',
			created_at       DATETIME NOT NULL,
			started_at       DATETIME,
			completed_at     DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status        ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at  ON jobs(completed_at);
	`)
	return err
}

const jobColumns = `id, type, owner_id, status, progress, progress_message,
	       payload, result, error, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var status string
	var payload, result sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Type, &j.OwnerID, &status, &j.Progress, &j.ProgressMessage,
		&payload, &result, &j.Error, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status, err = ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, type, owner_id, status, progress, progress_message, payload, error, created_at)
		VALUES
			(?, ?, ?, ?, 0, '', ?, '', ?)
	`,
		j.ID,
		j.Type,
		j.OwnerID,
		StatusPending,
		nullableJSON(j.Payload),
		j.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE id = ?
	`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) GetOwned(ctx context.Context, id, ownerID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE id = ? AND owner_id = ?
	`, id, ownerID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// MarkProcessing claims a pending job. The WHERE status guard makes the claim
// exclusive: only one of several concurrent callers sees an affected row.
func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, StatusProcessing, now, id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("mark processing for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark processing for job %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, progress_message = ? WHERE id = ? AND status = ?
	`, percent, message, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, id string, status Status, result []byte, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize job %s: %s is not a terminal status", id, status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, status, nullableJSON(result), errMsg, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MarkInterrupted fails every job left in "processing" by a previous run.
func (s *SQLiteStore) MarkInterrupted(ctx context.Context, errMsg string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ? WHERE status = ?
	`, StatusFailed, errMsg, now, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// PendingIDs returns every pending job ID, oldest first, so startup requeue
// preserves submission order.
func (s *SQLiteStore) PendingIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return ids, nil
}

// ListByOwner returns the owner's jobs ordered by created_at DESC with
// pagination, and the owner's total count.
func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE owner_id = ?`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?)
		AND completed_at IS NOT NULL
		AND completed_at < ?
	`, StatusCompleted, StatusFailed, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

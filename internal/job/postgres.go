package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a Postgres-backed implementation of Store, for deployments
// where several lexflowd instances share one database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database at dsn and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection. Used by tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			owner_id         TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			progress         INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT NOT NULL DEFAULT '',
			payload          JSONB,
			result           JSONB,
			error            TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL,
			started_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status        ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at  ON jobs(completed_at);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, type, owner_id, status, progress, progress_message, payload, error, created_at)
		VALUES
			($1, $2, $3, $4, 0, '', $5, '', $6)
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

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE id = $1
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

func (s *PostgresStore) GetOwned(ctx context.Context, id, ownerID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs WHERE id = $1 AND owner_id = $2
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

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+jobColumns+`
	`, StatusProcessing, now, id, StatusPending)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("mark processing for job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = $1, progress_message = $2 WHERE id = $3 AND status = $4
	`, percent, message, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, id string, status Status, result []byte, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize job %s: %s is not a terminal status", id, status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, result = $2, error = $3, completed_at = $4
		WHERE id = $5 AND status = $6
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

func (s *PostgresStore) Delete(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) MarkInterrupted(ctx context.Context, errMsg string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error = $2, completed_at = $3 WHERE status = $4
	`, StatusFailed, errMsg, now, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) PendingIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = $1 ORDER BY created_at ASC, id ASC
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

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Job, int, error) {
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
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
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

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2)
		AND completed_at IS NOT NULL
		AND completed_at < $3
	`, StatusCompleted, StatusFailed, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

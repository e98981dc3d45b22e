package job

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreWithDB(db), mock
}

func jobRows(jobs ...*Job) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "type", "owner_id", "status", "progress", "progress_message",
		"payload", "result", "error", "created_at", "started_at", "completed_at",
	})
	for _, j := range jobs {
		var payload, result interface{}
		if len(j.Payload) > 0 {
			payload = string(j.Payload)
		}
		if len(j.Result) > 0 {
			result = string(j.Result)
		}
		var startedAt, completedAt interface{}
		if j.StartedAt != nil {
			startedAt = *j.StartedAt
		}
		if j.CompletedAt != nil {
			completedAt = *j.CompletedAt
		}
		rows.AddRow(j.ID, j.Type, j.OwnerID, string(j.Status), j.Progress, j.ProgressMessage,
			payload, result, j.Error, j.CreatedAt, startedAt, completedAt)
	}
	return rows
}

func TestPostgresCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("p-1", "swiss-obligation-analysis", "u1", string(StatusPending),
			`{"document_id":"d1"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	j := makeJob("p-1", "u1", "swiss-obligation-analysis")
	j.Payload = []byte(`{"document_id":"d1"}`)
	err := store.Create(context.Background(), j)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)

	want := makeJob("p-2", "u1", "contract-risk-scan")
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id =").
		WithArgs("p-2").
		WillReturnRows(jobRows(want))

	got, err := store.Get(context.Background(), "p-2")
	require.NoError(t, err)
	assert.Equal(t, "p-2", got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id =").
		WithArgs("missing").
		WillReturnRows(jobRows())

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet_RejectsUnknownStatus(t *testing.T) {
	store, mock := newMockStore(t)

	// A foreign writer left "running" in the status column; the read must
	// surface the schema violation instead of tolerating the alias.
	rows := sqlmock.NewRows([]string{
		"id", "type", "owner_id", "status", "progress", "progress_message",
		"payload", "result", "error", "created_at", "started_at", "completed_at",
	}).AddRow("p-3", "contract-risk-scan", "u1", "running", 0, "", nil, nil, "", time.Now(), nil, nil)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id =").
		WithArgs("p-3").
		WillReturnRows(rows)

	_, err := store.Get(context.Background(), "p-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job status")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkProcessing(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	claimed := makeJob("p-4", "u1", "data-protection-review")
	claimed.Status = StatusProcessing
	claimed.StartedAt = &now

	mock.ExpectQuery("UPDATE jobs SET status = (.+) RETURNING").
		WithArgs(string(StatusProcessing), sqlmock.AnyArg(), "p-4", string(StatusPending)).
		WillReturnRows(jobRows(claimed))

	got, err := store.MarkProcessing(context.Background(), "p-4")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkProcessing_Conflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE jobs SET status = (.+) RETURNING").
		WithArgs(string(StatusProcessing), sqlmock.AnyArg(), "p-5", string(StatusPending)).
		WillReturnRows(jobRows())

	taken := makeJob("p-5", "u1", "data-protection-review")
	taken.Status = StatusProcessing
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id =").
		WithArgs("p-5").
		WillReturnRows(jobRows(taken))

	_, err := store.MarkProcessing(context.Background(), "p-5")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalize(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = (.+) completed_at =").
		WithArgs(string(StatusCompleted), `{"findings":[]}`, "", sqlmock.AnyArg(),
			"p-6", string(StatusProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Finalize(context.Background(), "p-6", StatusCompleted, []byte(`{"findings":[]}`), "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalize_AlreadyTerminal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = (.+) completed_at =").
		WithArgs(string(StatusFailed), nil, "late", sqlmock.AnyArg(),
			"p-7", string(StatusProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	done := makeJob("p-7", "u1", "contract-risk-scan")
	done.Status = StatusCompleted
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id =").
		WithArgs("p-7").
		WillReturnRows(jobRows(done))

	err := store.Finalize(context.Background(), "p-7", StatusFailed, nil, "late")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListByOwner(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	newer := makeJob("p-9", "u1", "contract-risk-scan")
	older := makeJob("p-8", "u1", "contract-risk-scan")
	mock.ExpectQuery("FROM jobs\\s+WHERE owner_id =").
		WithArgs("u1", 2, 0).
		WillReturnRows(jobRows(newer, older))

	jobs, total, err := store.ListByOwner(context.Background(), "u1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, jobs, 2)
	assert.Equal(t, "p-9", jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDelete_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM jobs WHERE id =").
		WithArgs("p-10", "u2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "p-10", "u2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteTerminalBefore(t *testing.T) {
	store, mock := newMockStore(t)

	cutoff := time.Now().UTC()
	mock.ExpectExec("DELETE FROM jobs\\s+WHERE status IN").
		WithArgs(string(StatusCompleted), string(StatusFailed), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.DeleteTerminalBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkInterrupted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET status = (.+) WHERE status =").
		WithArgs(string(StatusFailed), "interrupted by restart", sqlmock.AnyArg(), string(StatusProcessing)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.MarkInterrupted(context.Background(), "interrupted by restart")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPendingIDs(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM jobs WHERE status =").
		WithArgs(string(StatusPending)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p-11").AddRow("p-12"))

	ids, err := store.PendingIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-11", "p-12"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

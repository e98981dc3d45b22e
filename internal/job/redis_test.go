package job

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// These tests need a live Redis server. Set LEXFLOW_TEST_REDIS_ADDR (e.g.
// "localhost:6379") to run them; they use DB 15 and flush it.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("LEXFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEXFLOW_TEST_REDIS_ADDR not set")
	}
	store, err := NewRedisStore(addr, os.Getenv("LEXFLOW_TEST_REDIS_PASSWORD"), 15)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if err := store.rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("FlushDB: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)

	id := uuid.New().String()
	j := makeJob(id, "u1", "swiss-obligation-analysis")
	j.Payload = []byte(`{"document_id":"d1"}`)
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, j); err == nil {
		t.Error("duplicate Create succeeded, want error")
	}

	claimed, err := store.MarkProcessing(ctx, id)
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if claimed.Status != StatusProcessing || claimed.StartedAt == nil {
		t.Errorf("claimed = %+v", claimed)
	}
	if _, err := store.MarkProcessing(ctx, id); !errors.Is(err, ErrConflict) {
		t.Errorf("second claim = %v, want ErrConflict", err)
	}

	if err := store.UpdateProgress(ctx, id, 55, "matching obligations"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := store.Finalize(ctx, id, StatusCompleted, []byte(`{"ok":true}`), ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := store.Finalize(ctx, id, StatusFailed, nil, "late"); !errors.Is(err, ErrConflict) {
		t.Errorf("re-finalize = %v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || string(got.Result) != `{"ok":true}` || got.CompletedAt == nil {
		t.Errorf("got = %+v", got)
	}
}

func TestRedisOwnership(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)

	id := uuid.New().String()
	if err := store.Create(ctx, makeJob(id, "u1", "contract-risk-scan")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.GetOwned(ctx, id, "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOwned foreign = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, id, "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete foreign = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, id, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestRedisListByOwner(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.New().String()
		j := makeJob(ids[i], "u1", "contract-risk-scan")
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	jobs, total, err := store.ListByOwner(ctx, "u1", 2, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(jobs) != 2 || jobs[0].ID != ids[2] || jobs[1].ID != ids[1] {
		t.Errorf("page = %v, want newest first", jobs)
	}

	jobs, _, err = store.ListByOwner(ctx, "u1", 2, 2)
	if err != nil {
		t.Fatalf("ListByOwner page 2: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != ids[0] {
		t.Errorf("page 2 = %v", jobs)
	}
}

func TestRedisRetention(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)

	id := uuid.New().String()
	if err := store.Create(ctx, makeJob(id, "u1", "data-protection-review")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := store.Finalize(ctx, id, StatusFailed, nil, "boom"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	n, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after sweep = %v, want ErrNotFound", err)
	}

	// The owner index must be clean too.
	if _, total, _ := store.ListByOwner(ctx, "u1", 10, 0); total != 0 {
		t.Errorf("owner index still holds %d entries", total)
	}
}

func TestRedisMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)

	running := uuid.New().String()
	idle := uuid.New().String()
	if err := store.Create(ctx, makeJob(running, "u1", "contract-risk-scan")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, makeJob(idle, "u1", "contract-risk-scan")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, running); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	n, err := store.MarkInterrupted(ctx, "interrupted by restart")
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if n != 1 {
		t.Errorf("interrupted %d, want 1", n)
	}

	got, err := store.Get(ctx, running)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "interrupted by restart" {
		t.Errorf("got = %+v", got)
	}
}

func TestRedisPendingIDs(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)

	first := uuid.New().String()
	second := uuid.New().String()
	claimed := uuid.New().String()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{first, second, claimed} {
		j := makeJob(id, "u1", "data-protection-review")
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := store.MarkProcessing(ctx, claimed); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	ids, err := store.PendingIDs(ctx)
	if err != nil {
		t.Fatalf("PendingIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != first || ids[1] != second {
		t.Errorf("PendingIDs = %v, want [%s %s]", ids, first, second)
	}
}

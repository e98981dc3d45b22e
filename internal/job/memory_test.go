package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	j := makeJob("m-1", "u1", "swiss-obligation-analysis")
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, j); err == nil {
		t.Error("duplicate Create succeeded, want error")
	}

	claimed, err := store.MarkProcessing(ctx, "m-1")
	if err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if claimed.Status != StatusProcessing || claimed.StartedAt == nil {
		t.Errorf("claimed = %+v", claimed)
	}

	if err := store.UpdateProgress(ctx, "m-1", 70, "compiling findings"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := store.Finalize(ctx, "m-1", StatusCompleted, []byte(`{"ok":true}`), ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := store.Get(ctx, "m-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || string(got.Result) != `{"ok":true}` || got.CompletedAt == nil {
		t.Errorf("got = %+v", got)
	}

	if err := store.Finalize(ctx, "m-1", StatusFailed, nil, "late"); !errors.Is(err, ErrConflict) {
		t.Errorf("re-finalize = %v, want ErrConflict", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	j := makeJob("m-2", "u1", "contract-risk-scan")
	j.Payload = []byte(`{"document_id":"d9"}`)
	if err := store.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "m-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Status = StatusFailed
	got.Payload[0] = 'X'

	again, err := store.Get(ctx, "m-2")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again.Status != StatusPending {
		t.Errorf("store mutated through returned copy: %q", again.Status)
	}
	if string(again.Payload) != `{"document_id":"d9"}` {
		t.Errorf("payload mutated through returned copy: %s", again.Payload)
	}
}

func TestMemoryStore_ConcurrentClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, makeJob("m-3", "u1", "data-protection-review")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimers)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.MarkProcessing(ctx, "m-3"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("%d claims succeeded, want exactly 1", won)
	}
}

func TestMemoryStore_ListByOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"m-old", "m-new"} {
		j := makeJob(id, "u1", "contract-risk-scan")
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	jobs, total, err := store.ListByOwner(ctx, "u1", 1, 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if total != 2 || len(jobs) != 1 || jobs[0].ID != "m-new" {
		t.Errorf("list = %v (total %d)", jobs, total)
	}

	jobs, total, err = store.ListByOwner(ctx, "u1", 1, 5)
	if err != nil {
		t.Fatalf("ListByOwner offset past end: %v", err)
	}
	if total != 2 || len(jobs) != 0 {
		t.Errorf("offset past end = %v (total %d)", jobs, total)
	}

	if _, total, _ = store.ListByOwner(ctx, "nobody", 10, 0); total != 0 {
		t.Errorf("unknown owner total = %d, want 0", total)
	}
}

func TestMemoryStore_PendingIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"m-p1", "m-p2", "m-p3"} {
		j := makeJob(id, "u1", "contract-risk-scan")
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Create(ctx, j); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := store.MarkProcessing(ctx, "m-p1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	ids, err := store.PendingIDs(ctx)
	if err != nil {
		t.Fatalf("PendingIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m-p2" || ids[1] != "m-p3" {
		t.Errorf("PendingIDs = %v, want [m-p2 m-p3]", ids)
	}
}

func TestMemoryStore_DeleteTerminalBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, makeJob("m-4", "u1", "contract-risk-scan")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.MarkProcessing(ctx, "m-4"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := store.Finalize(ctx, "m-4", StatusFailed, nil, "boom"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	n, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := store.Get(ctx, "m-4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after sweep = %v, want ErrNotFound", err)
	}
}

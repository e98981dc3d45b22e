package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory. It backs tests and single-node
// development setups; everything is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// cloneJob copies a job so callers never share memory with the store.
func cloneJob(j *Job) *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	c := cloneJob(j)
	c.Status = StatusPending
	c.Progress = 0
	s.jobs[j.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) GetOwned(_ context.Context, id, ownerID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusPending {
		return nil, ErrConflict
	}
	now := time.Now().UTC()
	j.Status = StatusProcessing
	j.StartedAt = &now
	return cloneJob(j), nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, percent int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != StatusProcessing {
		return nil
	}
	j.Progress = percent
	j.ProgressMessage = message
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, id string, status Status, result []byte, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize job %s: %s is not a terminal status", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusProcessing {
		return ErrConflict
	}
	now := time.Now().UTC()
	j.Status = status
	j.Error = errMsg
	j.CompletedAt = &now
	j.Result = nil
	if len(result) > 0 {
		j.Result = append([]byte(nil), result...)
	}
	return nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var owned []*Job
	for _, j := range s.jobs {
		if j.OwnerID == ownerID {
			owned = append(owned, j)
		}
	}
	sort.Slice(owned, func(a, b int) bool {
		if owned[a].CreatedAt.Equal(owned[b].CreatedAt) {
			return owned[a].ID > owned[b].ID
		}
		return owned[a].CreatedAt.After(owned[b].CreatedAt)
	})

	total := len(owned)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]*Job, 0, end-offset)
	for _, j := range owned[offset:end] {
		page = append(page, cloneJob(j))
	}
	return page, total, nil
}

func (s *MemoryStore) Delete(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) MarkInterrupted(_ context.Context, errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.Status == StatusProcessing {
			j.Status = StatusFailed
			j.Error = errMsg
			j.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PendingIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*Job
	for _, j := range s.jobs {
		if j.Status == StatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(a, b int) bool {
		if pending[a].CreatedAt.Equal(pending[b].CreatedAt) {
			return pending[a].ID < pending[b].ID
		}
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})

	ids := make([]string, len(pending))
	for i, j := range pending {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

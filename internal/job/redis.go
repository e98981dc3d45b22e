package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "job:"
	ownerKeyPrefix = "owner:"
	terminalKey    = "jobs:terminal"
)

func jobKey(id string) string      { return jobKeyPrefix + id }
func ownerKey(owner string) string { return ownerKeyPrefix + owner + ":jobs" }

// RedisStore keeps each job as a JSON value under job:{id}, with a per-owner
// ZSET index scored by creation time and a terminal ZSET scored by completion
// time for retention sweeps. Conditional transitions run as optimistic WATCH
// transactions and retry on contention.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the Redis server at addr.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func encodeJob(j *Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*Job, error) {
	j := &Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if _, err := ParseStatus(string(j.Status)); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *RedisStore) Create(ctx context.Context, j *Job) error {
	c := *j
	c.Status = StatusPending
	c.Progress = 0
	data, err := encodeJob(&c)
	if err != nil {
		return err
	}

	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, jobKey(j.ID), data, 0)
		pipe.ZAdd(ctx, ownerKey(j.OwnerID), redis.Z{
			Score:  float64(j.CreatedAt.UnixMilli()),
			Member: j.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !created.Val() {
		s.rdb.ZRem(ctx, ownerKey(j.OwnerID), j.ID)
		return fmt.Errorf("job %s already exists", j.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(data)
}

func (s *RedisStore) GetOwned(ctx context.Context, id, ownerID string) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return j, nil
}

// update applies mutate inside a WATCH transaction on the job key and writes
// the result back along with any extra commands mutate queued via the
// returned closure. It retries while the key changes underfoot.
func (s *RedisStore) update(ctx context.Context, id string, mutate func(j *Job, pipe redis.Pipeliner) error) error {
	key := jobKey(id)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			j, err := decodeJob(data)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if err := mutate(j, pipe); err != nil {
					return err
				}
				out, err := encodeJob(j)
				if err != nil {
					return err
				}
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

func (s *RedisStore) MarkProcessing(ctx context.Context, id string) (*Job, error) {
	var claimed *Job
	err := s.update(ctx, id, func(j *Job, _ redis.Pipeliner) error {
		if j.Status != StatusPending {
			return ErrConflict
		}
		now := time.Now().UTC()
		j.Status = StatusProcessing
		j.StartedAt = &now
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	skip := errors.New("job not processing")
	err := s.update(ctx, id, func(j *Job, _ redis.Pipeliner) error {
		if j.Status != StatusProcessing {
			return skip
		}
		j.Progress = percent
		j.ProgressMessage = message
		return nil
	})
	if errors.Is(err, skip) || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *RedisStore) Finalize(ctx context.Context, id string, status Status, result []byte, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize job %s: %s is not a terminal status", id, status)
	}
	return s.update(ctx, id, func(j *Job, pipe redis.Pipeliner) error {
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
		pipe.ZAdd(ctx, terminalKey, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: j.ID,
		})
		return nil
	})
}

func (s *RedisStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	key := ownerKey(ownerID)
	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	if total == 0 || int64(offset) >= total {
		return nil, int(total), nil
	}

	ids, err := s.rdb.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, int(total), nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("fetch jobs: %w", err)
	}

	var jobs []*Job
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record: the job was deleted. Prune lazily.
			stale = append(stale, ids[i])
			continue
		}
		j, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	if len(stale) > 0 {
		s.rdb.ZRem(ctx, key, stale...)
		total -= int64(len(stale))
	}

	return jobs, int(total), nil
}

func (s *RedisStore) Delete(ctx context.Context, id, ownerID string) error {
	j, err := s.GetOwned(ctx, id, ownerID)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, ownerKey(j.OwnerID), id)
		pipe.ZRem(ctx, terminalKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) MarkInterrupted(ctx context.Context, errMsg string) (int64, error) {
	var n int64
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := key[len(jobKeyPrefix):]
		err := s.update(ctx, id, func(j *Job, pipe redis.Pipeliner) error {
			if j.Status != StatusProcessing {
				return ErrConflict
			}
			now := time.Now().UTC()
			j.Status = StatusFailed
			j.Error = errMsg
			j.CompletedAt = &now
			pipe.ZAdd(ctx, terminalKey, redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: j.ID,
			})
			return nil
		})
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("mark interrupted jobs: %w", err)
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scan jobs: %w", err)
	}
	return n, nil
}

func (s *RedisStore) PendingIDs(ctx context.Context) ([]string, error) {
	var pending []*Job
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch job: %w", err)
		}
		j, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		if j.Status == StatusPending {
			pending = append(pending, j)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
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

func (s *RedisStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	max := fmt.Sprintf("%d", before.UnixMilli())
	ids, err := s.rdb.ZRangeByScore(ctx, terminalKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("query terminal jobs: %w", err)
	}

	var n int64
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rdb.ZRem(ctx, terminalKey, id)
			continue
		}
		if err != nil {
			return n, err
		}
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, jobKey(id))
			pipe.ZRem(ctx, ownerKey(j.OwnerID), id)
			pipe.ZRem(ctx, terminalKey, id)
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("delete terminal job %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intent-solutions-io/git-with-intent/resilience"
)

// RedisStore is a Redis-backed Store, for multi-instance deployments
// where several worker processes must claim from the same queue.
// Jobs are JSON strings keyed
// `gwi:job:<id>`; pending ids live in a sorted set `gwi:jobs:pending`
// scored by -priority so ZPOPMIN yields highest-priority first; ids
// with equal scores pop in lexical order.
//
// Every network call goes through a resilience.Breaker: Redis being
// the one backend reachable over an unreliable network in this store
// set, it is the one most likely to need the fail-fast behavior the
// breaker gives the TransientStore retry path.
type RedisStore struct {
	rdb     *redis.Client
	prefix  string
	breaker *resilience.Breaker
}

// NewRedisStore constructs a RedisStore over an already-configured
// client. prefix namespaces keys (e.g. per-tenant sharding); pass ""
// for the default "gwi" prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "gwi"
	}
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		breaker: resilience.New(resilience.Config{
			Name: "jobqueue-redis",
			// An empty queue or missing job id is a normal outcome, not a
			// backend failure.
			IsSuccessful: func(err error) bool { return err == nil || err == redis.Nil },
		}),
	}
}

func (s *RedisStore) jobKey(id string) string { return fmt.Sprintf("%s:job:%s", s.prefix, id) }
func (s *RedisStore) pendingKey() string      { return fmt.Sprintf("%s:jobs:pending", s.prefix) }

// Enqueue implements Store.
func (s *RedisStore) Enqueue(ctx context.Context, job Job) error {
	job.Status = StatusPending
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job: %w", err)
	}

	_, err = resilience.Do(ctx, s.breaker, func(ctx context.Context) (struct{}, error) {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, s.jobKey(job.ID), raw, 0)
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: priorityScore(job.Priority), Member: job.ID})
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return nil
}

// claimScript atomically pops the lowest-scored (highest-priority)
// pending job id and returns that job's stored JSON — or nil if the
// pending set was empty. Claim then rewrites the status/claim fields
// and writes the job back.
const claimScript = `
local id = redis.call('ZPOPMIN', KEYS[1])
if #id == 0 then
  return nil
end
local jobKey = KEYS[2] .. id[1]
local raw = redis.call('GET', jobKey)
if not raw then
  return nil
end
return raw
`

// Claim implements Store. It loops a single-job claim n times; each
// claim is atomic via a server-side Lua script, so concurrent workers
// never double-claim the same id.
func (s *RedisStore) Claim(ctx context.Context, claimedBy string, n int, now time.Time) ([]Job, error) {
	var out []Job
	for i := 0; i < n; i++ {
		raw, err := resilience.Do(ctx, s.breaker, func(ctx context.Context) (interface{}, error) {
			return s.rdb.Eval(ctx, claimScript, []string{s.pendingKey(), s.prefix + ":job:"}).Result()
		})
		if err == redis.Nil || raw == nil {
			break
		}
		if err != nil {
			return out, fmt.Errorf("jobqueue: claim: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw.(string)), &job); err != nil {
			return out, fmt.Errorf("jobqueue: unmarshal claimed job: %w", err)
		}
		job.Status = StatusClaimed
		job.ClaimedBy = claimedBy
		job.ClaimedAt = &now
		job.LastHeartbeat = &now

		if err := s.put(ctx, job); err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Heartbeat implements Store.
func (s *RedisStore) Heartbeat(ctx context.Context, id, claimedBy string, now time.Time) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.ClaimedBy != claimedBy {
		return ErrNotClaimed
	}
	job.LastHeartbeat = &now
	return s.put(ctx, job)
}

// Start implements Store.
func (s *RedisStore) Start(ctx context.Context, id, claimedBy string, now time.Time) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.ClaimedBy != claimedBy {
		return ErrNotClaimed
	}
	job.Status = StatusRunning
	job.StartedAt = &now
	return s.put(ctx, job)
}

// Complete implements Store.
func (s *RedisStore) Complete(ctx context.Context, id, claimedBy string, result map[string]any, now time.Time) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.ClaimedBy != claimedBy {
		return ErrNotClaimed
	}
	if job.Terminal() {
		return ErrDeadLettered
	}
	job.Status = StatusCompleted
	job.Result = result
	job.CompletedAt = &now
	return s.put(ctx, job)
}

// Fail implements Store.
func (s *RedisStore) Fail(ctx context.Context, id, claimedBy, reason string, now time.Time) (Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if job.ClaimedBy != claimedBy {
		return Job{}, ErrNotClaimed
	}
	if job.Terminal() {
		return job, ErrDeadLettered
	}

	job.Attempts++
	job.Error = reason
	if job.Attempts < job.MaxRetries {
		job.Status = StatusPending
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		if err := s.put(ctx, job); err != nil {
			return job, err
		}
		if err := s.rdb.ZAdd(ctx, s.pendingKey(), redis.Z{Score: priorityScore(job.Priority), Member: job.ID}).Err(); err != nil {
			return job, fmt.Errorf("jobqueue: re-enqueue after fail: %w", err)
		}
		return job, nil
	}

	job.Status = StatusDeadLetter
	job.CompletedAt = &now
	if err := s.put(ctx, job); err != nil {
		return job, err
	}
	return job, ErrDeadLettered
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (Job, error) {
	raw, err := resilience.Do(ctx, s.breaker, func(ctx context.Context) (string, error) {
		return s.rdb.Get(ctx, s.jobKey(id)).Result()
	})
	if err == redis.Nil {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobqueue: get: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("jobqueue: unmarshal: %w", err)
	}
	return job, nil
}

func (s *RedisStore) put(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job: %w", err)
	}
	_, err = resilience.Do(ctx, s.breaker, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.rdb.Set(ctx, s.jobKey(job.ID), raw, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("jobqueue: put: %w", err)
	}
	return nil
}

// priorityScore maps a priority (higher wins) to a ZSET score (lower
// wins with ZPOPMIN), so highest priority pops first.
func priorityScore(priority int) float64 {
	return float64(-priority)
}

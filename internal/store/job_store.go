package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nyxel/api/internal/model"
)

// ErrJobNotFound is returned when no pending job exists for a key
var ErrJobNotFound = errors.New("job not found")

const (
	pendingTTL = 24 * time.Hour
	outcomeTTL = 24 * time.Hour
)

// RedisJobStore keeps pending asynchronous jobs and their reconciled
// outcomes so that status can be answered by any instance.
//
//	pending:{provider}:{ref}  JSON PendingJob
//	pending:user:{userID}     set of job keys
//	outcome:{provider}:{ref}  JSON JobOutcome
type RedisJobStore struct {
	redis *redis.Client
}

func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{redis: client}
}

func pendingKey(jobKey string) string { return "pending:" + jobKey }
func userIndexKey(userID string) string { return "pending:user:" + userID }
func outcomeKey(jobKey string) string { return "outcome:" + jobKey }

func (s *RedisJobStore) SavePending(ctx context.Context, job *model.PendingJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, pendingKey(job.Key()), data, pendingTTL)
	if job.UserID != "" {
		pipe.SAdd(ctx, userIndexKey(job.UserID), job.Key())
		pipe.Expire(ctx, userIndexKey(job.UserID), pendingTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) GetPending(ctx context.Context, jobKey string) (*model.PendingJob, error) {
	data, err := s.redis.Get(ctx, pendingKey(jobKey)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job model.PendingJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *RedisJobStore) DeletePending(ctx context.Context, job *model.PendingJob) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, pendingKey(job.Key()))
	if job.UserID != "" {
		pipe.SRem(ctx, userIndexKey(job.UserID), job.Key())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// ListPending returns the user's pending jobs oldest first. Index entries
// whose job has expired are pruned.
func (s *RedisJobStore) ListPending(ctx context.Context, userID string) ([]model.PendingJob, error) {
	keys, err := s.redis.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]model.PendingJob, 0, len(keys))
	for _, k := range keys {
		job, err := s.GetPending(ctx, k)
		if errors.Is(err, ErrJobNotFound) {
			s.redis.SRem(ctx, userIndexKey(userID), k)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	sortPending(jobs)
	return jobs, nil
}

func (s *RedisJobStore) PutOutcome(ctx context.Context, jobKey string, outcome *model.JobOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := s.redis.Set(ctx, outcomeKey(jobKey), data, outcomeTTL).Err(); err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// GetOutcome returns nil without error when nothing is cached
func (s *RedisJobStore) GetOutcome(ctx context.Context, jobKey string) (*model.JobOutcome, error) {
	data, err := s.redis.Get(ctx, outcomeKey(jobKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}

	var outcome model.JobOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}
	return &outcome, nil
}

func sortPending(jobs []model.PendingJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// MemoryJobStore is the in-process equivalent of RedisJobStore
type MemoryJobStore struct {
	mu       sync.Mutex
	pending  map[string]model.PendingJob
	outcomes map[string]model.JobOutcome
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		pending:  make(map[string]model.PendingJob),
		outcomes: make(map[string]model.JobOutcome),
	}
}

func (s *MemoryJobStore) SavePending(ctx context.Context, job *model.PendingJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[job.Key()] = *job
	return nil
}

func (s *MemoryJobStore) GetPending(ctx context.Context, jobKey string) (*model.PendingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.pending[jobKey]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (s *MemoryJobStore) DeletePending(ctx context.Context, job *model.PendingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, job.Key())
	return nil
}

func (s *MemoryJobStore) ListPending(ctx context.Context, userID string) ([]model.PendingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]model.PendingJob, 0)
	for _, j := range s.pending {
		if j.UserID == userID {
			jobs = append(jobs, j)
		}
	}
	sortPending(jobs)
	return jobs, nil
}

func (s *MemoryJobStore) PutOutcome(ctx context.Context, jobKey string, outcome *model.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[jobKey] = *outcome
	return nil
}

func (s *MemoryJobStore) GetOutcome(ctx context.Context, jobKey string) (*model.JobOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[jobKey]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

// Package redisstate holds real-time search-job state in Redis: status keys
// with TTL, final results, and the pub/sub progress channel the frontend
// listens on while a job runs.
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
)

const (
	statusTTL = 24 * time.Hour
	resultTTL = time.Hour
)

func statusKey(jobID string) string       { return "job:status:" + jobID }
func resultKey(jobID string) string       { return "job:result:" + jobID }
func progressChannel(jobID string) string { return "job:" + jobID + ":progress" }

// ProgressUpdate is one message on a job's progress channel.
type ProgressUpdate struct {
	Type    string `json:"type"` // started | reasoning | sources | markdown | completed | error
	Content any    `json:"content,omitempty"`
}

// JobStateStore manages real-time job state in Redis.
type JobStateStore interface {
	SetStatus(ctx context.Context, jobID string, status domain.JobStatus) error
	GetStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
	SetResult(ctx context.Context, jobID string, result []byte, ttl time.Duration) error
	GetResult(ctx context.Context, jobID string) ([]byte, error)
	PublishProgress(ctx context.Context, jobID string, update ProgressUpdate) error
	SubscribeProgress(ctx context.Context, jobID string) *redis.PubSub
}

type jobStateStore struct {
	client *redis.Client
}

// NewJobStateStore creates a Redis-backed JobStateStore.
func NewJobStateStore(client *redis.Client) JobStateStore {
	return &jobStateStore{client: client}
}

func (s *jobStateStore) SetStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	if err := s.client.Set(ctx, statusKey(jobID), string(status), statusTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", jobID, err)
	}
	return nil
}

func (s *jobStateStore) GetStatus(ctx context.Context, jobID string) (domain.JobStatus, error) {
	val, err := s.client.Get(ctx, statusKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.JobNotFoundError{JobID: jobID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", jobID, err)
	}
	return domain.JobStatus(val), nil
}

func (s *jobStateStore) SetResult(ctx context.Context, jobID string, result []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = resultTTL
	}
	if err := s.client.Set(ctx, resultKey(jobID), result, ttl).Err(); err != nil {
		return fmt.Errorf("redis set result for %s: %w", jobID, err)
	}
	return nil
}

func (s *jobStateStore) GetResult(ctx context.Context, jobID string) ([]byte, error) {
	data, err := s.client.Get(ctx, resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("redis get result for %s: %w", jobID, err)
	}
	return data, nil
}

// PublishProgress is best-effort: a dropped update never fails the job.
// Callers log and continue on error.
func (s *jobStateStore) PublishProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal progress update: %w", err)
	}
	if err := s.client.Publish(ctx, progressChannel(jobID), data).Err(); err != nil {
		return fmt.Errorf("redis publish progress for %s: %w", jobID, err)
	}
	return nil
}

func (s *jobStateStore) SubscribeProgress(ctx context.Context, jobID string) *redis.PubSub {
	return s.client.Subscribe(ctx, progressChannel(jobID))
}

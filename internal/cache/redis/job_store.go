package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// JobStore keeps pending scheduler jobs in a hash keyed by job id.
type JobStore struct {
	c   *Client
	key string
}

// NewJobStore creates a JobStore for symbol.
func NewJobStore(c *Client, symbol string) *JobStore {
	return &JobStore{c: c, key: c.Key("jobs", symbol)}
}

// Save upserts job.
func (s *JobStore) Save(ctx context.Context, job domain.ScheduledJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redis: encode job %s: %w", job.ID, err)
	}
	if err := s.c.rdb.HSet(ctx, s.key, job.ID, raw).Err(); err != nil {
		return fmt.Errorf("redis: save job %s: %w", job.ID, err)
	}
	return nil
}

// Delete removes job id. Unknown ids are ignored.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	if err := s.c.rdb.HDel(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("redis: delete job %s: %w", id, err)
	}
	return nil
}

// LoadAll returns every stored job. Undecodable entries are dropped.
func (s *JobStore) LoadAll(ctx context.Context) ([]domain.ScheduledJob, error) {
	entries, err := s.c.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load jobs: %w", err)
	}
	jobs := make([]domain.ScheduledJob, 0, len(entries))
	var bad []string
	for id, raw := range entries {
		var job domain.ScheduledJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil || job.ID == "" {
			bad = append(bad, id)
			continue
		}
		jobs = append(jobs, job)
	}
	if len(bad) > 0 {
		_ = s.c.rdb.HDel(ctx, s.key, bad...).Err()
	}
	return jobs, nil
}

var _ domain.JobStore = (*JobStore)(nil)

package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// TrackerStateStore persists the tracker so a restart resumes the same
// position and generation.
type TrackerStateStore interface {
	Save(ctx context.Context, snap TrackerSnapshot) error
	Load(ctx context.Context) (TrackerSnapshot, error)
}

// JobStore persists pending scheduler jobs.
type JobStore interface {
	Save(ctx context.Context, job ScheduledJob) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]ScheduledJob, error)
}

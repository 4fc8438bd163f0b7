package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionStateStore persists the tracker snapshot as a single JSON value.
type PositionStateStore struct {
	c   *Client
	key string
}

// NewPositionStateStore stores the snapshot for symbol.
func NewPositionStateStore(c *Client, symbol string) *PositionStateStore {
	return &PositionStateStore{c: c, key: c.Key("position", symbol)}
}

// Save overwrites the stored snapshot.
func (s *PositionStateStore) Save(ctx context.Context, snap domain.TrackerSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode position state: %w", err)
	}
	if err := s.c.rdb.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: save position state: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or a zero snapshot if none was saved.
func (s *PositionStateStore) Load(ctx context.Context) (domain.TrackerSnapshot, error) {
	raw, err := s.c.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.TrackerSnapshot{}, nil
	}
	if err != nil {
		return domain.TrackerSnapshot{}, fmt.Errorf("redis: load position state: %w", err)
	}
	var snap domain.TrackerSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.TrackerSnapshot{}, fmt.Errorf("redis: decode position state: %w", err)
	}
	return snap, nil
}

var _ domain.TrackerStateStore = (*PositionStateStore)(nil)

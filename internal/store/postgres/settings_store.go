package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// SettingsStore implements domain.SettingsStore over trading_settings.
type SettingsStore struct {
	pool *pgxpool.Pool
}

// NewSettingsStore creates a SettingsStore.
func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// Get returns the stored minutes for key or domain.ErrNotFound.
func (s *SettingsStore) Get(ctx context.Context, key domain.SettingKey) (int, error) {
	var minutes int
	err := s.pool.QueryRow(ctx, `SELECT minutes FROM trading_settings WHERE setting_name = $1`, string(key)).Scan(&minutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("postgres: get setting %s: %w", key, err)
	}
	return minutes, nil
}

// All returns every stored setting.
func (s *SettingsStore) All(ctx context.Context) (map[domain.SettingKey]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT setting_name, minutes FROM trading_settings`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.SettingKey]int)
	for rows.Next() {
		var name string
		var minutes int
		if err := rows.Scan(&name, &minutes); err != nil {
			return nil, fmt.Errorf("postgres: scan setting: %w", err)
		}
		out[domain.SettingKey(name)] = minutes
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: settings rows: %w", err)
	}
	return out, nil
}

// Set upserts key.
func (s *SettingsStore) Set(ctx context.Context, key domain.SettingKey, minutes int) error {
	const query = `
		INSERT INTO trading_settings (setting_name, minutes, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (setting_name) DO UPDATE SET
			minutes    = EXCLUDED.minutes,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, string(key), minutes); err != nil {
		return fmt.Errorf("postgres: set setting %s: %w", key, err)
	}
	return nil
}

var _ domain.SettingsStore = (*SettingsStore)(nil)

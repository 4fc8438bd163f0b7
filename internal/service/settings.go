package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// MaxSettingMinutes caps any minute-valued setting at one week.
const MaxSettingMinutes = domain.MaxExpectedMinutes

// Settings reads the minute-valued trading settings live from the store,
// falling back to configured defaults when a key is missing or the store
// is unreachable.
type Settings struct {
	store    domain.SettingsStore
	defaults map[domain.SettingKey]int
	logger   *slog.Logger
}

// NewSettings creates a Settings service. store may be nil, in which case
// only the defaults are served and updates are rejected.
func NewSettings(store domain.SettingsStore, defaults map[domain.SettingKey]int, logger *slog.Logger) *Settings {
	d := make(map[domain.SettingKey]int, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &Settings{
		store:    store,
		defaults: d,
		logger:   logger.With(slog.String("component", "settings")),
	}
}

// Minutes returns the current value of key.
func (s *Settings) Minutes(ctx context.Context, key domain.SettingKey) int {
	if s.store != nil {
		v, err := s.store.Get(ctx, key)
		if err == nil && v > 0 {
			return v
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "settings read failed, using default",
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
		}
	}
	return s.defaults[key]
}

// Delay returns the current value of key as a duration.
func (s *Settings) Delay(ctx context.Context, key domain.SettingKey) time.Duration {
	return time.Duration(s.Minutes(ctx, key)) * time.Minute
}

// All returns every known setting with defaults filled in.
func (s *Settings) All(ctx context.Context) map[domain.SettingKey]int {
	out := make(map[domain.SettingKey]int, len(domain.SettingKeys))
	for _, k := range domain.SettingKeys {
		out[k] = s.defaults[k]
	}
	if s.store == nil {
		return out
	}
	stored, err := s.store.All(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "settings list failed, using defaults", slog.String("error", err.Error()))
		return out
	}
	for k, v := range stored {
		if k.Valid() && v > 0 {
			out[k] = v
		}
	}
	return out
}

// Update validates and stores a new value for key.
func (s *Settings) Update(ctx context.Context, key domain.SettingKey, minutes int) error {
	if !key.Valid() {
		return fmt.Errorf("settings: %w: unknown key %q", domain.ErrInvalidSetting, key)
	}
	if minutes < 1 || minutes > MaxSettingMinutes {
		return fmt.Errorf("settings: %w: %s must be between 1 and %d minutes", domain.ErrInvalidSetting, key, MaxSettingMinutes)
	}
	if s.store == nil {
		return errors.New("settings: no store configured")
	}
	if err := s.store.Set(ctx, key, minutes); err != nil {
		return fmt.Errorf("settings: update %s: %w", key, err)
	}
	s.logger.InfoContext(ctx, "setting updated", slog.String("key", string(key)), slog.Int("minutes", minutes))
	return nil
}

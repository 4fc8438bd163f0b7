package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSide(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
	assert.Equal(t, SideNone, SideNone.Opposite())

	for in, want := range map[string]Side{
		"long": SideLong, "buy": SideLong, "SHORT": SideShort, "sell": SideShort, "": SideNone, "net": SideNone,
	} {
		assert.Equal(t, want, ParseHoldSide(in), in)
	}
	assert.Equal(t, "long", SideLong.HoldSide())
	assert.Empty(t, SideNone.HoldSide())

	assert.Equal(t, SideLong, ActionEnterLong.Side())
	assert.Equal(t, SideNone, ActionHold.Side())
}

func TestLiquidationROE(t *testing.T) {
	t.Parallel()

	d := decimal.RequireFromString
	tests := []struct {
		name string
		ev   LiquidationEvent
		want string
	}{
		{name: "long gain", ev: LiquidationEvent{Side: SideLong, EntryPrice: d("100"), ExitPrice: d("102"), Leverage: 5}, want: "10"},
		{name: "short gain", ev: LiquidationEvent{Side: SideShort, EntryPrice: d("100"), ExitPrice: d("99"), Leverage: 10}, want: "10"},
		{name: "long loss", ev: LiquidationEvent{Side: SideLong, EntryPrice: d("110"), ExitPrice: d("99"), Leverage: 1}, want: "-10"},
		{name: "unknown exit", ev: LiquidationEvent{Side: SideLong, EntryPrice: d("100"), Leverage: 5}, want: "0"},
		{name: "zero leverage counts as one", ev: LiquidationEvent{Side: SideLong, EntryPrice: d("100"), ExitPrice: d("101")}, want: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, d(tt.want).Equal(tt.ev.ROE()), "got %s", tt.ev.ROE())
		})
	}
}

func TestPositionAndJobPredicates(t *testing.T) {
	t.Parallel()

	assert.False(t, Position{Side: SideNone}.IsOpen())
	assert.True(t, Position{Side: SideNone}.IsZero())
	assert.True(t, Position{Side: SideLong, EntryTime: time.Now()}.IsOpen())

	assert.False(t, ExchangePosition{Side: SideLong}.IsOpen())
	assert.True(t, ExchangePosition{Side: SideLong, Size: decimal.NewFromInt(1)}.IsOpen())

	assert.True(t, JobDone.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.False(t, JobType("REBALANCE").Valid())
	assert.True(t, SettingMonitoringInterval.Valid())
	assert.False(t, SettingKey("poll_seconds").Valid())
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	rl := fmt.Errorf("wrap: %w", &RateLimitedError{Op: "ticker", RetryAfter: time.Second})
	assert.True(t, errors.Is(rl, ErrRateLimited))
	assert.True(t, IsRetryable(rl))
	assert.True(t, IsRetryable(&TransientNetworkError{Op: "x", Err: errors.New("reset")}))
	assert.False(t, IsRetryable(&InvalidResponseError{Source: "oracle"}))

	stale := &StaleJobError{JobID: "j", Type: JobMonitoring, JobGeneration: 1, CurrentGeneration: 2}
	assert.ErrorIs(t, stale, ErrStaleState)
	assert.Contains(t, stale.Error(), "generation 1, current 2")
}

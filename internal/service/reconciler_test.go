package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/scheduler"
	"github.com/alanyoungcy/perpbot/internal/testutil"
	"github.com/alanyoungcy/perpbot/internal/tracker"
)

type reconcileFixture struct {
	tracker *tracker.Tracker
	sched   *scheduler.Scheduler
	gw      *testutil.Gateway
	events  *testutil.Events
	history *testutil.History
	rec     *Reconciler
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	logger := testutil.Logger()
	tr := tracker.New(logger)
	q := scheduler.NewQueue(8, 1, logger)
	sched := scheduler.New(q, tr, 5*time.Minute, logger)
	gw := testutil.NewGateway(100, 1000)
	events := &testutil.Events{}
	history := &testutil.History{}
	settings := NewSettings(testutil.NewSettings(nil), map[domain.SettingKey]int{
		domain.SettingStopLossReanalysis: 30,
		domain.SettingNormalReanalysis:   60,
		domain.SettingMonitoringInterval: 15,
	}, logger)
	rec := NewReconciler(tr, sched, gw, settings, events, history, ReconcilerConfig{PollInterval: time.Second, LargeMovePct: 5}, logger)
	t.Cleanup(func() { sched.CancelAll(context.Background()) })
	return &reconcileFixture{tracker: tr, sched: sched, gw: gw, events: events, history: history, rec: rec}
}

// openLong records a long at 100 with SL 95 and TP 110 and arms its
// FORCE_CLOSE and MONITORING jobs.
func (f *reconcileFixture) openLong(t *testing.T) uint64 {
	t.Helper()
	ctx := context.Background()
	gen, err := f.tracker.RecordEntry(tracker.Entry{
		Side:              domain.SideLong,
		EntryPrice:        decimal.NewFromInt(100),
		StopLossPrice:     decimal.NewFromInt(95),
		TakeProfitPrice:   decimal.NewFromInt(110),
		ExpectedCloseTime: time.Now().Add(4 * time.Hour),
		Leverage:          5,
	})
	require.NoError(t, err)
	f.gw.SetPosition(domain.ExchangePosition{Side: domain.SideLong, Size: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(100)})
	_, err = f.sched.Replace(ctx, domain.JobForceClose, time.Now().Add(4*time.Hour), gen, nil)
	require.NoError(t, err)
	_, err = f.sched.Replace(ctx, domain.JobMonitoring, time.Now().Add(15*time.Minute), gen, nil)
	require.NoError(t, err)
	return gen
}

func (f *reconcileFixture) prime(t *testing.T) {
	t.Helper()
	_, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	require.True(t, f.rec.Primed())
}

func pendingOf(s *scheduler.Scheduler, typ domain.JobType) []domain.ScheduledJob {
	var out []domain.ScheduledJob
	for _, j := range s.ListPending() {
		if j.Type == typ {
			out = append(out, j)
		}
	}
	return out
}

func TestStopLossClosureSchedulesShortReanalysis(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	f.openLong(t)
	f.prime(t)

	f.gw.Flatten()
	f.gw.SetPrice(94)
	before := time.Now()

	ev, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.ReasonStopLoss, ev.Reason)
	assert.True(t, ev.ExitPrice.Equal(decimal.NewFromInt(94)))

	snap := f.tracker.Snapshot()
	assert.False(t, snap.Position.IsOpen())
	assert.Equal(t, domain.StateReconciled, snap.State)

	assert.Empty(t, pendingOf(f.sched, domain.JobMonitoring))
	assert.Empty(t, pendingOf(f.sched, domain.JobForceClose))
	analysis := pendingOf(f.sched, domain.JobAnalysis)
	require.Len(t, analysis, 1)
	assert.WithinDuration(t, before.Add(30*time.Minute), analysis[0].RunAt, 5*time.Second)

	require.Len(t, f.events.OfType(domain.EventLiquidation), 1)
	require.Len(t, f.history.Records(domain.RecordClose), 1)
}

func TestTakeProfitClosureUsesNormalDelay(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	f.openLong(t)
	f.prime(t)

	f.gw.Flatten()
	f.gw.SetPrice(111)
	before := time.Now()

	ev, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.ReasonTakeProfit, ev.Reason)

	analysis := pendingOf(f.sched, domain.JobAnalysis)
	require.Len(t, analysis, 1)
	assert.WithinDuration(t, before.Add(60*time.Minute), analysis[0].RunAt, 5*time.Second)
}

func TestClosureHandledExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	f.openLong(t)
	f.prime(t)
	f.gw.Flatten()
	f.gw.SetPrice(94)

	for range 3 {
		_, err := f.rec.Check(context.Background())
		require.NoError(t, err)
	}

	assert.Len(t, f.events.OfType(domain.EventLiquidation), 1)
	assert.Len(t, pendingOf(f.sched, domain.JobAnalysis), 1)
}

func TestFirstPollOnlyPrimes(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	f.openLong(t)
	f.gw.Flatten()

	ev, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.True(t, f.tracker.Snapshot().Position.IsOpen())

	ev, err = f.rec.Check(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ev)
}

func TestFailedReadNeverClears(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	gen := f.openLong(t)
	f.prime(t)

	f.gw.Flatten()
	f.gw.SetErrors(&domain.TransientNetworkError{Op: "position", Err: errors.New("timeout")}, nil, nil, nil)

	ev, err := f.rec.Check(context.Background())
	require.Error(t, err)
	assert.Nil(t, ev)

	snap := f.tracker.Snapshot()
	assert.True(t, snap.Position.IsOpen())
	assert.Equal(t, gen, snap.Generation)
	assert.Len(t, pendingOf(f.sched, domain.JobForceClose), 1)
}

func TestClosingStateIsIgnored(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	gen := f.openLong(t)
	f.prime(t)

	_, err := f.tracker.BeginClose(gen)
	require.NoError(t, err)
	f.gw.Flatten()

	ev, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, f.events.OfType(domain.EventLiquidation))
}

func TestSettleOwnClose(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	gen := f.openLong(t)

	ev, ok := f.rec.Settle(context.Background(), gen, domain.ReasonExpectedTime, decimal.NewFromInt(101))
	require.True(t, ok)
	assert.Equal(t, domain.ReasonExpectedTime, ev.Reason)

	_, ok = f.rec.Settle(context.Background(), gen, domain.ReasonExpectedTime, decimal.NewFromInt(101))
	assert.False(t, ok)
	assert.Len(t, pendingOf(f.sched, domain.JobAnalysis), 1)
}

func TestInactiveSkipsFollowUpAnalysis(t *testing.T) {
	t.Parallel()

	f := newReconcileFixture(t)
	f.rec.SetActiveFunc(func() bool { return false })
	f.openLong(t)
	f.prime(t)
	f.gw.Flatten()

	ev, err := f.rec.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Empty(t, f.sched.ListPending())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	long := domain.Position{
		Side:              domain.SideLong,
		EntryPrice:        decimal.NewFromInt(100),
		StopLossPrice:     decimal.NewFromInt(95),
		TakeProfitPrice:   decimal.NewFromInt(110),
		ExpectedCloseTime: now.Add(time.Hour),
	}
	short := domain.Position{
		Side:              domain.SideShort,
		EntryPrice:        decimal.NewFromInt(100),
		StopLossPrice:     decimal.NewFromInt(105),
		TakeProfitPrice:   decimal.NewFromInt(90),
		ExpectedCloseTime: now.Add(time.Hour),
	}
	expired := long
	expired.ExpectedCloseTime = now.Add(-time.Minute)

	tests := []struct {
		name   string
		pos    domain.Position
		manual bool
		price  float64
		want   domain.CloseReason
	}{
		{name: "manual wins over stop", pos: long, manual: true, price: 90, want: domain.ReasonManual},
		{name: "long stop", pos: long, price: 95, want: domain.ReasonStopLoss},
		{name: "long target", pos: long, price: 110, want: domain.ReasonTakeProfit},
		{name: "short stop", pos: short, price: 106, want: domain.ReasonStopLoss},
		{name: "short target", pos: short, price: 89, want: domain.ReasonTakeProfit},
		{name: "expected time", pos: expired, price: 101, want: domain.ReasonExpectedTime},
		{name: "gap past stop is stop loss", pos: long, price: 80, want: domain.ReasonStopLoss},
		{name: "large move", pos: domain.Position{Side: domain.SideLong, EntryPrice: decimal.NewFromInt(100)}, price: 106, want: domain.ReasonUnknownLargeMove},
		{name: "unknown", pos: long, price: 101, want: domain.ReasonUnknown},
		{name: "unknown price", pos: long, price: 0, want: domain.ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.pos, tt.manual, decimal.NewFromFloat(tt.price), now, 5)
			assert.Equal(t, tt.want, got)
		})
	}
}

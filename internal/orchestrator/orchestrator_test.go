package orchestrator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/market"
	"github.com/alanyoungcy/perpbot/internal/retry"
	"github.com/alanyoungcy/perpbot/internal/scheduler"
	"github.com/alanyoungcy/perpbot/internal/service"
	"github.com/alanyoungcy/perpbot/internal/testutil"
	"github.com/alanyoungcy/perpbot/internal/tracker"
)

type fixture struct {
	o       *Orchestrator
	tracker *tracker.Tracker
	sched   *scheduler.Scheduler
	gw      *testutil.Gateway
	oracle  *testutil.Oracle
	events  *testutil.Events
	history *testutil.History
	rec     *service.Reconciler
	locks   *testutil.Locks
	queue   *scheduler.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.Logger()
	tr := tracker.New(logger)
	q := scheduler.NewQueue(32, 1, logger)
	sched := scheduler.New(q, tr, 5*time.Minute, logger)
	gw := testutil.NewGateway(100, 1000)
	oracle := &testutil.Oracle{}
	events := &testutil.Events{}
	history := &testutil.History{}
	settings := service.NewSettings(testutil.NewSettings(nil), map[domain.SettingKey]int{
		domain.SettingStopLossReanalysis: 30,
		domain.SettingNormalReanalysis:   60,
		domain.SettingMonitoringInterval: 15,
	}, logger)
	rec := service.NewReconciler(tr, sched, gw, settings, events, history, service.ReconcilerConfig{PollInterval: time.Second}, logger)
	locks := &testutil.Locks{}

	cfg := DefaultConfig()
	cfg.GatewayPolicy = retry.Policy{MaxAttempts: 1}
	cfg.OraclePolicy = retry.Policy{MaxAttempts: 1}

	o := New(Deps{
		Tracker:    tr,
		Scheduler:  sched,
		Gateway:    gw,
		Oracle:     oracle,
		Collector:  market.NewCollector(gw, "BTCUSDT", []market.Timeframe{{Granularity: "1H", Limit: 10}}, logger),
		Settings:   settings,
		Reconciler: rec,
		Events:     events,
		History:    history,
		Locks:      locks,
	}, cfg, logger)
	o.active.Store(true)
	rec.SetActiveFunc(o.Active)

	t.Cleanup(func() { sched.CancelAll(context.Background()) })
	return &fixture{o: o, tracker: tr, sched: sched, gw: gw, oracle: oracle, events: events, history: history, rec: rec, locks: locks, queue: q}
}

// runQueue starts the task queue so fired jobs execute.
func (f *fixture) runQueue(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.queue.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func enterLong(minutes int) domain.Decision {
	return domain.Decision{
		Action:          domain.ActionEnterLong,
		PositionSize:    0.5,
		Leverage:        5,
		StopLossROE:     5,
		TakeProfitROE:   10,
		ExpectedMinutes: minutes,
		Reason:          "trend",
	}
}

func (f *fixture) pending(typ domain.JobType) []domain.ScheduledJob {
	var out []domain.ScheduledJob
	for _, j := range f.sched.ListPending() {
		if j.Type == typ {
			out = append(out, j)
		}
	}
	return out
}

// requireFlatInvariant checks that a flat book has a pending ANALYSIS and
// no exit jobs.
func (f *fixture) requireFlatInvariant(t *testing.T) {
	t.Helper()
	require.False(t, f.tracker.Snapshot().Position.IsOpen())
	assert.Len(t, f.pending(domain.JobAnalysis), 1)
	assert.Empty(t, f.pending(domain.JobForceClose))
	assert.Empty(t, f.pending(domain.JobMonitoring))
}

func (f *fixture) enter(t *testing.T, minutes int) uint64 {
	t.Helper()
	f.oracle.SetDecision(enterLong(minutes))
	require.Equal(t, OutcomeEntered, f.o.RunAnalysis(context.Background()))
	return f.tracker.Generation()
}

func TestExistingPositionHoldsWithoutOracle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gw.SetPosition(domain.ExchangePosition{Side: domain.SideLong, Size: decimal.NewFromInt(1)})
	before := time.Now()

	out := f.o.RunAnalysis(context.Background())

	assert.Equal(t, OutcomeHold, out)
	assert.Equal(t, 0, f.oracle.AnalyzeCalls())
	analysis := f.pending(domain.JobAnalysis)
	require.Len(t, analysis, 1)
	assert.WithinDuration(t, before.Add(60*time.Minute), analysis[0].RunAt, 5*time.Second)
}

func TestEnterTradeArmsExitJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before := time.Now()
	gen := f.enter(t, 240)

	orders := f.gw.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.SideLong, orders[0].Side)
	assert.Equal(t, "23.75", orders[0].Size.String())
	assert.Equal(t, "1.1", orders[0].StopLossPct.String())
	assert.Equal(t, "1.9", orders[0].TakeProfitPct.String())

	snap := f.tracker.Snapshot()
	assert.Equal(t, domain.StateOpen, snap.State)
	assert.Equal(t, "98.9", snap.Position.StopLossPrice.String())
	assert.Equal(t, "101.9", snap.Position.TakeProfitPrice.String())

	force := f.pending(domain.JobForceClose)
	require.Len(t, force, 1)
	assert.Equal(t, gen, force[0].Generation)
	assert.WithinDuration(t, before.Add(240*time.Minute), force[0].RunAt, 5*time.Second)

	mon := f.pending(domain.JobMonitoring)
	require.Len(t, mon, 1)
	assert.WithinDuration(t, before.Add(15*time.Minute), mon[0].RunAt, 5*time.Second)
	assert.Empty(t, f.pending(domain.JobAnalysis))

	assert.Len(t, f.events.OfType(domain.EventTradeExecuted), 1)
	assert.Len(t, f.history.Records(domain.RecordEntry), 1)
	assert.Len(t, f.history.Records(domain.RecordDecision), 1)
}

func TestShortHorizonSkipsMonitoring(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enter(t, 10)

	assert.Len(t, f.pending(domain.JobForceClose), 1)
	assert.Empty(t, f.pending(domain.JobMonitoring))
}

func TestOracleHoldSchedulesAnalysis(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.oracle.SetDecision(domain.Decision{Action: domain.ActionHold})

	assert.Equal(t, OutcomeHold, f.o.RunAnalysis(context.Background()))
	f.requireFlatInvariant(t)
}

func TestInvalidOracleResponseHolds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.oracle.SetError(&domain.InvalidResponseError{Source: "oracle", Reason: "no json"})

	assert.Equal(t, OutcomeHold, f.o.RunAnalysis(context.Background()))
	assert.Empty(t, f.gw.Orders())
	f.requireFlatInvariant(t)
}

func TestErrorPathsKeepAnalysisPending(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{name: "oracle failure", setup: func(f *fixture) {
			f.oracle.SetError(errors.New("upstream 500"))
		}},
		{name: "position read failure", setup: func(f *fixture) {
			f.gw.SetErrors(&domain.TransientNetworkError{Op: "position", Err: errors.New("reset")}, nil, nil, nil)
		}},
		{name: "order rejected", setup: func(f *fixture) {
			f.oracle.SetDecision(enterLong(240))
			f.gw.SetErrors(nil, nil, errors.New("insufficient margin"), nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.setup(f)

			assert.Equal(t, OutcomeError, f.o.RunAnalysis(context.Background()))
			assert.Len(t, f.events.OfType(domain.EventError), 1)
			f.requireFlatInvariant(t)
		})
	}
}

func TestMonitoringReversal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gen := f.enter(t, 240)

	f.oracle.SetVerdict(domain.MonitorVerdict{Decision: domain.Decision{
		Action:          domain.ActionEnterShort,
		PositionSize:    0.5,
		Leverage:        5,
		StopLossROE:     5,
		TakeProfitROE:   10,
		ExpectedMinutes: 120,
	}})

	out := f.o.RunMonitoring(context.Background(), gen)
	require.Equal(t, OutcomeReversed, out)

	assert.Equal(t, []string{"order:LONG", "close:LONG", "order:SHORT"}, f.gw.Calls())

	snap := f.tracker.Snapshot()
	assert.Equal(t, domain.SideShort, snap.Position.Side)
	assert.Greater(t, snap.Generation, gen)

	force := f.pending(domain.JobForceClose)
	require.Len(t, force, 1)
	assert.Equal(t, snap.Generation, force[0].Generation)
	mon := f.pending(domain.JobMonitoring)
	require.Len(t, mon, 1)
	assert.Equal(t, snap.Generation, mon[0].Generation)
	assert.Empty(t, f.events.OfType(domain.EventLiquidation))
}

func TestMonitoringSameDirectionAdjusts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gen := f.enter(t, 240)
	before := time.Now()

	f.gw.SetPrice(102)
	f.oracle.SetVerdict(domain.MonitorVerdict{Decision: enterLong(60)})

	require.Equal(t, OutcomeAdjusted, f.o.RunMonitoring(context.Background(), gen))

	require.Len(t, f.gw.Updates(), 1)
	assert.Len(t, f.gw.Orders(), 1)
	assert.Equal(t, gen, f.tracker.Generation())

	force := f.pending(domain.JobForceClose)
	require.Len(t, force, 1)
	assert.WithinDuration(t, before.Add(60*time.Minute), force[0].RunAt, 5*time.Second)
	assert.True(t, f.tracker.Snapshot().Position.StopLossPrice.GreaterThan(decimal.NewFromFloat(98.9)))
}

func TestMonitoringHold(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gen := f.enter(t, 240)
	f.oracle.SetVerdict(domain.MonitorVerdict{Decision: domain.Decision{Action: domain.ActionHold}})

	require.Equal(t, OutcomeHold, f.o.RunMonitoring(context.Background(), gen))
	assert.Len(t, f.pending(domain.JobMonitoring), 1)
	assert.Len(t, f.pending(domain.JobForceClose), 1)
}

func TestMonitoringStaleGenerationSkips(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gen := f.enter(t, 240)

	assert.Equal(t, OutcomeSkipped, f.o.RunMonitoring(context.Background(), gen-1))
	assert.Equal(t, 0, f.oracle.MonitorCalls())
}

func TestMonitoringCloseVerdict(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gen := f.enter(t, 240)
	f.oracle.SetVerdict(domain.MonitorVerdict{Decision: domain.Decision{Action: domain.ActionClose}})

	require.Equal(t, OutcomeClosed, f.o.RunMonitoring(context.Background(), gen))
	evs := f.events.OfType(domain.EventLiquidation)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.ReasonOracleExit, evs[0].Data.(domain.LiquidationEvent).Reason)
	f.requireFlatInvariant(t)
}

func TestForceCloseSettlesExpectedTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gen := f.enter(t, 240)

	require.Equal(t, OutcomeClosed, f.o.RunForceClose(context.Background(), gen))

	assert.Equal(t, domain.StateReconciled, f.tracker.Snapshot().State)
	evs := f.events.OfType(domain.EventLiquidation)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.ReasonExpectedTime, evs[0].Data.(domain.LiquidationEvent).Reason)
	assert.Len(t, f.events.OfType(domain.EventForceClose), 1)
	f.requireFlatInvariant(t)
}

func TestForceCloseFailureRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	gen := f.enter(t, 240)
	f.gw.KeepOnClose = true
	before := time.Now()

	require.Equal(t, OutcomeError, f.o.RunForceClose(context.Background(), gen))

	snap := f.tracker.Snapshot()
	assert.Equal(t, domain.StateOpen, snap.State)
	assert.Equal(t, gen, snap.Generation)
	force := f.pending(domain.JobForceClose)
	require.Len(t, force, 1)
	assert.WithinDuration(t, before.Add(15*time.Minute), force[0].RunAt, 5*time.Second)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.o.active.Store(false)
	ctx := context.Background()

	require.NoError(t, f.o.Start(ctx))
	assert.ErrorIs(t, f.o.Start(ctx), domain.ErrAlreadyRunning)
	assert.Len(t, f.pending(domain.JobAnalysis), 1)

	require.NoError(t, f.o.Stop(ctx))
	assert.ErrorIs(t, f.o.Stop(ctx), domain.ErrNotRunning)
	assert.Empty(t, f.sched.ListPending())
	assert.NotEmpty(t, f.events.OfType(domain.EventTradingStatus))
}

func TestManualCloseSettlesAsManual(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rec.Check(ctx)
	require.NoError(t, err)
	f.enter(t, 240)

	require.NoError(t, f.o.ManualClose(ctx))

	evs := f.events.OfType(domain.EventLiquidation)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.ReasonManual, evs[0].Data.(domain.LiquidationEvent).Reason)
	f.requireFlatInvariant(t)

	assert.ErrorIs(t, f.o.ManualClose(ctx), domain.ErrNoPosition)
}

func TestManualCloseWaitsForInFlightEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rec.Check(ctx)
	require.NoError(t, err)

	filled := make(chan struct{})
	release := make(chan struct{})
	f.gw.OnOrder = func(domain.OrderRequest) {
		close(filled)
		<-release
	}
	f.oracle.SetDecision(enterLong(240))

	analysisDone := make(chan error, 1)
	go func() {
		analysisDone <- f.o.handleAnalysis(ctx, domain.ScheduledJob{Type: domain.JobAnalysis})
	}()
	<-filled

	closeDone := make(chan error, 1)
	go func() { closeDone <- f.o.ManualClose(ctx) }()

	select {
	case err := <-closeDone:
		t.Fatalf("manual close returned during an entry: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-analysisDone)
	require.NoError(t, <-closeDone)

	assert.Equal(t, []string{"order:LONG", "close:LONG"}, f.gw.Calls())
	evs := f.events.OfType(domain.EventLiquidation)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.ReasonManual, evs[0].Data.(domain.LiquidationEvent).Reason)
	f.requireFlatInvariant(t)
}

func TestManualCloseLockHeldElsewhere(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.enter(t, 240)

	unlock, err := f.locks.Acquire(ctx, "perpbot:pipeline:BTCUSDT", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, f.o.ManualClose(ctx), domain.ErrLockHeld)
	assert.Empty(t, f.gw.Closes())
	assert.False(t, f.tracker.Snapshot().ManualClose)

	unlock()
	require.NoError(t, f.o.ManualClose(ctx))
	assert.Equal(t, []domain.Side{domain.SideLong}, f.gw.Closes())
}

func TestManualCloseUntrackedPositionIsNotFlagged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.gw.SetPosition(domain.ExchangePosition{Side: domain.SideShort, Size: decimal.NewFromInt(2)})

	require.NoError(t, f.o.ManualClose(ctx))

	assert.Equal(t, []domain.Side{domain.SideShort}, f.gw.Closes())
	snap := f.tracker.Snapshot()
	assert.False(t, snap.ManualClose)
	assert.False(t, snap.Position.IsOpen())
	assert.Empty(t, f.events.OfType(domain.EventLiquidation))
}

func TestCancelJobsDuringAnalysisLeavesNothingPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.runQueue(t)
	f.o.active.Store(false)
	ctx := context.Background()

	inOracle := make(chan struct{})
	release := make(chan struct{})
	f.oracle.OnAnalyze = func() {
		close(inOracle)
		<-release
	}
	f.oracle.SetDecision(domain.Decision{Action: domain.ActionHold, Reason: "flat market"})

	require.NoError(t, f.o.Start(ctx))
	<-inOracle
	assert.Equal(t, 1, f.o.CancelJobs(ctx))
	close(release)

	require.Eventually(t, func() bool { return f.oracle.AnalyzeCalls() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sched.ListPending()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(f.sched.ListPending()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, f.gw.Orders())
}

func TestAnalyzeOnlyDoesNotTrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.oracle.SetDecision(enterLong(240))

	report, err := f.o.AnalyzeOnly(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ActionEnterLong, report.Decision.Action)
	assert.Equal(t, "100", report.Price.String())
	assert.Empty(t, f.gw.Orders())
	assert.Empty(t, f.sched.ListPending())
	assert.False(t, f.tracker.Snapshot().Position.IsOpen())
	assert.Len(t, f.events.OfType(domain.EventAnalysisResult), 1)

	f.oracle.SetError(&domain.TransientNetworkError{Op: "oracle", Err: errors.New("reset")})
	_, err = f.o.AnalyzeOnly(context.Background())
	var transient *domain.TransientNetworkError
	assert.ErrorAs(t, err, &transient)
}

func TestStatusReportsTrackerAndExchange(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.enter(t, 240)

	st := f.o.Status(context.Background())
	assert.True(t, st.Active)
	assert.Equal(t, domain.SideLong, st.Tracker.Position.Side)
	require.NotNil(t, st.Exchange)
	assert.Equal(t, domain.SideLong, st.Exchange.Side)
	require.NotNil(t, st.NextJob)
	assert.Equal(t, domain.JobMonitoring, st.NextJob.Type)
	assert.Equal(t, string(OutcomeEntered), st.LastOutcome)
}

func TestRiskMath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		side       domain.Side
		wantStop   string
		wantTarget string
	}{
		{name: "long", side: domain.SideLong, wantStop: "98.9", wantTarget: "101.9"},
		{name: "short", side: domain.SideShort, wantStop: "101.1", wantTarget: "98.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sl, tp := ExitPercents(enterLong(240), 0.1)
			stop, target := ExitLevels(tt.side, decimal.NewFromInt(100), sl, tp)
			assert.Equal(t, tt.wantStop, stop.String())
			assert.Equal(t, tt.wantTarget, target.String())
		})
	}

	size := OrderSize(decimal.NewFromInt(1000), 0.95, 0.5, 5, decimal.NewFromInt(64000), 4)
	assert.Equal(t, "0.0371", size.String())
	assert.True(t, OrderSize(decimal.Zero, 0.95, 0.5, 5, decimal.NewFromInt(100), 4).IsZero())
}

func TestNormalizeCapsHorizon(t *testing.T) {
	t.Parallel()

	d := DefaultConfig().normalize(domain.Decision{Action: domain.ActionEnterLong, ExpectedMinutes: math.MaxInt})
	assert.Equal(t, domain.MaxExpectedMinutes, d.ExpectedMinutes)
	now := time.Now()
	assert.True(t, now.Add(minutes(d.ExpectedMinutes)).After(now))
}

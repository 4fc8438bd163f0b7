// Package orchestrator drives the trade decision pipeline.
//
// One Orchestrator is built at startup and handed to the scheduler (as the
// job handlers), the HTTP handlers and the websocket hub. Pipelines run only
// on the scheduler's task queue, take an in-process mutex plus an optional
// distributed lock, and never hold the tracker lock across network calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/retry"
	"github.com/alanyoungcy/perpbot/internal/scheduler"
	"github.com/alanyoungcy/perpbot/internal/service"
	"github.com/alanyoungcy/perpbot/internal/tracker"
)

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	OutcomeEntered  Outcome = "ENTER_TRADE"
	OutcomeHold     Outcome = "HOLD"
	OutcomeError    Outcome = "ERROR"
	OutcomeSkipped  Outcome = "SKIPPED"
	OutcomeAdjusted Outcome = "ADJUSTED"
	OutcomeReversed Outcome = "REVERSED"
	OutcomeClosed   Outcome = "CLOSED"
)

// Config holds the trading parameters.
type Config struct {
	Symbol string
	Mode   string

	BalanceUsage   float64
	LeverageAdjust float64
	SizePrecision  int32
	MaxLeverage    int

	DefaultPositionSize    float64
	DefaultLeverage        int
	DefaultStopLossROE     float64
	DefaultTakeProfitROE   float64
	DefaultExpectedMinutes int

	ForceCloseRetry time.Duration
	LockRetry       time.Duration
	LockTTL         time.Duration

	GatewayPolicy retry.Policy
	OraclePolicy  retry.Policy
}

// DefaultConfig returns the stock trading parameters.
func DefaultConfig() Config {
	return Config{
		Symbol:                 "BTCUSDT",
		Mode:                   "trade",
		BalanceUsage:           0.95,
		LeverageAdjust:         0.1,
		SizePrecision:          4,
		MaxLeverage:            20,
		DefaultPositionSize:    0.5,
		DefaultLeverage:        5,
		DefaultStopLossROE:     5,
		DefaultTakeProfitROE:   10,
		DefaultExpectedMinutes: 240,
		ForceCloseRetry:        15 * time.Minute,
		LockRetry:              time.Minute,
		LockTTL:                5 * time.Minute,
		GatewayPolicy:          retry.DefaultPolicy("gateway"),
		OraclePolicy: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
			Timeout:     2 * time.Minute,
			Target:      "oracle",
		},
	}
}

// Collector produces market snapshots.
type Collector interface {
	Collect(ctx context.Context) (domain.MarketSnapshot, error)
}

// Settler detects and settles closures of the tracked position.
type Settler interface {
	Check(ctx context.Context) (*domain.LiquidationEvent, error)
	Settle(ctx context.Context, gen uint64, reason domain.CloseReason, exitPrice decimal.Decimal) (*domain.LiquidationEvent, bool)
}

// PositionWatcher starts a post-entry watch.
type PositionWatcher interface {
	Watch(gen uint64, until time.Time)
}

// Deps are the collaborators of an Orchestrator. Models, History, Audit and
// Locks may be nil.
type Deps struct {
	Tracker    *tracker.Tracker
	Scheduler  *scheduler.Scheduler
	Gateway    domain.Gateway
	Oracle     domain.Oracle
	Models     domain.ModelSelector
	Collector  Collector
	Settings   *service.Settings
	Reconciler Settler
	Watcher    PositionWatcher
	Events     domain.EventPublisher
	History    domain.HistoryStore
	Audit      domain.AuditStore
	Locks      domain.LockManager
}

// Orchestrator is the explicit context object for the trading lifecycle.
type Orchestrator struct {
	tracker    *tracker.Tracker
	sched      *scheduler.Scheduler
	gw         domain.Gateway
	oracle     domain.Oracle
	models     domain.ModelSelector
	collector  Collector
	settings   *service.Settings
	reconciler Settler
	watcher    PositionWatcher
	events     domain.EventPublisher
	history    domain.HistoryStore
	audit      domain.AuditStore
	locks      domain.LockManager

	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	active    atomic.Bool
	startedAt atomic.Int64

	// pipeline is a one-slot semaphore held for a whole pipeline run.
	pipeline chan struct{}

	mu          sync.Mutex
	lastOutcome Outcome
}

// New creates an Orchestrator and registers its job handlers.
func New(d Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		tracker:    d.Tracker,
		sched:      d.Scheduler,
		gw:         d.Gateway,
		oracle:     d.Oracle,
		models:     d.Models,
		collector:  d.Collector,
		settings:   d.Settings,
		reconciler: d.Reconciler,
		watcher:    d.Watcher,
		events:     d.Events,
		history:    d.History,
		audit:      d.Audit,
		locks:      d.Locks,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "orchestrator")),
		pipeline:   make(chan struct{}, 1),
	}
	o.sched.Handle(domain.JobAnalysis, o.handleAnalysis)
	o.sched.Handle(domain.JobMonitoring, o.handleMonitoring)
	o.sched.Handle(domain.JobForceClose, o.handleForceClose)
	return o
}

// Active reports whether trading is running.
func (o *Orchestrator) Active() bool { return o.active.Load() }

// Start begins trading. With a flat book an ANALYSIS job is scheduled
// immediately; with a tracked position its exit jobs are re-armed.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.active.CompareAndSwap(false, true) {
		return domain.ErrAlreadyRunning
	}
	o.startedAt.Store(o.now().Unix())
	o.logger.InfoContext(ctx, "trading started", slog.String("symbol", o.cfg.Symbol))
	o.auditLog(ctx, "trading_started", nil)

	snap := o.tracker.Snapshot()
	if snap.State == domain.StateOpen {
		o.rearm(ctx, snap)
	} else if err := o.scheduleAnalysis(ctx, 0, "start"); err != nil {
		o.active.Store(false)
		return fmt.Errorf("orchestrator: start: %w", err)
	}
	o.publishStatus(ctx)
	return nil
}

// Stop halts trading and cancels every job. Open positions are kept.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.active.CompareAndSwap(true, false) {
		return domain.ErrNotRunning
	}
	n := o.sched.CancelAll(ctx)
	o.logger.InfoContext(ctx, "trading stopped", slog.Int("cancelled_jobs", n))
	o.auditLog(ctx, "trading_stopped", map[string]any{"cancelled_jobs": n})
	o.publishStatus(ctx)
	return nil
}

// Jobs lists pending jobs.
func (o *Orchestrator) Jobs() []domain.ScheduledJob { return o.sched.ListPending() }

// CancelJobs cancels every pending job without stopping trading.
func (o *Orchestrator) CancelJobs(ctx context.Context) int {
	n := o.sched.CancelAll(ctx)
	o.auditLog(ctx, "jobs_cancelled", map[string]any{"count": n})
	o.publishJobs(ctx)
	return n
}

// Status summarises the orchestrator. Exchange reads are best effort.
func (o *Orchestrator) Status(ctx context.Context) domain.TradingStatus {
	st := domain.TradingStatus{
		Active:  o.Active(),
		Mode:    o.cfg.Mode,
		Tracker: o.tracker.Snapshot(),
	}
	if started := o.startedAt.Load(); started > 0 && st.Active {
		st.UptimeSec = o.now().Unix() - started
	}
	if next, ok := o.sched.Next(); ok {
		st.NextJob = &next
	}
	o.mu.Lock()
	st.LastOutcome = string(o.lastOutcome)
	o.mu.Unlock()
	if o.models != nil {
		st.Model = o.models.Model()
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	view := &domain.ExchangeView{Side: domain.SideNone}
	if pos, err := o.gw.GetPosition(rctx); err != nil {
		view.ReadFail = err.Error()
	} else {
		view.Side = pos.Side
		view.Size = pos.Size.String()
		view.PnL = pos.UnrealizedPnL.String()
	}
	if price, err := o.gw.GetPrice(rctx); err == nil {
		view.Price = price.String()
	}
	st.Exchange = view
	return st
}

// ManualClose flattens the exchange position on operator request. It runs
// under the pipeline lock, so it waits for an in-flight pipeline to finish
// and answers domain.ErrLockHeld when another replica holds it. A position
// the tracker holds is flagged before the close and settled as MANUAL.
func (o *Orchestrator) ManualClose(ctx context.Context) error {
	unlock, err := o.lockPipeline(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: manual close: %w", err)
	}
	defer unlock()

	pos, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPosition)
	if err != nil {
		return fmt.Errorf("orchestrator: manual close: read position: %w", err)
	}
	if !pos.IsOpen() {
		return domain.ErrNoPosition
	}
	snap := o.tracker.Snapshot()
	tracked := snap.State == domain.StateOpen && snap.Position.Side == pos.Side &&
		o.tracker.MarkManualClose(snap.Generation) == nil
	if !tracked {
		o.logger.WarnContext(ctx, "manual close of an untracked position",
			slog.String("side", string(pos.Side)),
			slog.String("tracker_state", string(snap.State)),
		)
	}
	if _, err := o.closeRequest(ctx, pos.Side); err != nil {
		return fmt.Errorf("orchestrator: manual close: %w", err)
	}
	o.logger.InfoContext(ctx, "manual close executed", slog.String("side", string(pos.Side)))
	o.auditLog(ctx, "manual_close", map[string]any{"side": string(pos.Side), "size": pos.Size.String(), "tracked": tracked})

	if _, err := o.reconciler.Check(ctx); err != nil {
		o.logger.WarnContext(ctx, "reconcile after manual close failed", slog.String("error", err.Error()))
	}
	if o.Active() && o.tracker.Snapshot().State != domain.StateOpen {
		if _, pending := o.pendingOf(domain.JobAnalysis); !pending {
			if err := o.scheduleAnalysis(ctx, o.settings.Delay(ctx, domain.SettingNormalReanalysis), "manual_close"); err != nil {
				o.logger.ErrorContext(ctx, "schedule analysis after manual close failed", slog.String("error", err.Error()))
			}
		}
	}
	o.publishStatus(ctx)
	return nil
}

// Model returns the active oracle model and the selectable ones.
func (o *Orchestrator) Model() (current string, available []string) {
	if o.models == nil {
		return "", nil
	}
	return o.models.Model(), o.models.Models()
}

// SetModel switches the oracle model.
func (o *Orchestrator) SetModel(ctx context.Context, name string) error {
	if o.models == nil {
		return domain.ErrUnknownModel
	}
	prev := o.models.Model()
	if err := o.models.SetModel(name); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "oracle model switched", slog.String("from", prev), slog.String("to", name))
	o.auditLog(ctx, "model_switched", map[string]any{"from": prev, "to": name})
	return nil
}

// History returns recent trading history.
func (o *Orchestrator) History(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	if o.history == nil {
		return nil, nil
	}
	return o.history.List(ctx, opts)
}

// Settings returns every trading setting.
func (o *Orchestrator) Settings(ctx context.Context) map[domain.SettingKey]int {
	return o.settings.All(ctx)
}

// UpdateSetting changes one trading setting. The new value is read by the
// next delay computation.
func (o *Orchestrator) UpdateSetting(ctx context.Context, key domain.SettingKey, minutes int) error {
	if err := o.settings.Update(ctx, key, minutes); err != nil {
		return err
	}
	o.auditLog(ctx, "setting_updated", map[string]any{"key": string(key), "minutes": minutes})
	return nil
}

// rearm restores the exit jobs of a tracked position after a restart or a
// stop/start cycle.
func (o *Orchestrator) rearm(ctx context.Context, snap domain.TrackerSnapshot) {
	expected := snap.Position.ExpectedCloseTime
	if expected.Before(o.now()) {
		expected = o.now()
	}
	if _, ok := o.pendingOf(domain.JobForceClose); !ok {
		if _, err := o.sched.Replace(ctx, domain.JobForceClose, expected, snap.Generation, map[string]string{"trigger": "rearm"}); err != nil {
			o.logger.ErrorContext(ctx, "rearm force close failed", slog.String("error", err.Error()))
		}
	}
	if _, ok := o.pendingOf(domain.JobMonitoring); !ok {
		o.scheduleMonitoring(ctx, snap.Generation, expected)
	}
	if o.watcher != nil {
		o.watcher.Watch(snap.Generation, expected)
	}
	metrics.PositionOpen.Set(1)
}

func (o *Orchestrator) pendingOf(t domain.JobType) (domain.ScheduledJob, bool) {
	for _, j := range o.sched.ListPending() {
		if j.Type == t && j.Status == domain.JobScheduled {
			return j, true
		}
	}
	return domain.ScheduledJob{}, false
}

// scheduleAnalysis replaces any pending ANALYSIS with one after delay.
func (o *Orchestrator) scheduleAnalysis(ctx context.Context, delay time.Duration, trigger string) error {
	gen := o.tracker.Generation()
	_, err := o.sched.Replace(ctx, domain.JobAnalysis, o.now().Add(delay), gen, map[string]string{"trigger": trigger})
	if errors.Is(err, domain.ErrJobCancelled) {
		o.logger.InfoContext(ctx, "analysis not rescheduled, job was cancelled", slog.String("trigger", trigger))
		return nil
	}
	return err
}

// scheduleMonitoring arms the next MONITORING job when it falls before the
// expected close.
func (o *Orchestrator) scheduleMonitoring(ctx context.Context, gen uint64, expectedClose time.Time) {
	next := o.now().Add(o.settings.Delay(ctx, domain.SettingMonitoringInterval))
	if !next.Before(expectedClose) {
		o.sched.CancelByType(ctx, domain.JobMonitoring)
		return
	}
	if _, err := o.sched.Replace(ctx, domain.JobMonitoring, next, gen, nil); err != nil {
		var stale *domain.StaleJobError
		if errors.As(err, &stale) {
			o.logger.InfoContext(ctx, "monitoring not rescheduled, generation changed")
			return
		}
		if errors.Is(err, domain.ErrJobCancelled) {
			o.logger.InfoContext(ctx, "monitoring not rescheduled, job was cancelled")
			return
		}
		o.logger.ErrorContext(ctx, "schedule monitoring failed", slog.String("error", err.Error()))
	}
}

// lockPipeline serialises pipeline runs in-process and, when configured,
// across replicas. Waiting for the local slot honours ctx.
func (o *Orchestrator) lockPipeline(ctx context.Context) (func(), error) {
	select {
	case o.pipeline <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-o.pipeline }
	if o.locks == nil {
		return release, nil
	}
	unlock, err := o.locks.Acquire(ctx, "perpbot:pipeline:"+o.cfg.Symbol, o.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		release()
		return nil, err
	}
	if err != nil {
		o.logger.WarnContext(ctx, "distributed lock unavailable, continuing with local lock", slog.String("error", err.Error()))
		return release, nil
	}
	return func() {
		unlock()
		release()
	}, nil
}

// lockForJob takes the pipeline lock for a fired job. When another replica
// holds it the job is deferred; false means the job must not run now.
func (o *Orchestrator) lockForJob(ctx context.Context, job domain.ScheduledJob) (func(), bool) {
	unlock, err := o.lockPipeline(ctx)
	if err == nil {
		return unlock, true
	}
	if errors.Is(err, domain.ErrLockHeld) {
		o.logger.InfoContext(ctx, "pipeline lock held elsewhere, deferring job", slog.String("type", string(job.Type)))
		o.deferJob(ctx, job)
	}
	return nil, false
}

// deferJob reschedules job after the lock retry delay when another replica
// holds the pipeline lock.
func (o *Orchestrator) deferJob(ctx context.Context, job domain.ScheduledJob) {
	_, err := o.sched.Replace(ctx, job.Type, o.now().Add(o.cfg.LockRetry), job.Generation, job.Metadata)
	if err != nil {
		o.logger.WarnContext(ctx, "defer job failed", slog.String("type", string(job.Type)), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) setOutcome(out Outcome) {
	metrics.PipelineOutcomes.WithLabelValues(string(out)).Inc()
	o.mu.Lock()
	o.lastOutcome = out
	o.mu.Unlock()
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, data any) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, domain.NewEvent(t, data)); err != nil {
		o.logger.WarnContext(ctx, "publish event failed", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) publishStatus(ctx context.Context) {
	o.publish(ctx, domain.EventTradingStatus, map[string]any{
		"active":  o.Active(),
		"tracker": o.tracker.Snapshot(),
	})
	o.publishJobs(ctx)
}

func (o *Orchestrator) publishJobs(ctx context.Context) {
	o.publish(ctx, domain.EventScheduledJobs, o.sched.ListPending())
}

func (o *Orchestrator) record(ctx context.Context, rec domain.TradeRecord) {
	if o.history == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.now().UTC()
	}
	if err := o.history.Record(ctx, rec); err != nil {
		o.logger.WarnContext(ctx, "record history failed", slog.String("action", string(rec.Action)), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

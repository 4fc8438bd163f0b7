package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/retry"
	"github.com/alanyoungcy/perpbot/internal/tracker"
)

// JobScheduler is the subset of the scheduler used by lifecycle services.
type JobScheduler interface {
	Replace(ctx context.Context, t domain.JobType, runAt time.Time, gen uint64, meta map[string]string) (string, error)
	CancelByType(ctx context.Context, t domain.JobType) int
}

// PositionReader reads the exchange position and mark price.
type PositionReader interface {
	GetPosition(ctx context.Context) (domain.ExchangePosition, error)
	GetPrice(ctx context.Context) (decimal.Decimal, error)
}

// ReconcilerConfig tunes the polling loop.
type ReconcilerConfig struct {
	PollInterval time.Duration
	Jitter       time.Duration
	// LargeMovePct is the absolute price move from entry, in percent, above
	// which an unexplained closure is reported as UNKNOWN_LARGE_MOVE.
	LargeMovePct float64
}

// Reconciler detects that the exchange no longer holds the tracked position
// and settles the closure exactly once per tracker generation.
type Reconciler struct {
	tracker  *tracker.Tracker
	sched    JobScheduler
	reader   PositionReader
	settings *Settings
	events   domain.EventPublisher
	history  domain.HistoryStore
	cfg      ReconcilerConfig
	now      func() time.Time
	logger   *slog.Logger

	primed atomic.Bool

	mu     sync.RWMutex
	active func() bool
}

// NewReconciler creates a Reconciler. history may be nil.
func NewReconciler(
	tr *tracker.Tracker,
	sched JobScheduler,
	reader PositionReader,
	settings *Settings,
	events domain.EventPublisher,
	history domain.HistoryStore,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.LargeMovePct <= 0 {
		cfg.LargeMovePct = 5
	}
	return &Reconciler{
		tracker:  tr,
		sched:    sched,
		reader:   reader,
		settings: settings,
		events:   events,
		history:  history,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "reconciler")),
	}
}

// SetActiveFunc installs the predicate deciding whether a settled closure
// schedules the follow-up analysis. Without one, analysis is always scheduled.
func (r *Reconciler) SetActiveFunc(fn func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = fn
}

// Primed reports whether the first poll has completed.
func (r *Reconciler) Primed() bool { return r.primed.Load() }

// Run polls until ctx is cancelled. Read failures are logged and retried on
// the next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler started",
		slog.Duration("interval", r.cfg.PollInterval),
		slog.Duration("jitter", r.cfg.Jitter),
	)
	for {
		if _, err := r.Check(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "reconcile tick failed", slog.String("error", err.Error()))
		}
		t := time.NewTimer(retry.Jitter(r.cfg.PollInterval, r.cfg.Jitter))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Check performs one reconciliation pass. It returns the settled event when
// this call detected and handled a closure.
func (r *Reconciler) Check(ctx context.Context) (*domain.LiquidationEvent, error) {
	// Snapshot before the exchange read so a concurrent entry bumps the
	// generation and makes ResolveClosure refuse.
	snap := r.tracker.Snapshot()

	pos, err := r.reader.GetPosition(ctx)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		return nil, fmt.Errorf("reconciler: read position: %w", err)
	}
	if !r.primed.Load() {
		r.primed.Store(true)
		r.logger.InfoContext(ctx, "reconciler primed",
			slog.String("tracked_side", string(snap.Position.Side)),
			slog.Bool("exchange_open", pos.IsOpen()),
		)
		return nil, nil
	}
	if snap.State != domain.StateOpen || pos.IsOpen() {
		return nil, nil
	}

	price, err := r.reader.GetPrice(ctx)
	if err != nil {
		metrics.ReconcileErrors.Inc()
		return nil, fmt.Errorf("reconciler: read price: %w", err)
	}

	prior, manual, newGen, ok := r.tracker.ResolveClosure(snap.Generation)
	if !ok {
		return nil, nil
	}
	now := r.now().UTC()
	reason := Classify(prior, manual, price, now, r.cfg.LargeMovePct)
	ev := buildEvent(prior, price, now, reason, newGen)
	r.settle(ctx, ev)
	return &ev, nil
}

// Settle resolves a closure performed by this process itself, such as a
// force close, under generation gen. It returns false when the closure was
// already handled or gen is stale.
func (r *Reconciler) Settle(ctx context.Context, gen uint64, reason domain.CloseReason, exitPrice decimal.Decimal) (*domain.LiquidationEvent, bool) {
	prior, _, newGen, ok := r.tracker.ResolveClosure(gen)
	if !ok {
		return nil, false
	}
	ev := buildEvent(prior, exitPrice, r.now().UTC(), reason, newGen)
	r.settle(ctx, ev)
	return &ev, true
}

func (r *Reconciler) settle(ctx context.Context, ev domain.LiquidationEvent) {
	log := r.logger.With(
		slog.String("side", string(ev.Side)),
		slog.String("reason", string(ev.Reason)),
		slog.Uint64("generation", ev.Generation),
	)
	log.InfoContext(ctx, "position closure detected",
		slog.String("entry_price", ev.EntryPrice.String()),
		slog.String("exit_price", ev.ExitPrice.String()),
	)
	metrics.Liquidations.WithLabelValues(string(ev.Reason), string(ev.Side)).Inc()
	metrics.PositionOpen.Set(0)

	// Cancellation must complete before the follow-up analysis is scheduled.
	r.sched.CancelByType(ctx, domain.JobMonitoring)
	r.sched.CancelByType(ctx, domain.JobForceClose)

	if r.isActive() {
		key := domain.SettingNormalReanalysis
		if ev.Reason == domain.ReasonStopLoss {
			key = domain.SettingStopLossReanalysis
		}
		runAt := r.now().Add(r.settings.Delay(ctx, key))
		_, err := r.sched.Replace(ctx, domain.JobAnalysis, runAt, ev.Generation, map[string]string{
			"trigger": "closure",
			"reason":  string(ev.Reason),
		})
		if err != nil {
			log.ErrorContext(ctx, "schedule analysis after closure failed", slog.String("error", err.Error()))
		}
	} else {
		log.InfoContext(ctx, "trading inactive, no follow-up analysis scheduled")
	}

	if r.events != nil {
		if err := r.events.Publish(ctx, domain.NewEvent(domain.EventLiquidation, ev)); err != nil {
			log.WarnContext(ctx, "publish liquidation event failed", slog.String("error", err.Error()))
		}
	}
	if r.history != nil {
		rec := domain.TradeRecord{
			Timestamp:  ev.CloseTime,
			Action:     domain.RecordClose,
			Side:       ev.Side,
			Leverage:   ev.Leverage,
			EntryPrice: ev.EntryPrice,
			ExitPrice:  ev.ExitPrice,
			ROE:        ev.ROE(),
			Reason:     string(ev.Reason),
			Status:     "closed",
		}
		if err := r.history.Record(ctx, rec); err != nil {
			log.WarnContext(ctx, "record closure history failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Reconciler) isActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active == nil || r.active()
}

func buildEvent(prior domain.Position, exit decimal.Decimal, now time.Time, reason domain.CloseReason, gen uint64) domain.LiquidationEvent {
	return domain.LiquidationEvent{
		CloseTime:  now,
		EntryTime:  prior.EntryTime,
		EntryPrice: prior.EntryPrice,
		ExitPrice:  exit,
		Side:       prior.Side,
		Reason:     reason,
		Leverage:   prior.Leverage,
		Generation: gen,
	}
}

// Classify explains a closure. Precedence: manual flag, stop-loss crossing,
// take-profit crossing, expected close time, large move, unknown.
func Classify(pos domain.Position, manual bool, price decimal.Decimal, now time.Time, largeMovePct float64) domain.CloseReason {
	if manual {
		return domain.ReasonManual
	}
	if price.IsPositive() {
		sl, tp := pos.StopLossPrice, pos.TakeProfitPrice
		switch pos.Side {
		case domain.SideLong:
			if sl.IsPositive() && price.LessThanOrEqual(sl) {
				return domain.ReasonStopLoss
			}
			if tp.IsPositive() && price.GreaterThanOrEqual(tp) {
				return domain.ReasonTakeProfit
			}
		case domain.SideShort:
			if sl.IsPositive() && price.GreaterThanOrEqual(sl) {
				return domain.ReasonStopLoss
			}
			if tp.IsPositive() && price.LessThanOrEqual(tp) {
				return domain.ReasonTakeProfit
			}
		}
	}
	if !pos.ExpectedCloseTime.IsZero() && !now.Before(pos.ExpectedCloseTime) {
		return domain.ReasonExpectedTime
	}
	if price.IsPositive() && pos.EntryPrice.IsPositive() {
		move := price.Sub(pos.EntryPrice).Div(pos.EntryPrice).Abs().Mul(decimal.NewFromInt(100))
		if move.GreaterThan(decimal.NewFromFloat(largeMovePct)) {
			return domain.ReasonUnknownLargeMove
		}
	}
	return domain.ReasonUnknown
}

// Package tracker holds the process's single belief about the open position.
//
// Every mutation happens under one mutex and bumps or checks a generation
// counter. Jobs and loops capture the generation they were started for and
// present it back when they want to act, so work scheduled for a superseded
// position is rejected instead of affecting the new one.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Entry is the input to RecordEntry.
type Entry struct {
	Side              domain.Side
	EntryPrice        decimal.Decimal
	StopLossPrice     decimal.Decimal
	TakeProfitPrice   decimal.Decimal
	ExpectedCloseTime time.Time
	Size              decimal.Decimal
	Leverage          int
}

// Tracker is the mutex-guarded position state.
type Tracker struct {
	mu         sync.Mutex
	pos        domain.Position
	state      domain.TrackerState
	generation uint64
	manual     bool
	updatedAt  time.Time
	seq        uint64

	saveMu   sync.Mutex
	savedSeq uint64

	store  domain.TrackerStateStore
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithStore persists every change to store after the lock is released.
func WithStore(store domain.TrackerStateStore) Option {
	return func(t *Tracker) { t.store = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates an empty tracker.
func New(logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		pos:    domain.Position{Side: domain.SideNone},
		state:  domain.StateFlat,
		now:    time.Now,
		logger: logger.With(slog.String("component", "tracker")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore loads persisted state. A missing record leaves the tracker flat.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	snap, err := t.store.Load(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pos = snap.Position
	if t.pos.Side == "" {
		t.pos.Side = domain.SideNone
	}
	t.state = snap.State
	if t.state == "" || t.state == domain.StateClosing {
		// A close in flight at shutdown is re-verified by the reconciler.
		if t.pos.IsOpen() {
			t.state = domain.StateOpen
		} else {
			t.state = domain.StateFlat
		}
	}
	t.generation = snap.Generation
	t.manual = snap.ManualClose
	t.updatedAt = snap.UpdatedAt
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "tracker restored",
		slog.String("side", string(snap.Position.Side)),
		slog.String("state", string(t.state)),
		slog.Uint64("generation", snap.Generation),
	)
	return nil
}

// RecordEntry records a freshly executed entry and returns the new
// generation. It fails with *domain.AlreadyOpenError while a position is
// tracked.
func (t *Tracker) RecordEntry(e Entry) (uint64, error) {
	t.mu.Lock()
	if t.pos.IsOpen() {
		err := &domain.AlreadyOpenError{Side: t.pos.Side, Generation: t.generation}
		t.mu.Unlock()
		return 0, err
	}
	t.pos = domain.Position{
		Side:              e.Side,
		EntryTime:         t.now().UTC(),
		EntryPrice:        e.EntryPrice,
		StopLossPrice:     e.StopLossPrice,
		TakeProfitPrice:   e.TakeProfitPrice,
		ExpectedCloseTime: e.ExpectedCloseTime.UTC(),
		Size:              e.Size,
		Leverage:          e.Leverage,
	}
	t.state = domain.StateOpen
	t.manual = false
	gen := t.bumpLocked()
	seq, snap := t.changedLocked()
	t.mu.Unlock()

	t.persist(seq, snap)
	return gen, nil
}

// Clear forgets the tracked position. It is idempotent and always bumps the
// generation so that outstanding jobs become stale.
func (t *Tracker) Clear() uint64 {
	t.mu.Lock()
	t.pos = domain.Position{Side: domain.SideNone}
	t.state = domain.StateFlat
	t.manual = false
	gen := t.bumpLocked()
	seq, snap := t.changedLocked()
	t.mu.Unlock()

	t.persist(seq, snap)
	return gen
}

// Snapshot returns an immutable copy of the tracker contents.
func (t *Tracker) Snapshot() domain.TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Generation returns the current generation token.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// UpdateExitLevels moves the stop, target and expected close of the open
// position recorded under gen.
func (t *Tracker) UpdateExitLevels(gen uint64, stopLoss, takeProfit decimal.Decimal, expectedClose time.Time) error {
	t.mu.Lock()
	if gen != t.generation || t.state != domain.StateOpen {
		t.mu.Unlock()
		return domain.ErrStaleState
	}
	t.pos.StopLossPrice = stopLoss
	t.pos.TakeProfitPrice = takeProfit
	t.pos.ExpectedCloseTime = expectedClose.UTC()
	seq, snap := t.changedLocked()
	t.mu.Unlock()

	t.persist(seq, snap)
	return nil
}

// BeginClose marks the position under gen as being closed by this process.
// The reconciler ignores positions in this state.
func (t *Tracker) BeginClose(gen uint64) (domain.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation || t.state != domain.StateOpen {
		return domain.Position{}, domain.ErrStaleState
	}
	t.state = domain.StateClosing
	t.updatedAt = t.now().UTC()
	return t.pos, nil
}

// AbortClose returns a position from closing back to open after a failed close.
func (t *Tracker) AbortClose(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.state != domain.StateClosing {
		t.mu.Unlock()
		return
	}
	t.state = domain.StateOpen
	t.updatedAt = t.now().UTC()
	t.mu.Unlock()
}

// ResolveClosure atomically clears the position recorded under gen and moves
// the tracker to the reconciled state. It returns the prior position, whether
// the manual-close flag was set, and false when gen is no longer current or
// the closure was already handled. Exactly one caller wins per generation.
func (t *Tracker) ResolveClosure(gen uint64) (prior domain.Position, manual bool, newGen uint64, ok bool) {
	t.mu.Lock()
	if gen != t.generation || (t.state != domain.StateOpen && t.state != domain.StateClosing) {
		t.mu.Unlock()
		return domain.Position{}, false, 0, false
	}
	prior = t.pos
	manual = t.manual
	t.pos = domain.Position{Side: domain.SideNone}
	t.state = domain.StateReconciled
	t.manual = false
	newGen = t.bumpLocked()
	seq, snap := t.changedLocked()
	t.mu.Unlock()

	t.persist(seq, snap)
	return prior, manual, newGen, true
}

// MarkManualClose flags the closure of the open position recorded under gen
// as operator initiated. It returns domain.ErrStaleState when gen is not the
// current open position.
func (t *Tracker) MarkManualClose(gen uint64) error {
	t.mu.Lock()
	if gen != t.generation || t.state != domain.StateOpen {
		t.mu.Unlock()
		return domain.ErrStaleState
	}
	t.manual = true
	seq, snap := t.changedLocked()
	t.mu.Unlock()
	t.persist(seq, snap)
	return nil
}

func (t *Tracker) bumpLocked() uint64 {
	t.generation++
	t.updatedAt = t.now().UTC()
	return t.generation
}

func (t *Tracker) changedLocked() (uint64, domain.TrackerSnapshot) {
	t.seq++
	return t.seq, t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() domain.TrackerSnapshot {
	return domain.TrackerSnapshot{
		Position:    t.pos,
		State:       t.state,
		Generation:  t.generation,
		ManualClose: t.manual,
		UpdatedAt:   t.updatedAt,
	}
}

// persist writes snap unless a newer change was already saved.
func (t *Tracker) persist(seq uint64, snap domain.TrackerSnapshot) {
	if t.store == nil {
		return
	}
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if seq <= t.savedSeq {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := t.store.Save(ctx, snap); err != nil {
		t.logger.Warn("persist tracker state failed",
			slog.Uint64("generation", snap.Generation),
			slog.String("error", err.Error()),
		)
		return
	}
	t.savedSeq = seq
}

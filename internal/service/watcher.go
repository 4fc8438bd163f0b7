package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/tracker"
)

// ClosureChecker runs one reconciliation pass.
type ClosureChecker interface {
	Check(ctx context.Context) (*domain.LiquidationEvent, error)
}

type watchRequest struct {
	gen   uint64
	until time.Time
}

// Watcher polls the exchange at a tight interval after an entry so a
// stop-loss or take-profit fill is noticed before the reconciler's next tick.
// A new Watch replaces the previous one.
type Watcher struct {
	tracker  *tracker.Tracker
	reader   PositionReader
	checker  ClosureChecker
	interval time.Duration
	logger   *slog.Logger

	requests chan watchRequest

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a Watcher polling every interval.
func NewWatcher(tr *tracker.Tracker, reader PositionReader, checker ClosureChecker, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		tracker:  tr,
		reader:   reader,
		checker:  checker,
		interval: interval,
		logger:   logger.With(slog.String("component", "sltp_watcher")),
		requests: make(chan watchRequest, 4),
	}
}

// Watch starts watching the position recorded under gen until the expected
// close time or until the generation changes.
func (w *Watcher) Watch(gen uint64, until time.Time) {
	select {
	case w.requests <- watchRequest{gen: gen, until: until}:
	default:
		w.logger.Warn("watch request dropped, queue full", slog.Uint64("generation", gen))
	}
}

// Run serves watch requests until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-w.requests:
			w.stop()
			wctx, cancel := context.WithCancel(ctx)
			w.mu.Lock()
			w.cancel = cancel
			w.mu.Unlock()
			go w.watch(wctx, req)
		}
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *Watcher) watch(ctx context.Context, req watchRequest) {
	log := w.logger.With(slog.Uint64("generation", req.gen))
	log.DebugContext(ctx, "watching position", slog.Time("until", req.until))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if w.tracker.Generation() != req.gen {
			log.DebugContext(ctx, "generation changed, watch finished")
			return
		}
		if !time.Now().Before(req.until) {
			log.DebugContext(ctx, "expected close reached, watch finished")
			return
		}
		pos, err := w.reader.GetPosition(ctx)
		if err != nil {
			log.DebugContext(ctx, "watch read failed", slog.String("error", err.Error()))
			continue
		}
		if pos.IsOpen() {
			continue
		}
		if _, err := w.checker.Check(ctx); err != nil {
			log.WarnContext(ctx, "watch reconcile failed", slog.String("error", err.Error()))
		}
	}
}

// Package pipeline runs the periodic cold-storage archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const archiveLockKey = "archive"

// Archiver moves rows older than the retention window to cold storage on a
// cron schedule.
type Archiver struct {
	blob          domain.Archiver
	locks         domain.LockManager
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates an Archiver. locks may be nil when a single process
// runs the archive.
func NewArchiver(blob domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		locks:         locks,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archive-cron")),
	}
}

// Run archives trading history and the audit log past the retention window.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, time.Hour)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive already running elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipeline: archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	history, err := a.blob.ArchiveHistory(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive history before %v: %w", cutoff, err)
	}
	audit, err := a.blob.ArchiveAudit(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive audit before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("history_archived", history),
		slog.Int64("audit_archived", audit),
	)
	return nil
}

// RunCron runs the archive on a standard 5-field cron schedule (descriptors
// such as @daily are accepted) until ctx ends.
// Failed runs are logged and retried at the next trigger.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next := sched.Next(a.now().UTC())
		if next.IsZero() {
			return fmt.Errorf("pipeline: cron %q never fires", cronExpr)
		}
		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

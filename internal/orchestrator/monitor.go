package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/retry"
)

var errCloseNotConfirmed = errors.New("close not confirmed by exchange")

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

func (o *Orchestrator) handleMonitoring(ctx context.Context, job domain.ScheduledJob) error {
	if !o.Active() {
		return nil
	}
	unlock, ok := o.lockForJob(ctx, job)
	if !ok {
		return nil
	}
	defer unlock()

	out := o.RunMonitoring(ctx, job.Generation)
	o.logger.InfoContext(ctx, "monitoring finished", slog.String("outcome", string(out)), slog.String("job_id", job.ID))
	return nil
}

func (o *Orchestrator) handleForceClose(ctx context.Context, job domain.ScheduledJob) error {
	unlock, ok := o.lockForJob(ctx, job)
	if !ok {
		return nil
	}
	defer unlock()

	out := o.RunForceClose(ctx, job.Generation)
	o.logger.InfoContext(ctx, "force close finished", slog.String("outcome", string(out)), slog.String("job_id", job.ID))
	return nil
}

// RunMonitoring consults the oracle about the position recorded under gen.
// A same-direction verdict refreshes the exit levels, an opposite one
// reverses, CLOSE flattens and HOLD schedules the next check while the
// expected close is still ahead. Callers must hold the pipeline lock.
func (o *Orchestrator) RunMonitoring(ctx context.Context, gen uint64) Outcome {
	out, err := o.monitor(ctx, gen)
	if err != nil {
		out = o.failMonitoring(ctx, gen, err)
	}
	o.setOutcome(out)
	o.publishJobs(ctx)
	return out
}

func (o *Orchestrator) monitor(ctx context.Context, gen uint64) (Outcome, error) {
	snap := o.tracker.Snapshot()
	if snap.Generation != gen || snap.State != domain.StateOpen {
		return OutcomeSkipped, nil
	}

	pos, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPosition)
	if err != nil {
		return OutcomeError, fmt.Errorf("read position: %w", err)
	}
	if !pos.IsOpen() {
		if _, err := o.reconciler.Check(ctx); err != nil {
			o.logger.WarnContext(ctx, "reconcile from monitoring failed", slog.String("error", err.Error()))
		}
		return OutcomeSkipped, nil
	}

	market, err := o.collector.Collect(ctx)
	if err != nil {
		return OutcomeError, fmt.Errorf("collect snapshot: %w", err)
	}
	info := domain.PositionInfo{
		Side:              snap.Position.Side,
		EntryPrice:        snap.Position.EntryPrice,
		EntryTime:         snap.Position.EntryTime,
		StopLossPrice:     snap.Position.StopLossPrice,
		TakeProfitPrice:   snap.Position.TakeProfitPrice,
		ExpectedCloseTime: snap.Position.ExpectedCloseTime,
		UnrealizedPnL:     pos.UnrealizedPnL,
		Leverage:          snap.Position.Leverage,
	}
	market.Position = &info

	verdict, err := retry.Value(ctx, o.cfg.OraclePolicy, func(ctx context.Context) (domain.MonitorVerdict, error) {
		return o.oracle.Monitor(ctx, market, info)
	})
	var invalid *domain.InvalidResponseError
	switch {
	case errors.As(err, &invalid):
		o.logger.WarnContext(ctx, "monitor response unusable, holding", slog.String("reason", invalid.Reason))
		verdict = domain.MonitorVerdict{Decision: domain.Decision{Action: domain.ActionHold, Reason: "unparseable oracle response"}}
	case err != nil:
		return OutcomeError, fmt.Errorf("consult oracle: %w", err)
	}

	metrics.Decisions.WithLabelValues("monitoring", string(verdict.Action)).Inc()
	o.publish(ctx, domain.EventMonitoringResult, map[string]any{
		"verdict":  verdict,
		"position": info,
		"price":    market.Price.String(),
	})

	side := snap.Position.Side
	switch {
	case verdict.Action == domain.ActionClose:
		if err := o.closeOwn(ctx, gen, side, domain.ReasonOracleExit); err != nil {
			return OutcomeError, err
		}
		return OutcomeClosed, nil
	case verdict.Action.Side() == side:
		return o.adjust(ctx, gen, snap.Position, verdict.Decision, market.Price)
	case verdict.Action.Side() == side.Opposite():
		return o.reverse(ctx, gen, side, verdict.Decision, market)
	default:
		o.scheduleMonitoring(ctx, gen, snap.Position.ExpectedCloseTime)
		return OutcomeHold, nil
	}
}

// failMonitoring keeps the position's cadence after a failed check. The
// pending FORCE_CLOSE still bounds the position's life.
func (o *Orchestrator) failMonitoring(ctx context.Context, gen uint64, cause error) Outcome {
	o.logger.ErrorContext(ctx, "monitoring failed", slog.Uint64("generation", gen), slog.String("error", cause.Error()))
	o.publish(ctx, domain.EventError, map[string]any{"stage": "monitoring", "error": cause.Error()})

	snap := o.tracker.Snapshot()
	switch {
	case snap.Generation == gen && snap.State == domain.StateOpen:
		o.scheduleMonitoring(ctx, gen, snap.Position.ExpectedCloseTime)
	case !snap.Position.IsOpen():
		if _, pending := o.pendingOf(domain.JobAnalysis); !pending {
			if err := o.scheduleAnalysis(ctx, o.settings.Delay(ctx, domain.SettingNormalReanalysis), "error"); err != nil {
				o.logger.ErrorContext(ctx, "schedule analysis after monitoring error failed", slog.String("error", err.Error()))
			}
		}
	}
	return OutcomeError
}

// adjust refreshes stop, target and expected close of the open position
// from a same-direction verdict. No new entry is made.
func (o *Orchestrator) adjust(ctx context.Context, gen uint64, pos domain.Position, dec domain.Decision, price decimal.Decimal) (Outcome, error) {
	d := o.cfg.normalize(dec)
	d.Leverage = pos.Leverage
	if d.Leverage <= 0 {
		d.Leverage = o.cfg.DefaultLeverage
	}
	stopPct, takePct := ExitPercents(d, o.cfg.LeverageAdjust)
	stop, take := ExitLevels(pos.Side, price, stopPct, takePct)
	expected := o.now().Add(minutes(d.ExpectedMinutes))

	err := retry.Do(ctx, o.cfg.GatewayPolicy, func(ctx context.Context) error {
		return o.gw.UpdateExitLevels(ctx, pos.Side, stop, take)
	})
	if err != nil {
		return OutcomeError, fmt.Errorf("update exit levels: %w", err)
	}
	if err := o.tracker.UpdateExitLevels(gen, stop, take, expected); err != nil {
		return OutcomeSkipped, nil
	}
	if _, err := o.sched.Replace(ctx, domain.JobForceClose, expected, gen, map[string]string{"side": string(pos.Side), "trigger": "adjust"}); err != nil {
		o.logger.ErrorContext(ctx, "reschedule force close failed", slog.String("error", err.Error()))
	}
	o.scheduleMonitoring(ctx, gen, expected)
	if o.watcher != nil {
		o.watcher.Watch(gen, expected)
	}

	o.logger.InfoContext(ctx, "exit levels adjusted",
		slog.String("side", string(pos.Side)),
		slog.String("stop_loss", stop.String()),
		slog.String("take_profit", take.String()),
		slog.Time("expected_close", expected),
	)
	o.record(ctx, domain.TradeRecord{
		Action:     domain.RecordAdjust,
		Side:       pos.Side,
		Leverage:   pos.Leverage,
		EntryPrice: pos.EntryPrice,
		Reason:     d.Reason,
		Status:     "open",
		Detail:     map[string]any{"stop_loss": stop.String(), "take_profit": take.String()},
	})
	return OutcomeAdjusted, nil
}

// reverse closes the position recorded under gen and enters the opposite
// direction. The new position's jobs carry the new generation only.
func (o *Orchestrator) reverse(ctx context.Context, gen uint64, side domain.Side, dec domain.Decision, market domain.MarketSnapshot) (Outcome, error) {
	if _, err := o.tracker.BeginClose(gen); err != nil {
		return OutcomeSkipped, nil
	}
	if err := o.closeAndVerify(ctx, side); err != nil {
		o.tracker.AbortClose(gen)
		return OutcomeError, err
	}

	o.sched.CancelByType(ctx, domain.JobMonitoring)
	o.sched.CancelByType(ctx, domain.JobForceClose)
	prior, _, _, ok := o.tracker.ResolveClosure(gen)
	if !ok {
		return OutcomeSkipped, nil
	}
	o.record(ctx, domain.TradeRecord{
		Action:     domain.RecordClose,
		Side:       prior.Side,
		Leverage:   prior.Leverage,
		EntryPrice: prior.EntryPrice,
		ExitPrice:  market.Price,
		Reason:     "REVERSAL",
		Status:     "closed",
	})
	o.logger.InfoContext(ctx, "reversing position", slog.String("from", string(side)), slog.String("to", string(side.Opposite())))

	account, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetAccount)
	if err != nil {
		return o.afterFailedReentry(ctx, fmt.Errorf("reentry balance: %w", err))
	}
	market.Account = account
	out, err := o.enter(ctx, dec, market)
	if err != nil {
		return o.afterFailedReentry(ctx, err)
	}
	if out == OutcomeEntered {
		return OutcomeReversed, nil
	}
	return out, nil
}

// afterFailedReentry leaves the flat book with a pending ANALYSIS.
func (o *Orchestrator) afterFailedReentry(ctx context.Context, cause error) (Outcome, error) {
	o.logger.ErrorContext(ctx, "reentry after close failed", slog.String("error", cause.Error()))
	o.publish(ctx, domain.EventError, map[string]any{"stage": "reversal", "error": cause.Error()})
	if err := o.scheduleAnalysis(ctx, o.settings.Delay(ctx, domain.SettingNormalReanalysis), "reversal_failed"); err != nil {
		return OutcomeError, fmt.Errorf("schedule analysis: %w", err)
	}
	return OutcomeError, nil
}

// RunForceClose flattens the position recorded under gen once its expected
// close time is reached. A failed close is retried after ForceCloseRetry.
// Callers must hold the pipeline lock.
func (o *Orchestrator) RunForceClose(ctx context.Context, gen uint64) Outcome {
	snap := o.tracker.Snapshot()
	if snap.Generation != gen || snap.State != domain.StateOpen {
		return OutcomeSkipped
	}

	pos, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPosition)
	if err == nil && !pos.IsOpen() {
		if _, err := o.reconciler.Check(ctx); err != nil {
			o.logger.WarnContext(ctx, "reconcile from force close failed", slog.String("error", err.Error()))
		}
		return OutcomeSkipped
	}
	if err == nil {
		err = o.closeOwn(ctx, gen, snap.Position.Side, domain.ReasonExpectedTime)
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "force close failed, retrying later",
			slog.Duration("retry_in", o.cfg.ForceCloseRetry),
			slog.String("error", err.Error()),
		)
		o.publish(ctx, domain.EventError, map[string]any{"stage": "force_close", "error": err.Error()})
		if _, serr := o.sched.Replace(ctx, domain.JobForceClose, o.now().Add(o.cfg.ForceCloseRetry), gen, map[string]string{"trigger": "retry"}); serr != nil {
			o.logger.ErrorContext(ctx, "reschedule force close failed", slog.String("error", serr.Error()))
		}
		o.setOutcome(OutcomeError)
		return OutcomeError
	}

	o.publish(ctx, domain.EventForceClose, map[string]any{
		"side":       snap.Position.Side,
		"entry_time": snap.Position.EntryTime,
	})
	o.setOutcome(OutcomeClosed)
	o.publishJobs(ctx)
	return OutcomeClosed
}

// closeOwn closes the position recorded under gen and settles it with reason.
func (o *Orchestrator) closeOwn(ctx context.Context, gen uint64, side domain.Side, reason domain.CloseReason) error {
	if _, err := o.tracker.BeginClose(gen); err != nil {
		return fmt.Errorf("begin close: %w", err)
	}
	if err := o.closeAndVerify(ctx, side); err != nil {
		o.tracker.AbortClose(gen)
		return err
	}
	exit, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPrice)
	if err != nil {
		o.logger.WarnContext(ctx, "exit price unavailable", slog.String("error", err.Error()))
		exit = decimal.Zero
	}
	if _, ok := o.reconciler.Settle(ctx, gen, reason, exit); !ok {
		o.logger.InfoContext(ctx, "closure already settled", slog.Uint64("generation", gen))
	}
	return nil
}

// closeAndVerify sends the close and confirms the exchange no longer holds
// the position.
func (o *Orchestrator) closeAndVerify(ctx context.Context, side domain.Side) error {
	before, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPosition)
	if err != nil {
		return fmt.Errorf("read position before close: %w", err)
	}
	if _, err := o.closeRequest(ctx, side); err != nil {
		return err
	}
	after, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPosition)
	if err != nil {
		return fmt.Errorf("verify close: %w", err)
	}
	if after.IsOpen() && after.Side == side && !after.Size.LessThan(before.Size) {
		return fmt.Errorf("close %s: %w", side, errCloseNotConfirmed)
	}
	return nil
}

func (o *Orchestrator) closeRequest(ctx context.Context, side domain.Side) (domain.CloseResult, error) {
	p := o.cfg.GatewayPolicy
	p.Retryable = retry.RateLimitedOnly
	res, err := retry.Value(ctx, p, func(ctx context.Context) (domain.CloseResult, error) {
		return o.gw.ClosePosition(ctx, side)
	})
	if err != nil {
		return res, fmt.Errorf("close position: %w", err)
	}
	if len(res.OrderIDs) == 0 && len(res.Failures) > 0 {
		return res, fmt.Errorf("close position: rejected: %v", res.Failures)
	}
	return res, nil
}

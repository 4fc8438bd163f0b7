package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/retry"
	"github.com/alanyoungcy/perpbot/internal/tracker"
)

func (o *Orchestrator) handleAnalysis(ctx context.Context, job domain.ScheduledJob) error {
	if !o.Active() {
		return nil
	}
	unlock, ok := o.lockForJob(ctx, job)
	if !ok {
		return nil
	}
	defer unlock()

	out := o.RunAnalysis(ctx)
	o.logger.InfoContext(ctx, "analysis finished", slog.String("outcome", string(out)), slog.String("job_id", job.ID))
	return nil
}

// RunAnalysis walks CHECK_EXISTING_POSITION, COLLECT_SNAPSHOT and
// CONSULT_ORACLE and ends in ENTER_TRADE, HOLD or ERROR. Every terminal
// state except ENTER_TRADE leaves an ANALYSIS job pending. Callers must
// hold the pipeline lock.
func (o *Orchestrator) RunAnalysis(ctx context.Context) Outcome {
	out, err := o.analyze(ctx)
	if err != nil {
		out = o.fail(ctx, "analysis", err)
	}
	o.setOutcome(out)
	o.publishJobs(ctx)
	return out
}

func (o *Orchestrator) analyze(ctx context.Context) (Outcome, error) {
	// CHECK_EXISTING_POSITION
	pos, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPosition)
	if err != nil {
		return OutcomeError, fmt.Errorf("check position: %w", err)
	}
	if pos.IsOpen() || o.tracker.Snapshot().Position.IsOpen() {
		o.logger.InfoContext(ctx, "position already open, holding",
			slog.String("exchange_side", string(pos.Side)),
			slog.String("size", pos.Size.String()),
		)
		return o.hold(ctx, "existing_position")
	}

	// COLLECT_SNAPSHOT
	snap, err := o.collector.Collect(ctx)
	if err != nil {
		return OutcomeError, fmt.Errorf("collect snapshot: %w", err)
	}

	// CONSULT_ORACLE
	dec, err := retry.Value(ctx, o.cfg.OraclePolicy, func(ctx context.Context) (domain.Decision, error) {
		return o.oracle.Analyze(ctx, snap)
	})
	var invalid *domain.InvalidResponseError
	switch {
	case errors.As(err, &invalid):
		o.logger.WarnContext(ctx, "oracle response unusable, holding", slog.String("reason", invalid.Reason))
		dec = domain.Decision{Action: domain.ActionHold, Reason: "unparseable oracle response"}
	case err != nil:
		return OutcomeError, fmt.Errorf("consult oracle: %w", err)
	}

	metrics.Decisions.WithLabelValues("analysis", string(dec.Action)).Inc()
	o.publish(ctx, domain.EventAnalysisResult, map[string]any{
		"decision": dec,
		"price":    snap.Price.String(),
	})
	o.record(ctx, domain.TradeRecord{
		Action:       domain.RecordDecision,
		Side:         dec.Action.Side(),
		PositionSize: decimal.NewFromFloat(dec.PositionSize),
		Leverage:     dec.Leverage,
		EntryPrice:   snap.Price,
		Reason:       dec.Reason,
		Status:       string(dec.Action),
		Detail:       map[string]any{"model": dec.Model, "expected_minutes": dec.ExpectedMinutes},
	})

	if dec.Action.Side() == domain.SideNone {
		return o.hold(ctx, "oracle_hold")
	}
	return o.enter(ctx, dec, snap)
}

// AnalyzeOnly runs COLLECT_SNAPSHOT and CONSULT_ORACLE and publishes the
// result without trading or touching the job set.
func (o *Orchestrator) AnalyzeOnly(ctx context.Context) (domain.AnalysisReport, error) {
	snap, err := o.collector.Collect(ctx)
	if err != nil {
		return domain.AnalysisReport{}, fmt.Errorf("orchestrator: analyze only: collect snapshot: %w", err)
	}
	dec, err := retry.Value(ctx, o.cfg.OraclePolicy, func(ctx context.Context) (domain.Decision, error) {
		return o.oracle.Analyze(ctx, snap)
	})
	if err != nil {
		return domain.AnalysisReport{}, fmt.Errorf("orchestrator: analyze only: consult oracle: %w", err)
	}

	report := domain.AnalysisReport{Decision: dec, Price: snap.Price, Model: dec.Model, At: o.now().UTC()}
	if report.Model == "" && o.models != nil {
		report.Model = o.models.Model()
	}
	metrics.Decisions.WithLabelValues("analyze_only", string(dec.Action)).Inc()
	o.publish(ctx, domain.EventAnalysisResult, map[string]any{
		"decision":     dec,
		"price":        snap.Price.String(),
		"analyze_only": true,
	})
	o.logger.InfoContext(ctx, "analysis without trading", slog.String("action", string(dec.Action)))
	return report, nil
}

// hold schedules the next ANALYSIS after the normal delay.
func (o *Orchestrator) hold(ctx context.Context, trigger string) (Outcome, error) {
	delay := o.settings.Delay(ctx, domain.SettingNormalReanalysis)
	if err := o.scheduleAnalysis(ctx, delay, trigger); err != nil {
		return OutcomeError, fmt.Errorf("schedule analysis: %w", err)
	}
	return OutcomeHold, nil
}

// fail handles the ERROR state: log, notify and retry later.
func (o *Orchestrator) fail(ctx context.Context, stage string, cause error) Outcome {
	o.logger.ErrorContext(ctx, "pipeline failed", slog.String("stage", stage), slog.String("error", cause.Error()))
	o.publish(ctx, domain.EventError, map[string]any{"stage": stage, "error": cause.Error()})

	if o.tracker.Snapshot().Position.IsOpen() {
		return OutcomeError
	}
	delay := o.settings.Delay(ctx, domain.SettingNormalReanalysis)
	if err := o.scheduleAnalysis(ctx, delay, "error"); err != nil {
		o.logger.ErrorContext(ctx, "schedule analysis after error failed", slog.String("error", err.Error()))
	}
	return OutcomeError
}

// enter executes an entry decision and arms the position's jobs.
func (o *Orchestrator) enter(ctx context.Context, dec domain.Decision, snap domain.MarketSnapshot) (Outcome, error) {
	d := o.cfg.normalize(dec)
	side := d.Action.Side()

	if cur := o.tracker.Snapshot(); cur.Position.IsOpen() {
		err := &domain.AlreadyOpenError{Side: cur.Position.Side, Generation: cur.Generation}
		o.logger.WarnContext(ctx, "entry skipped", slog.String("reason", err.Error()))
		return o.hold(ctx, "already_open")
	}

	o.sched.CancelByType(ctx, domain.JobForceClose)
	o.sched.CancelByType(ctx, domain.JobMonitoring)

	price, err := retry.Value(ctx, o.cfg.GatewayPolicy, o.gw.GetPrice)
	if err != nil {
		return OutcomeError, fmt.Errorf("entry price: %w", err)
	}
	size := OrderSize(snap.Account.Available, o.cfg.BalanceUsage, d.PositionSize, d.Leverage, price, o.cfg.SizePrecision)
	if !size.IsPositive() {
		return OutcomeError, fmt.Errorf("entry size: %w: available %s", domain.ErrInvalidOrder, snap.Account.Available)
	}
	stopPct, takePct := ExitPercents(d, o.cfg.LeverageAdjust)

	orderPolicy := o.cfg.GatewayPolicy
	orderPolicy.Retryable = retry.RateLimitedOnly
	req := domain.OrderRequest{
		Side:          side,
		Size:          size,
		Leverage:      d.Leverage,
		StopLossPct:   stopPct,
		TakeProfitPct: takePct,
		ClientOrderID: uuid.NewString(),
	}
	res, err := retry.Value(ctx, orderPolicy, func(ctx context.Context) (domain.OrderResult, error) {
		return o.gw.PlaceOrder(ctx, req)
	})
	if err != nil {
		return OutcomeError, fmt.Errorf("place order: %w", err)
	}

	fill := res.Price
	if !fill.IsPositive() {
		fill = price
	}
	stop, take := ExitLevels(side, fill, stopPct, takePct)
	expected := o.now().Add(minutes(d.ExpectedMinutes))

	gen, err := o.tracker.RecordEntry(tracker.Entry{
		Side:              side,
		EntryPrice:        fill,
		StopLossPrice:     stop,
		TakeProfitPrice:   take,
		ExpectedCloseTime: expected,
		Size:              size,
		Leverage:          d.Leverage,
	})
	if err != nil {
		var open *domain.AlreadyOpenError
		if errors.As(err, &open) {
			o.logger.ErrorContext(ctx, "order filled while another position was tracked", slog.String("error", err.Error()))
			return OutcomeHold, nil
		}
		return OutcomeError, fmt.Errorf("record entry: %w", err)
	}

	if _, err := o.sched.Replace(ctx, domain.JobForceClose, expected, gen, map[string]string{"side": string(side)}); err != nil {
		o.logger.ErrorContext(ctx, "schedule force close failed", slog.String("error", err.Error()))
	}
	o.scheduleMonitoring(ctx, gen, expected)
	if o.watcher != nil {
		o.watcher.Watch(gen, expected)
	}
	metrics.PositionOpen.Set(1)

	o.logger.InfoContext(ctx, "position entered",
		slog.String("side", string(side)),
		slog.String("size", size.String()),
		slog.String("price", fill.String()),
		slog.String("stop_loss", stop.String()),
		slog.String("take_profit", take.String()),
		slog.Time("expected_close", expected),
		slog.Uint64("generation", gen),
	)
	o.publish(ctx, domain.EventTradeExecuted, map[string]any{
		"side":           side,
		"size":           size.String(),
		"price":          fill.String(),
		"leverage":       d.Leverage,
		"stop_loss":      stop.String(),
		"take_profit":    take.String(),
		"expected_close": expected,
		"order_id":       res.OrderID,
	})
	o.record(ctx, domain.TradeRecord{
		Action:       domain.RecordEntry,
		Side:         side,
		PositionSize: size,
		Leverage:     d.Leverage,
		EntryPrice:   fill,
		Reason:       d.Reason,
		Status:       "open",
		Detail: map[string]any{
			"order_id":    res.OrderID,
			"stop_loss":   stop.String(),
			"take_profit": take.String(),
		},
	})
	return OutcomeEntered, nil
}

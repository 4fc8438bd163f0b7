package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Controller is the orchestrator surface used by the control API.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) domain.TradingStatus
	Jobs() []domain.ScheduledJob
	CancelJobs(ctx context.Context) int
	ManualClose(ctx context.Context) error
	AnalyzeOnly(ctx context.Context) (domain.AnalysisReport, error)
	History(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error)
	Settings(ctx context.Context) map[domain.SettingKey]int
	UpdateSetting(ctx context.Context, key domain.SettingKey, minutes int) error
	Model() (current string, available []string)
	SetModel(ctx context.Context, name string) error
}

// TradingHandler serves the /api/trading endpoints.
type TradingHandler struct {
	ctl    Controller
	logger *slog.Logger
}

// NewTradingHandler creates a TradingHandler.
func NewTradingHandler(ctl Controller, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{ctl: ctl, logger: logger.With(slog.String("handler", "trading"))}
}

// Status returns the trading status.
// GET /api/trading/status
func (h *TradingHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status(r.Context()))
}

// Start begins trading.
// POST /api/trading/start
func (h *TradingHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Start(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "active": true})
}

// Stop halts trading.
// POST /api/trading/stop
func (h *TradingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.Stop(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "active": false})
}

// Jobs lists pending jobs.
// GET /api/trading/scheduled-jobs
func (h *TradingHandler) Jobs(w http.ResponseWriter, _ *http.Request) {
	jobs := h.ctl.Jobs()
	if jobs == nil {
		jobs = []domain.ScheduledJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// CancelJobs cancels every pending job.
// POST /api/trading/cancel-jobs
func (h *TradingHandler) CancelJobs(w http.ResponseWriter, r *http.Request) {
	n := h.ctl.CancelJobs(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

// Close flattens the open position.
// POST /api/trading/close
func (h *TradingHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.ctl.ManualClose(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "manual close failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed"})
}

// History lists trading history, newest first.
// GET /api/trading/history?limit=&offset=&since=
func (h *TradingHandler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.ctl.History(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records, "count": len(records)})
}

// AnalyzeOnly consults the oracle without trading.
// POST /api/trading/analyze-only
func (h *TradingHandler) AnalyzeOnly(w http.ResponseWriter, r *http.Request) {
	report, err := h.ctl.AnalyzeOnly(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "analyze only failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Package server exposes the control API, the event websocket and the
// Prometheus endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/middleware"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Deps are the collaborators behind the routes. Events, Market, Hub and
// Limiter may be nil.
type Deps struct {
	Controller handler.Controller
	Market     handler.MarketReader
	Symbol     string
	Events     handler.EventLog
	Hub        *ws.Hub
	Checks     map[string]handler.Check
	Limiter    domain.RateLimiter
}

// Server is the HTTP + websocket control surface.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, deps, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, deps Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	health := handler.NewHealthHandler(deps.Checks, logger)
	trading := handler.NewTradingHandler(deps.Controller, logger)
	settings := handler.NewSettingsHandler(deps.Controller)
	models := handler.NewModelHandler(deps.Controller)

	mux.HandleFunc("GET /api/health", health.HealthCheck)

	mux.HandleFunc("GET /api/trading/status", trading.Status)
	mux.HandleFunc("POST /api/trading/start", trading.Start)
	mux.HandleFunc("POST /api/trading/stop", trading.Stop)
	mux.HandleFunc("GET /api/trading/scheduled-jobs", trading.Jobs)
	mux.HandleFunc("POST /api/trading/cancel-jobs", trading.CancelJobs)
	mux.HandleFunc("POST /api/trading/close", trading.Close)
	mux.HandleFunc("GET /api/trading/history", trading.History)
	mux.HandleFunc("POST /api/trading/analyze-only", trading.AnalyzeOnly)

	if deps.Market != nil {
		market := handler.NewMarketHandler(deps.Market, deps.Symbol)
		mux.HandleFunc("GET /api/market/ticker", market.Ticker)
		mux.HandleFunc("GET /api/market/kline", market.Kline)
		mux.HandleFunc("GET /api/account/info", market.Account)
		mux.HandleFunc("GET /api/position/current", market.Position)
	}

	mux.HandleFunc("GET /api/settings", settings.Get)
	mux.HandleFunc("PUT /api/settings", settings.Update)

	mux.HandleFunc("GET /api/ai/model", models.Get)
	mux.HandleFunc("POST /api/ai/model", models.Set)

	if deps.Events != nil {
		mux.HandleFunc("GET /api/events", handler.NewEventsHandler(deps.Events).List)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var h http.Handler = mux
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/server"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
)

// TradeMode runs the lifecycle and starts trading immediately.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.run(ctx, deps, true)
}

// StandbyMode runs the lifecycle and control surface but waits for
// POST /api/trading/start. A position restored from redis is still
// reconciled, since the reconciler tracks it regardless of trading state.
func (a *App) StandbyMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting standby mode")
	return a.run(ctx, deps, false)
}

func (a *App) run(ctx context.Context, deps *Dependencies, autoStart bool) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Queue.Run(ctx) })
	g.Go(func() error { return deps.Reconciler.Run(ctx) })
	g.Go(func() error { return deps.Watcher.Run(ctx) })
	g.Go(func() error { return deps.Events.RunAlerts(ctx) })

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.RunCron(ctx, a.cfg.Archive.Cron) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	if deps.AuditStore != nil {
		if err := deps.AuditStore.Log(ctx, "process_started", map[string]any{
			"host":   hostname(),
			"mode":   a.cfg.Mode,
			"symbol": a.cfg.Exchange.Symbol,
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if autoStart {
		if err := deps.Orchestrator.Start(ctx); err != nil && !errors.Is(err, domain.ErrAlreadyRunning) {
			a.logger.ErrorContext(ctx, "auto start failed", slog.String("error", err.Error()))
		}
	}

	// Pending jobs stay in redis on shutdown so the next process re-arms
	// them; trading is therefore not stopped here.
	return g.Wait()
}

// startHTTPServer adds the control API, websocket hub and the shutdown
// watcher to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Events, deps.Orchestrator, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Deps{
		Controller: deps.Orchestrator,
		Market:     deps.Gateway,
		Symbol:     a.cfg.Exchange.Symbol,
		Events:     deps.Events,
		Hub:        hub,
		Checks:     deps.Checks,
		Limiter:    deps.RateLimiter,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

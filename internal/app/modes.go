package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/oracle"
	"github.com/alanyoungcy/streambet/internal/server"
	"github.com/alanyoungcy/streambet/internal/server/handler"
	"github.com/alanyoungcy/streambet/internal/server/ws"
	"github.com/alanyoungcy/streambet/internal/service"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// OracleMode runs the settlement scheduler only.
func (a *App) OracleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting oracle mode")

	g, ctx := errgroup.WithContext(ctx)
	a.relayCoordinatorEvents(ctx, g, deps)

	engine, err := a.newEngine(deps)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return engine.RunScheduled(ctx, a.cfg.Oracle.Schedule)
	})
	return g.Wait()
}

// ServerMode serves the HTTP API. Settlement only runs on demand through
// POST /v1/oracle/run, and only when a metric source is configured.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.relayCoordinatorEvents(ctx, g, deps)

	var engine *oracle.Engine
	if deps.MetricSource != nil {
		var err error
		if engine, err = a.newEngine(deps); err != nil {
			return err
		}
	}
	a.startHTTPServer(ctx, g, deps, engine)
	return g.Wait()
}

// FullMode runs the scheduler and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.relayCoordinatorEvents(ctx, g, deps)

	var engine *oracle.Engine
	if a.cfg.NeedsOracle() || deps.MetricSource != nil {
		var err error
		if engine, err = a.newEngine(deps); err != nil {
			return err
		}
	}
	if a.cfg.NeedsOracle() {
		g.Go(func() error {
			return engine.RunScheduled(ctx, a.cfg.Oracle.Schedule)
		})
	}
	if a.cfg.NeedsServer() {
		a.startHTTPServer(ctx, g, deps, engine)
	}
	return g.Wait()
}

func (a *App) newEngine(deps *Dependencies) (*oracle.Engine, error) {
	if deps.MetricSource == nil {
		return nil, errors.New("app: oracle needs metrics.base_url")
	}
	return oracle.NewEngine(deps.MarketStore, deps.MetricSource, deps.Sessions, oracle.Options{
		Lock:     deps.LockManager,
		LockKey:  a.cfg.Oracle.LockKey,
		LockTTL:  a.cfg.Oracle.LockTTL.Duration,
		Archive:  deps.Archive,
		Cache:    deps.MarketCache,
		Bus:      deps.SignalBus,
		Audit:    deps.AuditStore,
		Notifier: deps.Notifier,
		Recorder: deps.Collector,
	}, a.logger), nil
}

// relayCoordinatorEvents republishes connection, auth and session events on
// the signal bus so other processes and WebSocket clients can follow them.
func (a *App) relayCoordinatorEvents(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	events, cancel := deps.ClearNode.Events.Subscribe(64)
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := deps.SignalBus.Publish(ctx, domain.ChannelClearNode, payload); err != nil && ctx.Err() == nil {
					a.logger.WarnContext(ctx, "coordinator event relay failed",
						slog.String("kind", string(ev.Kind)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
}

// startHTTPServer registers the API and runs it until ctx is cancelled.
// engine may be nil, which disables the settlement routes.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *oracle.Engine) {
	markets := service.NewMarketService(service.MarketDeps{
		Markets:  deps.MarketStore,
		Sessions: deps.Sessions,
		Identity: deps.ClearNode,
		Cache:    deps.MarketCache,
		Bus:      deps.SignalBus,
		Limiter:  deps.RateLimiter,
		Recorder: deps.Collector,
	}, service.BetLimit{
		Max:    a.cfg.Market.BetLimit,
		Window: a.cfg.Market.BetWindow.Duration,
	}, a.logger)

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Markets:  handler.NewMarketHandler(markets, deps.MarketStore, a.logger),
		Sessions: handler.NewSessionHandler(deps.Sessions, a.logger),
	}
	if engine != nil {
		handlers.Oracle = handler.NewOracleHandler(engine, deps.AuditStore, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, deps.SignalBus, ws.Config{
		ReplayCount:    a.cfg.Server.ReplayCount,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, server.Extras{
		Hub:        hub,
		Metrics:    deps.Collector.Handler(),
		Instrument: deps.Collector.InstrumentHandler,
		Limiter:    deps.RateLimiter,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Package server is the HTTP + WebSocket API for markets, bets, sessions and
// settlement.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/alanyoungcy/streambet/internal/server/handler"
	"github.com/alanyoungcy/streambet/internal/server/middleware"
	"github.com/alanyoungcy/streambet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // guards operator routes; empty disables the check
	RateLimit   int    // requests per RateWindow per client IP; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Markets  *handler.MarketHandler
	Sessions *handler.SessionHandler
	Oracle   *handler.OracleHandler
}

// Extras are optional collaborators. Any field may be nil.
type Extras struct {
	Hub        *ws.Hub
	Metrics    http.Handler
	Instrument func(http.Handler) http.Handler
	Limiter    domain.RateLimiter
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered and the middleware
// chain applied.
func NewServer(cfg Config, handlers Handlers, extras Extras, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           Routes(cfg, handlers, extras, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Routes builds the full handler tree.
func Routes(cfg Config, handlers Handlers, extras Extras, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	operator := middleware.RequireKey(cfg.APIKey)
	limited := middleware.RateLimit(extras.Limiter, cfg.RateLimit, cfg.RateWindow)

	mux.HandleFunc("GET /healthz", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /v1/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /v1/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /v1/markets/{id}/resolution", handlers.Markets.GetResolution)
	mux.Handle("POST /v1/markets", operator(http.HandlerFunc(handlers.Markets.CreateMarket)))
	mux.Handle("POST /v1/markets/{id}/bets", limited(http.HandlerFunc(handlers.Markets.PlaceBet)))

	mux.HandleFunc("GET /v1/sessions/{id}", handlers.Sessions.GetSession)

	if handlers.Oracle != nil {
		mux.Handle("POST /v1/oracle/run", operator(http.HandlerFunc(handlers.Oracle.RunCycle)))
		mux.Handle("GET /v1/audit", operator(http.HandlerFunc(handlers.Oracle.ListAudit)))
	}
	if extras.Metrics != nil {
		mux.Handle("GET /metrics", extras.Metrics)
	}
	if extras.Hub != nil {
		mux.HandleFunc("GET /ws", extras.Hub.HandleWS)
	}

	var h http.Handler = mux
	if extras.Instrument != nil {
		h = extras.Instrument(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Package server exposes the relayer's HTTP API, Prometheus metrics and the
// websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/swaprelay/internal/domain"
	"github.com/alanyoungcy/swaprelay/internal/server/handler"
	"github.com/alanyoungcy/swaprelay/internal/server/middleware"
	"github.com/alanyoungcy/swaprelay/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per minute per client, 0 disables
}

// Handlers are the route handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Swaps  *handler.SwapHandler
}

// Server is the HTTP and websocket front end.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route. Health, metrics and the websocket are
// open; the API sits behind auth and the rate limiter.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/orders", h.Swaps.CreateOrder)
	api.HandleFunc("GET /api/orders", h.Swaps.ListOrders)
	api.HandleFunc("GET /api/orders/{id}", h.Swaps.GetOrder)
	api.HandleFunc("POST /api/orders/{id}/cancel", h.Swaps.CancelOrder)
	api.HandleFunc("POST /api/orders/{id}/auction", h.Swaps.StartAuction)
	api.HandleFunc("POST /api/orders/{id}/auction/resolve", h.Swaps.ResolveAuction)
	api.HandleFunc("POST /api/orders/{id}/bids", h.Swaps.SubmitBid)
	api.HandleFunc("GET /api/orders/{id}/bids/best", h.Swaps.BestBid)
	api.HandleFunc("POST /api/orders/{id}/fills", h.Swaps.AcceptFill)
	api.HandleFunc("POST /api/orders/{id}/fills/{seq}/destination", h.Swaps.ConfirmDestination)
	api.HandleFunc("POST /api/orders/{id}/secret", h.Swaps.RevealSecret)
	api.HandleFunc("POST /api/legs/{id}/refund", h.Swaps.RefundLeg)

	var protected http.Handler = api
	protected = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(protected)
	protected = middleware.Auth(cfg.APIKey)(protected)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}
	mux.Handle("/api/", protected)

	var root http.Handler = mux
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

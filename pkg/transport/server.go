// Package transport exposes progress over HTTP: a websocket endpoint for
// live updates and a REST API for reads and remote producers.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/pkg/hub"
	"github.com/sosalejandro/progress-tracker/pkg/progress"
	"github.com/sosalejandro/progress-tracker/pkg/subscription"
)

// Deps groups everything the server routes to.
type Deps struct {
	Tracker *progress.Tracker
	Hub     *hub.Hub
	Manager *subscription.Manager
	// Tokens enables JWT identity; nil trusts X-User-ID.
	Tokens *JWTService
	// APIKey guards the producer routes when set.
	APIKey string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Ready backs /readyz; nil is always ready.
	Ready          func(ctx context.Context) error
	RequestTimeout time.Duration
	WebSocket      WebSocketOptions
	Logger         *zap.Logger
}

// Server wires the chi router.
type Server struct {
	router chi.Router
	ready  func(ctx context.Context) error
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{ready: deps.Ready, logger: logger}

	api := NewHTTPHandler(deps.Tracker, logger)
	ws := NewWebSocketHandler(deps.Hub, deps.Manager, logger, deps.WebSocket)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.With(identityMiddleware(deps.Tokens)).Get("/ws", ws.ServeWebSocket)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(deps.RequestTimeout))

		r.Group(func(r chi.Router) {
			r.Use(identityMiddleware(deps.Tokens))
			r.Get("/progress/{type}/{resourceId}", api.GetCurrent)
			r.Get("/me/progress", api.ListMine)
		})

		r.Group(func(r chi.Router) {
			if deps.APIKey != "" {
				r.Use(apiKeyMiddleware(deps.APIKey))
			}
			r.Post("/progress", api.Create)
			r.Route("/progress/{progressId}", func(r chi.Router) {
				r.Patch("/", api.Update)
				r.Delete("/", api.Purge)
				r.Post("/complete", api.Complete)
				r.Post("/fail", api.Fail)
				r.Post("/heartbeat", api.Heartbeat)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

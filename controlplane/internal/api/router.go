package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/auth"
	"github.com/agentforge/orchestrator/controlplane/internal/dispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/eventdispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in main.go after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Store           store.Store
	Dispatcher      *dispatcher.Dispatcher
	EventDispatcher *eventdispatcher.Dispatcher
	JWTManager      *auth.JWTManager
	Logger          *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. All caller
// routes are registered under /v1; /healthz and /metrics sit outside
// authentication for load balancer and scrape access.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Unauthenticated routes ---
	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	runsHandler := NewRunsHandler(cfg.Store, cfg.Dispatcher, cfg.EventDispatcher, cfg.Logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTManager))

		r.Post("/runs", runsHandler.Create)
		r.Get("/runs/{runId}", runsHandler.Get)
		r.Post("/runs/{runId}/cancel", runsHandler.Cancel)
		r.Get("/runs/{runId}/events", runsHandler.StreamEvents)
		r.Get("/events", runsHandler.StreamEvents)
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

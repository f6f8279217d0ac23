package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/consistency/internal/api/middleware"
	"github.com/phrazzld/consistency/internal/election"
)

// Handlers groups everything the router serves. Orders and Metrics may be nil.
type Handlers struct {
	Leader  *LeaderHandler
	Health  *HealthHandler
	Orders  *OrderHandler
	Metrics http.Handler
}

// NewRouter builds the node's HTTP routes.
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.TraceMiddleware)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.Health.Health)
	r.Post(election.HeartbeatPath, h.Leader.Heartbeat)
	r.Get(election.AssignmentPath, h.Leader.Assignment)

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	if h.Orders != nil {
		r.Route("/api", func(r chi.Router) {
			r.Post("/orders/messages", h.Orders.SendMessage)
		})
	}
	return r
}

package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawger/backend/internal/middleware"
	"github.com/clawger/backend/internal/monitoring"
)

// NewRouter assembles the full HTTP surface: handlers plus the middleware
// chain (metrics → auth → rate limit) and the operational endpoints.
func NewRouter(h *Handler, metrics *monitoring.Metrics, auth *middleware.APIKeyAuth, limiter *middleware.RateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics(metrics))
	if auth != nil {
		r.Use(auth.Middleware)
	}
	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	h.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

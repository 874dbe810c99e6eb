// Package httpapi exposes the gateway's operational HTTP surface:
// Prometheus metrics and a liveness/readiness check. It carries no mail
// traffic itself.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xmit-sh/mailgateway/internal/logging"
	"github.com/xmit-sh/mailgateway/internal/resilience"
)

// BreakerSource reports the current state of every upstream-host
// circuit breaker, for the /breakers debug endpoint.
type BreakerSource interface {
	BreakerSnapshots() map[string]resilience.BreakerSnapshot
}

// Router builds the operational HTTP mux served on Config.MetricsListen.
func NewRouter(log *logging.Logger, breakers BreakerSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz())
	r.Get("/breakers", handleBreakers(breakers))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// handleBreakers reports each upstream host's circuit breaker state, for
// operators diagnosing a degraded upstream without grepping logs.
func handleBreakers(breakers BreakerSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if breakers == nil {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]resilience.BreakerSnapshot{})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(breakers.BreakerSnapshots())
	}
}

package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus is the monitor surface the health endpoint reads.
type HealthStatus interface {
	IsHealthy() bool
	SecondsSinceLastPoll() float64
	UptimeSeconds() float64
}

// HealthResponse is the liveness payload served on /health.
type HealthResponse struct {
	Status               string  `json:"status"`
	Worker               string  `json:"worker"`
	SecondsSinceLastPoll float64 `json:"seconds_since_last_poll"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

// NewHandler returns the HTTP handler the worker's sidecar listener serves:
// a liveness check on /health and the Prometheus exposition on /metrics.
func NewHandler(worker string, monitor HealthStatus, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler(worker, monitor))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func healthHandler(worker string, monitor HealthStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response := HealthResponse{
			Status:               "ok",
			Worker:               worker,
			SecondsSinceLastPoll: monitor.SecondsSinceLastPoll(),
			UptimeSeconds:        monitor.UptimeSeconds(),
		}
		status := http.StatusOK
		if !monitor.IsHealthy() {
			response.Status = "stuck"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf(`{"level":"error","msg":"failed to encode response","err":"%v"}`, err)
	}
}

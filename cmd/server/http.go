package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const readyTimeout = 2 * time.Second

// readyCheck reports whether a dependency can serve requests
type readyCheck struct {
	name  string
	check func(ctx context.Context) error
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// newHTTPHandler serves the liveness and readiness checks and the Prometheus metrics
func newHTTPHandler(service string, checks ...readyCheck) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: service})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		for _, c := range checks {
			if err := c.check(ctx); err != nil {
				log.Warn().Err(err).Str("dependency", c.name).Msg("Readiness check failed")
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{
					Status:  "not ready",
					Service: service,
					Error:   c.name + ": " + err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Service: service})
	})

	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

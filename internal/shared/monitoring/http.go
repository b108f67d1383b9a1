package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports component state for the /health endpoint
type HealthFunc func() map[string]any

// HandleMetrics serves the Prometheus registry
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewHTTPServer builds the side-band HTTP server every binary exposes on
// METRICS_ADDR: /metrics for Prometheus and /health for probes.
func NewHTTPServer(addr string, health HealthFunc) *http.Server {
	started := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", HandleMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":         "healthy",
			"timestamp":      time.Now().Unix(),
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"goroutines":     runtime.NumGoroutine(),
		}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

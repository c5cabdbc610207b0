package observability

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the JSON snapshot.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func PrometheusHandler(metrics *Metrics) http.Handler {
	return promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{Registry: metrics.Registry()})
}

// NewMux mounts /metrics, /stats and any extra routes such as the websocket feed.
func NewMux(metrics *Metrics, extra map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", PrometheusHandler(metrics))
	mux.Handle("/stats", Handler(metrics))
	for pattern, h := range extra {
		mux.Handle(pattern, h)
	}
	return mux
}

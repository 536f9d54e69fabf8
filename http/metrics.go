package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shieldpay/x402/metrics"
)

// MetricsResponse is the body of the metrics endpoint
type MetricsResponse struct {
	Metrics     map[string]uint64 `json:"metrics"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// MetricsHandler serves a recorder snapshot as JSON. Read-only: GET and HEAD only.
func MetricsHandler(r *metrics.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method_not_allowed"})
			return
		}
		writeJSON(w, http.StatusOK, MetricsResponse{
			Metrics:     r.Snapshot(),
			GeneratedAt: time.Now().UTC().Truncate(time.Millisecond),
		})
	})
}

// PrometheusHandler serves the Prometheus exposition of reg
func PrometheusHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteResponse writes response instructions to a standard library response writer
func WriteResponse(w http.ResponseWriter, r *HTTPResponseInstructions) {
	for k, v := range r.Headers {
		w.Header().Set(k, v)
	}
	if r.IsHTML {
		html, _ := r.Body.(string)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(r.Status)
		w.Write([]byte(html))
		return
	}
	writeJSON(w, r.Status, r.Body)
}

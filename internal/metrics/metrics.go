// Package metrics provides Prometheus instrumentation for the asset engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconciliationsTotal counts remaining-quantity/weight computations,
	// partitioned by material type.
	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sooq_reconciliations_total",
		Help: "Total lot reconciliation computations",
	}, []string{"material"})

	// ContributionsTotal counts committed contributions by type.
	ContributionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sooq_contributions_total",
		Help: "Total contributions committed",
	}, []string{"type"})

	// ContributionRejections counts rejected contribution batches by reason.
	ContributionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sooq_contribution_rejections_total",
		Help: "Contribution batches rejected by the validator",
	}, []string{"reason"})

	// SalesTotal counts committed sale reservations.
	SalesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sooq_sales_total",
		Help: "Total sale reservations committed",
	})

	// UnitsMinted counts serialized units created.
	UnitsMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sooq_units_minted_total",
		Help: "Total serialized units minted",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sooq_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sooq_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sooq_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Package telemetry wires Prometheus metrics for HTTP traffic and the
// domain-level counters (evaluation reasons, cache effectiveness, dropped
// recorder events).
package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// EvaluationsTotal counts evaluations by final reason.
	EvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flag_evaluations_total",
		Help: "Flag evaluations by reason",
	}, []string{"reason"})

	// CacheHits and CacheMisses track evaluation cache effectiveness.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evaluation_cache_hits_total",
		Help: "Evaluation cache hits",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evaluation_cache_misses_total",
		Help: "Evaluation cache misses",
	})

	// CacheEntries is the current evaluation cache size.
	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "evaluation_cache_entries",
		Help: "Entries currently held by the evaluation cache",
	})
)

// Init registers all collectors with the default registry.
func Init() {
	prometheus.MustRegister(httpReqs, httpDur, EvaluationsTotal,
		CacheHits, CacheMisses, CacheEntries)
}

// RegisterDropCounter exposes a recorder's dropped-event count as a counter
// backed by the recorder's own atomic, registered once the recorder exists.
func RegisterDropCounter(name, help string, value func() uint64) {
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, func() float64 {
		return float64(value())
	}))
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// The pattern is only known once the router has matched the request.
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

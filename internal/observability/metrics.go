// Package observability exposes Prometheus metrics for the trust
// service: HTTP traffic plus the decision and sync counters operators
// alert on.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisionsTotal  *prometheus.CounterVec
	syncTotal       *prometheus.CounterVec
	shadowServed    *prometheus.CounterVec
	keysetRefreshes *prometheus.CounterVec
}

// NewMetrics initialises the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trust_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_access_decisions_total",
		Help: "Access decisions by outcome.",
	}, []string{"outcome"})
	syncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_peer_syncs_total",
		Help: "Peer state exchanges by peer and result.",
	}, []string{"peer", "result"})
	shadows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_shadow_views_total",
		Help: "Shadow views served, split by freshness.",
	}, []string{"freshness"})
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust_keyset_refreshes_total",
		Help: "Signing key set refreshes by result.",
	}, []string{"result"})
	registry.MustRegister(requests, duration, decisions, syncs, shadows, refreshes)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisionsTotal:  decisions,
		syncTotal:       syncs,
		shadowServed:    shadows,
		keysetRefreshes: refreshes,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Decision counts one access decision by outcome string.
func (m *Metrics) Decision(outcome string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcome).Inc()
}

// PeerSync counts one peer exchange attempt.
func (m *Metrics) PeerSync(peer string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.syncTotal.WithLabelValues(peer, result).Inc()
}

// ShadowView counts one served shadow view. freshness is "fresh",
// "refreshed" or "stale".
func (m *Metrics) ShadowView(freshness string) {
	if m == nil {
		return
	}
	m.shadowServed.WithLabelValues(freshness).Inc()
}

// KeysetRefresh counts one key set refresh attempt.
func (m *Metrics) KeysetRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.keysetRefreshes.WithLabelValues(result).Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

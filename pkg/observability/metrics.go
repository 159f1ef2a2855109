package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the membership engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	PermissionChecksTotal  *prometheus.CounterVec
	PermissionCheckLatency *prometheus.HistogramVec

	// Membership metrics
	MemberMutationsTotal  *prometheus.CounterVec
	OwnerInvariantDenials prometheus.Counter

	// Request state machine metrics
	RequestActionsTotal  *prometheus.CounterVec
	RequestsExpiredTotal prometheus.Counter

	// Deletion lifecycle metrics
	LifecycleTransitionsTotal *prometheus.CounterVec

	// Identity cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal prometheus.Counter

	// Search index metrics
	IndexOperationsTotal *prometheus.CounterVec
	IndexRefreshDuration prometheus.Histogram

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commons_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"action", "result"},
		),
		PermissionCheckLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "commons_permission_check_duration_seconds",
				Help:    "Permission check duration in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1},
			},
			[]string{"action"},
		),

		MemberMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_member_mutations_total",
				Help: "Total number of membership mutations",
			},
			[]string{"operation", "status"},
		),
		OwnerInvariantDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commons_owner_invariant_denials_total",
				Help: "Mutations rejected because they would leave a community without an owner",
			},
		),

		RequestActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_request_actions_total",
				Help: "Total number of request state machine actions",
			},
			[]string{"request_type", "action", "status"},
		),
		RequestsExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commons_requests_expired_total",
				Help: "Requests closed by the expiry sweeper",
			},
		),

		LifecycleTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_lifecycle_transitions_total",
				Help: "Community deletion lifecycle transitions",
			},
			[]string{"action", "status"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_cache_hits_total",
				Help: "Identity cache hits",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_cache_misses_total",
				Help: "Identity cache misses",
			},
			[]string{"tier"},
		),
		CacheInvalidationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "commons_cache_invalidations_total",
				Help: "Identity cache invalidations",
			},
		),

		IndexOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commons_index_operations_total",
				Help: "Member index operations",
			},
			[]string{"operation", "status"},
		),
		IndexRefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "commons_index_refresh_duration_seconds",
				Help:    "Member index refresh duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "commons_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "commons_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCheckLatency,
		m.MemberMutationsTotal,
		m.OwnerInvariantDenials,
		m.RequestActionsTotal,
		m.RequestsExpiredTotal,
		m.LifecycleTransitionsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.IndexOperationsTotal,
		m.IndexRefreshDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Audit store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Change capture metrics
	AuditEntriesTotal          *prometheus.CounterVec
	AuditWriteFailuresTotal    *prometheus.CounterVec
	LateRoleNotificationsTotal prometheus.Counter

	// Suspension metrics
	LockTransitionsTotal *prometheus.CounterVec
	AuthRejectionsTotal  *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Business metrics
	LockedAccounts      prometheus.Gauge
	HistoryEntriesTotal prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_store_operations_total",
				Help: "Total number of audit store operations",
			},
			[]string{"operation", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_store_operation_duration_seconds",
				Help:    "Audit store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_entries_total",
				Help: "Total number of change log entries written",
			},
			[]string{"change_type"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_audit_write_failures_total",
				Help: "Total number of change log writes that failed and were dropped",
			},
			[]string{"change_type"},
		),
		LateRoleNotificationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_audit_late_role_notifications_total",
				Help: "Role assignment notifications received after the request was finalized",
			},
		),

		LockTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_lock_transitions_total",
				Help: "Total number of lock and unlock transitions",
			},
			[]string{"transition"},
		),
		AuthRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_auth_rejections_total",
				Help: "Authentication attempts rejected because the account is locked",
			},
			[]string{"method"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		LockedAccounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_locked_accounts",
				Help: "Number of accounts currently locked",
			},
		),
		HistoryEntriesTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_history_entries",
				Help: "Number of rows in the change log",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.AuditEntriesTotal,
		m.AuditWriteFailuresTotal,
		m.LateRoleNotificationsTotal,
		m.LockTransitionsTotal,
		m.AuthRejectionsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.LockedAccounts,
		m.HistoryEntriesTotal,
	)

	return m
}

// RecordStoreOperation records an audit store call
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAuditEntry counts a written (or dropped) change log entry
func (m *Metrics) RecordAuditEntry(changeType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AuditWriteFailuresTotal.WithLabelValues(changeType).Inc()
		return
	}
	m.AuditEntriesTotal.WithLabelValues(changeType).Inc()
}

// RecordLateRoleNotification counts a role notification that arrived after finalize
func (m *Metrics) RecordLateRoleNotification() {
	if m == nil {
		return
	}
	m.LateRoleNotificationsTotal.Inc()
}

// RecordLockTransition counts lock/unlock transitions that changed state
func (m *Metrics) RecordLockTransition(transition string) {
	if m == nil {
		return
	}
	m.LockTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordAuthRejection counts an authentication attempt refused for a locked account
func (m *Metrics) RecordAuthRejection(method string) {
	if m == nil {
		return
	}
	m.AuthRejectionsTotal.WithLabelValues(method).Inc()
}

// RecordCacheLookup counts a cache hit or miss
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cache).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// HTTPMiddleware records request count and latency labelled by the mux route
// template, keeping label cardinality bounded.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler for the registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

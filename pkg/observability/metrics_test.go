package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	m.RecordAuditEntry("update", nil)
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAuditEntry("update", nil)
	m.RecordAuditEntry("update", nil)
	m.RecordAuditEntry("lock", errors.New("db down"))
	m.RecordStoreOperation("append", 5*time.Millisecond, nil)
	m.RecordStoreOperation("append", time.Millisecond, errors.New("x"))
	m.RecordLockTransition("lock")
	m.RecordAuthRejection("password")
	m.RecordCacheLookup("actors", true)
	m.RecordCacheLookup("actors", false)
	m.RecordLateRoleNotification()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.AuditEntriesTotal.WithLabelValues("update")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditWriteFailuresTotal.WithLabelValues("lock")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("append", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("append", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LockTransitionsTotal.WithLabelValues("lock")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthRejectionsTotal.WithLabelValues("password")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("actors")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("actors")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LateRoleNotificationsTotal))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAuditEntry("update", nil)
		m.RecordStoreOperation("query", time.Second, nil)
		m.RecordLockTransition("unlock")
		m.RecordAuthRejection("session")
		m.RecordCacheLookup("actors", true)
		m.RecordLateRoleNotification()
	})
}

func TestMetrics_HTTPMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(m.HTTPMiddleware)
	router.HandleFunc("/users/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods("GET")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/users/9/history", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/users/{id}/history", "418")))
}

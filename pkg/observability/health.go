package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// readinessTimeout bounds one readiness probe across all dependencies
const readinessTimeout = 5 * time.Second

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// errPoolExhausted marks a database that answers but has no idle connections
var errPoolExhausted = errors.New("connection pool exhausted")

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

type dependency struct {
	name     string
	required bool
	check    CheckFunc
}

// HealthChecker reports liveness and readiness. A failing required dependency
// makes the service unhealthy; an optional one only degrades it.
type HealthChecker struct {
	version string

	mu   sync.RWMutex
	deps []dependency
}

// NewHealthChecker creates a health checker with no dependencies
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version}
}

// Register adds a named dependency check
func (h *HealthChecker) Register(name string, required bool, check CheckFunc) *HealthChecker {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps = append(h.deps, dependency{name: name, required: required, check: check})
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Required  bool      `json:"required"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Liveness always returns 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
	})
}

// Readiness checks every dependency and returns 503 when the service cannot serve
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

// Check runs every registered dependency check concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	deps := append([]dependency(nil), h.deps...)
	h.mu.RUnlock()

	results := make([]DependencyStatus, len(deps))
	var wg sync.WaitGroup
	for i, d := range deps {
		wg.Add(1)
		go func(i int, d dependency) {
			defer wg.Done()
			results[i] = probe(ctx, d)
		}(i, d)
	}
	wg.Wait()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(deps)),
	}
	for i, d := range deps {
		res := results[i]
		status.Dependencies[d.name] = res
		status.Status = worst(status.Status, effective(res.Status, d.required))
	}
	return status
}

func probe(ctx context.Context, d dependency) DependencyStatus {
	start := time.Now()
	err := d.check(ctx)
	res := DependencyStatus{
		Status:    StatusHealthy,
		Required:  d.required,
		LatencyMS: time.Since(start).Milliseconds(),
		Timestamp: time.Now(),
	}
	switch {
	case errors.Is(err, errPoolExhausted):
		res.Status = StatusDegraded
		res.Message = err.Error()
	case err != nil:
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// effective caps an optional dependency's failure at degraded
func effective(status string, required bool) string {
	if !required && status == StatusUnhealthy {
		return StatusDegraded
	}
	return status
}

func worst(a, b string) string {
	rank := map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// DatabaseCheck pings db and runs a trivial query
func DatabaseCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return errors.New("query failed: " + err.Error())
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return errPoolExhausted
		}
		return nil
	}
}

// RedisCheck pings the session store
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}

// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subject_id", 42).Warn("failed to record change history")
//
// Request handlers use FromContext, which adds request_id and user_id:
//
//	observability.FromContext(r.Context()).Info("account locked")
//
// # Prometheus Metrics
//
// All collectors are prefixed warden_ and registered on the registry passed
// to NewMetrics. Every recorder method is safe on a nil *Metrics.
//
// # Health Checks
//
// HealthChecker runs registered dependency checks concurrently and serves
// /health, /health/live and /health/ready. A failing required check makes the
// service unhealthy; an optional one only degrades it.
//
// # Tracing
//
// InitOTel installs OTLP gRPC exporters when enabled. StartSpan and EndSpan
// wrap store calls.
package observability

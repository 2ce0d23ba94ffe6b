// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/warden/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: middleware.AuthMiddleware (pkg/middleware/auth.go)
	// Required by: admin and host endpoints, capture engine (actor resolution)
	// Type: *auth.AuthContext
	AuthKey Key = "auth_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the acting user ID string
	// Set by: Auth middleware after user authentication
	// Used by: Logger
	// Type: string
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.RequestLogger
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// CaptureKey contains the request-scoped *capture.Tracker
	// Set by: capture.Middleware / capture.Begin
	// Used by: capture.Engine lifecycle handlers and Finalize
	// Type: *capture.Tracker
	CaptureKey Key = "capture_tracker"

	// ActorKey contains the acting user ID (int64) for non-HTTP callers
	// Set by: wardenctl, cron jobs
	// Used by: capture.Engine actor resolution when no AuthKey is present
	// Type: int64
	ActorKey Key = "actor_id"

	// TrustedAutomationKey marks an operator automation context
	// Set by: wardenctl
	// Used by: suspension.Controller session interception carve-out
	// Type: bool
	TrustedAutomationKey Key = "trusted_automation"
)

// Helper functions for type-safe context operations

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithActor records the acting user for callers that are not HTTP requests
func WithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, ActorKey, actorID)
}

// WithTrustedAutomation marks the context as trusted operator automation
func WithTrustedAutomation(ctx context.Context) context.Context {
	return context.WithValue(ctx, TrustedAutomationKey, true)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetActor retrieves the acting user set by WithActor
func GetActor(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ActorKey).(int64)
	return id, ok
}

// IsTrustedAutomation reports whether the context was marked by WithTrustedAutomation
func IsTrustedAutomation(ctx context.Context) bool {
	trusted, _ := ctx.Value(TrustedAutomationKey).(bool)
	return trusted
}

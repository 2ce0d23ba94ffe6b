// Package middleware provides HTTP middleware for authentication, authorization, and rate limiting.
//
// # Middleware Components
//
// AuthMiddleware: bearer and cookie authentication
//
//	authMW := middleware.NewAuthMiddleware(authenticator, true)
//	router.Use(authMW.Handler)
//	// wdn_app_ tokens are app credentials, anything else is a session token
//
// A locked account is answered with 403 and the operator notice; any other
// authentication failure is 401.
//
// RequireScope / RequireScopeOrSelf: scope checks on routes
//
//	router.Handle("/users/{id:[0-9]+}", middleware.RequireScopeOrSelf(auth.ScopeUsersRead, "id")(h))
//
// RateLimitMiddleware: Redis-backed fixed window throttle keyed by client IP
//
//	limiter := middleware.NewRateLimiter(redisClient, middleware.DefaultLoginRateLimitConfig(), "")
//	router.Handle("/login", middleware.NewRateLimitMiddleware(limiter, logger).Handler(loginHandler))
//
// # Related Packages
//
//   - pkg/auth: token validation and scopes
//   - pkg/suspension: locked-account rejection
package middleware

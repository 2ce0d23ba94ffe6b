// Package httputil provides HTTP utilities for standardized request/response handling.
//
// Every JSON endpoint answers with the same envelope:
//
//	{"success": true, "data": {...}}
//	{"success": false, "message": "login name is reserved"}
//
// # Request Parsing
//
//	var req RenameRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//
// # Middleware
//
// RequestIDMiddleware, LoggingMiddleware and RecoveryMiddleware are composed
// with Chain around the API router.
package httputil

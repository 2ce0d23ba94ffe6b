package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/suspension"
)

// SessionCookie carries the session token for browser clients
const SessionCookie = "warden_session"

// Authenticator resolves bearer tokens
type Authenticator interface {
	Session(ctx context.Context, token string) (*auth.AuthContext, error)
	AppCredential(ctx context.Context, token string) (*auth.AuthContext, error)
}

// AuthMiddleware provides authentication middleware
type AuthMiddleware struct {
	authenticator Authenticator
	optional      bool // If true, allow requests without auth
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator Authenticator, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		authenticator: authenticator,
		optional:      optional,
	}
}

// Handler wraps an HTTP handler with authentication. App credentials and
// session tokens are both accepted as "Bearer <token>"; sessions may also
// arrive in the session cookie.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractToken(r)
		if err != nil {
			httputil.WriteUnauthorized(w, err.Error())
			return
		}
		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		var authCtx *auth.AuthContext
		if strings.HasPrefix(token, auth.AppCredentialPrefix) {
			authCtx, err = m.authenticator.AppCredential(r.Context(), token)
		} else {
			authCtx, err = m.authenticator.Session(r.Context(), token)
		}
		if err != nil {
			var locked *suspension.LockedError
			if errors.As(err, &locked) {
				httputil.WriteForbidden(w, locked.Message)
				return
			}
			httputil.WriteUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = contextkeys.WithUserID(ctx, strconv.FormatInt(authCtx.User.ID, 10))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", errors.New("invalid authorization header format")
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			return "", errors.New("invalid authorization header format")
		}
		return token, nil
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value, nil
	}
	return "", nil
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	return auth.FromContext(r.Context())
}

// RequireScope creates middleware that checks for a specific scope
func RequireScope(scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			if !authCtx.HasScope(scope) {
				httputil.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireScopeOrSelf is RequireScope that also admits the account named by
// the {id} route variable acting on itself
func RequireScopeOrSelf(scope auth.Scope, idVar string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := GetAuthContext(r)
			if authCtx == nil || authCtx.User == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			if !authCtx.HasScope(scope) {
				id, err := httputil.ParsePathInt64(r, idVar)
				if err != nil || id != authCtx.User.ID {
					httputil.WriteForbidden(w, "insufficient permissions")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

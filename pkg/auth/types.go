package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/contextkeys"
)

// User is the identity view of an account used by authentication and
// authorization decisions
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email,omitempty"`
	Roles []Role `json:"roles"`
}

// HasRole reports whether the user holds role
func (u *User) HasRole(role Role) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Role represents an account-level role
type Role string

const (
	RoleOwner  Role = "owner"  // Account owner, exempt from suspension
	RoleAdmin  Role = "admin"  // Manages users and their history
	RoleEditor Role = "editor" // Can read user history
	RoleMember Role = "member" // No administrative access
)

var roleDisplayNames = map[Role]string{
	RoleOwner:  "Owner",
	RoleAdmin:  "Administrator",
	RoleEditor: "Editor",
	RoleMember: "Member",
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := roleDisplayNames[r]
	return ok
}

// DisplayName returns the human-readable role name. Unknown roles are shown
// as their raw key.
func (r Role) DisplayName() string {
	if name, ok := roleDisplayNames[r]; ok {
		return name
	}
	return string(r)
}

// ParseRole parses a role key
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// FormatRoles joins the display names of roles, sorted by name
func FormatRoles(roles []Role) string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		names = append(names, r.DisplayName())
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// Scope represents a capability granted to a session or app credential
type Scope string

const (
	ScopeUsersRead  Scope = "users:read"
	ScopeUsersWrite Scope = "users:write"
	ScopeAll        Scope = "*" // All capabilities
)

// ScopesForRoles returns the capabilities a session inherits from its roles
func ScopesForRoles(roles []Role) []Scope {
	var scopes []Scope
	for _, r := range roles {
		switch r {
		case RoleOwner, RoleAdmin:
			return []Scope{ScopeAll}
		case RoleEditor:
			scopes = append(scopes, ScopeUsersRead)
		}
	}
	return scopes
}

// ParseScopes parses a comma-separated scope list
func ParseScopes(s string) []Scope {
	var scopes []Scope
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			scopes = append(scopes, Scope(part))
		}
	}
	return scopes
}

// JoinScopes is the inverse of ParseScopes
func JoinScopes(scopes []Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

// AppCredential is a long-lived bearer credential issued to an integration
type AppCredential struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TokenHash   string     `json:"-"` // Never expose hash
	TokenPrefix string     `json:"token_prefix"`
	Name        string     `json:"name"`
	Scopes      []Scope    `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Method identifies how a request was authenticated
type Method string

const (
	MethodPassword      Method = "password"
	MethodSession       Method = "session"
	MethodAppCredential Method = "app_credential"
)

// AuthContext holds authenticated user information
type AuthContext struct {
	User         *User
	Method       Method
	SessionToken string
	Credential   *AppCredential
	Scopes       []Scope
}

// HasScope checks if the context has a specific scope
func (ac *AuthContext) HasScope(scope Scope) bool {
	if ac == nil {
		return false
	}
	for _, s := range ac.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// FromContext returns the AuthContext stored by the authentication middleware
func FromContext(ctx context.Context) *AuthContext {
	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*AuthContext)
	return authCtx
}

// ActorFromContext resolves the acting user: the authenticated user of an
// HTTP request, or the actor set with contextkeys.WithActor.
func ActorFromContext(ctx context.Context) (int64, bool) {
	if authCtx := FromContext(ctx); authCtx != nil && authCtx.User != nil {
		return authCtx.User.ID, true
	}
	return contextkeys.GetActor(ctx)
}

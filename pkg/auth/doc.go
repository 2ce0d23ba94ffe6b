// Package auth provides identities, roles, capability scopes and the three
// authentication paths of the warden service.
//
// # Overview
//
// An account authenticates in one of three ways:
//
//	Password       - login name + bcrypt-verified password, exchanged for a session
//	Session        - opaque session token resolved on every request
//	App credential - long-lived bearer token issued to an integration
//
// Each successful verification is passed through the configured Gates before
// it is accepted. The suspension controller is the gate that refuses locked
// accounts.
//
// # Tokens
//
// Session tokens and app credentials share one format:
//
//	<prefix><base64url(32 random bytes)>
//	wdn_ses_... - session token
//	wdn_app_... - app credential
//
// Only the SHA256 hash is stored. App credentials live in the app_credentials
// table (see CredentialStore) and expired rows are revoked by SweepExpired,
// which the server runs on a cron schedule.
//
// # Roles and Scopes
//
//	RoleOwner  - every capability, exempt from suspension
//	RoleAdmin  - every capability
//	RoleEditor - users:read
//	RoleMember - none
//
// App credentials carry their own scope list instead of inheriting from roles.
//
// # Request Context
//
// The authentication middleware stores an *AuthContext under
// contextkeys.AuthKey. ActorFromContext resolves the acting user from it, or
// from contextkeys.WithActor for non-HTTP callers.
//
// # Related Packages
//
//   - pkg/middleware: HTTP authentication middleware
//   - pkg/sessions: Redis session store
//   - pkg/suspension: lock gate
//   - pkg/accounts: Directory implementation
package auth

package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidLogin is returned for an unknown login or a wrong password
var ErrInvalidLogin = errors.New("invalid login or password")

// Directory resolves identities for the authenticator
type Directory interface {
	// Identity loads a user by id
	Identity(ctx context.Context, id int64) (*User, error)
	// Credentials loads a user and their password hash by login name
	Credentials(ctx context.Context, login string) (*User, string, error)
}

// SessionResolver maps a session token to the user it was issued for
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (int64, error)
}

// CredentialValidator resolves an app credential bearer token
type CredentialValidator interface {
	Validate(ctx context.Context, token string) (*AppCredential, error)
}

// Gate may refuse an otherwise valid authentication. Each method receives
// the resolved user and returns a non-nil error to reject.
type Gate interface {
	CheckLogin(ctx context.Context, user *User) error
	CheckSession(ctx context.Context, user *User) error
	CheckAppCredential(ctx context.Context, user *User) error
}

// Authenticator verifies passwords, session tokens and app credentials,
// consulting the gates after each successful verification
type Authenticator struct {
	directory   Directory
	sessions    SessionResolver
	credentials CredentialValidator
	gates       []Gate
}

// NewAuthenticator creates an authenticator. sessions and credentials may be
// nil to disable those methods.
func NewAuthenticator(directory Directory, sessions SessionResolver, credentials CredentialValidator, gates ...Gate) *Authenticator {
	return &Authenticator{
		directory:   directory,
		sessions:    sessions,
		credentials: credentials,
		gates:       gates,
	}
}

// Password verifies a login name and password
func (a *Authenticator) Password(ctx context.Context, login, password string) (*AuthContext, error) {
	user, hash, err := a.directory.Credentials(ctx, login)
	if err != nil || user == nil {
		// Compare against a fixed hash anyway so unknown logins cost the same
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidLogin
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidLogin
	}

	for _, g := range a.gates {
		if err := g.CheckLogin(ctx, user); err != nil {
			return nil, err
		}
	}

	return &AuthContext{
		User:   user,
		Method: MethodPassword,
		Scopes: ScopesForRoles(user.Roles),
	}, nil
}

// Session resolves a session token. Gates run on every call so a session
// opened before a lock stops working on its next use.
func (a *Authenticator) Session(ctx context.Context, token string) (*AuthContext, error) {
	if a.sessions == nil {
		return nil, fmt.Errorf("session authentication is not configured")
	}
	userID, err := a.sessions.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := a.directory.Identity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session user: %w", err)
	}

	for _, g := range a.gates {
		if err := g.CheckSession(ctx, user); err != nil {
			return nil, err
		}
	}

	return &AuthContext{
		User:         user,
		Method:       MethodSession,
		SessionToken: token,
		Scopes:       ScopesForRoles(user.Roles),
	}, nil
}

// AppCredential resolves an app credential bearer token. The request is
// limited to the credential's scopes.
func (a *Authenticator) AppCredential(ctx context.Context, token string) (*AuthContext, error) {
	if a.credentials == nil {
		return nil, fmt.Errorf("app credential authentication is not configured")
	}
	cred, err := a.credentials.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	user, err := a.directory.Identity(ctx, cred.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential owner: %w", err)
	}

	for _, g := range a.gates {
		if err := g.CheckAppCredential(ctx, user); err != nil {
			return nil, err
		}
	}

	return &AuthContext{
		User:       user,
		Method:     MethodAppCredential,
		Credential: cred,
		Scopes:     cred.Scopes,
	}, nil
}

// HashPassword hashes a password with bcrypt at the given cost
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("warden-unknown-login"), bcrypt.MinCost)

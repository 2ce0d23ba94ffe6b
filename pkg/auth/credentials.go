package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/audit"
)

// ErrInvalidCredential is returned for unknown, revoked or expired app credentials
var ErrInvalidCredential = errors.New("invalid or expired credential")

// CredentialStore persists app credentials. Only token hashes are stored.
type CredentialStore struct {
	db        *sql.DB
	dialect   audit.Dialect
	generator *TokenGenerator
	now       func() time.Time
}

// NewCredentialStore creates a credential store, creating its table if needed
func NewCredentialStore(db *sql.DB, dialect audit.Dialect) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &CredentialStore{
		db:        db,
		dialect:   dialect,
		generator: NewTokenGenerator(AppCredentialPrefix),
		now:       time.Now,
	}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure app_credentials table: %w", err)
	}
	return s, nil
}

func (s *CredentialStore) ensureTable() error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	timestamp := "TIMESTAMP WITH TIME ZONE"
	if s.dialect == audit.DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
		timestamp = "TIMESTAMP"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS app_credentials (
			` + idColumn + `,
			user_id BIGINT NOT NULL,
			token_hash VARCHAR(64) NOT NULL UNIQUE,
			token_prefix VARCHAR(32) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			scopes TEXT NOT NULL DEFAULT '',
			expires_at ` + timestamp + `,
			last_used_at ` + timestamp + `,
			created_at ` + timestamp + ` NOT NULL,
			revoked_at ` + timestamp + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_app_credentials_user ON app_credentials(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create issues a new credential. The plaintext token is returned once and
// never stored.
func (s *CredentialStore) Create(ctx context.Context, userID int64, name string, scopes []Scope, expiresAt *time.Time) (*AppCredential, string, error) {
	token, tokenHash, prefix, err := s.generator.GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}

	cred := &AppCredential{
		UserID:      userID,
		TokenHash:   tokenHash,
		TokenPrefix: prefix,
		Name:        name,
		Scopes:      scopes,
		ExpiresAt:   expiresAt,
		CreatedAt:   s.now().UTC(),
	}

	var expires sql.NullTime
	if expiresAt != nil {
		expires = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}

	query := `
		INSERT INTO app_credentials (user_id, token_hash, token_prefix, name, scopes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		userID, tokenHash, prefix, name, JoinScopes(scopes), expires, cred.CreatedAt,
	).Scan(&cred.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create app credential: %w", err)
	}

	return cred, token, nil
}

// Validate resolves a bearer token to its credential and records its use
func (s *CredentialStore) Validate(ctx context.Context, token string) (*AppCredential, error) {
	if err := s.generator.ValidateTokenFormat(token); err != nil {
		return nil, ErrInvalidCredential
	}

	query := `
		SELECT id, user_id, token_hash, token_prefix, name, scopes, expires_at, last_used_at, created_at, revoked_at
		FROM app_credentials
		WHERE token_hash = $1
	`
	cred, err := scanCredential(s.db.QueryRowContext(ctx, query, HashToken(token)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up app credential: %w", err)
	}

	now := s.now().UTC()
	if cred.RevokedAt != nil || (cred.ExpiresAt != nil && !now.Before(*cred.ExpiresAt)) {
		return nil, ErrInvalidCredential
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE app_credentials SET last_used_at = $1 WHERE id = $2`, now, cred.ID); err != nil {
		return nil, fmt.Errorf("failed to update app credential: %w", err)
	}
	cred.LastUsedAt = &now

	return cred, nil
}

// Revoke marks a credential revoked
func (s *CredentialStore) Revoke(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE app_credentials SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke app credential: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("app credential not found: %d", id)
	}
	return nil
}

// ListForUser returns a user's credentials, newest first
func (s *CredentialStore) ListForUser(ctx context.Context, userID int64) ([]*AppCredential, error) {
	query := `
		SELECT id, user_id, token_hash, token_prefix, name, scopes, expires_at, last_used_at, created_at, revoked_at
		FROM app_credentials
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list app credentials: %w", err)
	}
	defer rows.Close()

	creds := []*AppCredential{}
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan app credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// SweepExpired revokes every unrevoked credential whose expiry has passed
// and returns how many were revoked
func (s *CredentialStore) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_credentials SET revoked_at = $1
		WHERE revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired app credentials: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*AppCredential, error) {
	var cred AppCredential
	var scopes string
	var expiresAt, lastUsedAt, revokedAt sql.NullTime

	err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.TokenHash,
		&cred.TokenPrefix,
		&cred.Name,
		&scopes,
		&expiresAt,
		&lastUsedAt,
		&cred.CreatedAt,
		&revokedAt,
	)
	if err != nil {
		return nil, err
	}

	cred.Scopes = ParseScopes(scopes)
	cred.ExpiresAt = timePtr(expiresAt)
	cred.LastUsedAt = timePtr(lastUsedAt)
	cred.RevokedAt = timePtr(revokedAt)
	return &cred, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

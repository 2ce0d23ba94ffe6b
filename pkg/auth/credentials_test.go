package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/warden/pkg/audit"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCredentialStore(t *testing.T) (*CredentialStore, *time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewCredentialStore(db, audit.DialectSQLite)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	return store, &now
}

func TestCredentialStore_CreateAndValidate(t *testing.T) {
	store, _ := setupCredentialStore(t)
	ctx := context.Background()

	cred, token, err := store.Create(ctx, 42, "ci", []Scope{ScopeUsersRead}, nil)
	require.NoError(t, err)
	assert.NotZero(t, cred.ID)
	assert.Contains(t, token, AppCredentialPrefix)
	assert.NotContains(t, cred.TokenHash, token)

	got, err := store.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, []Scope{ScopeUsersRead}, got.Scopes)
	require.NotNil(t, got.LastUsedAt)
}

func TestCredentialStore_ValidateRejects(t *testing.T) {
	store, now := setupCredentialStore(t)
	ctx := context.Background()

	t.Run("malformed token", func(t *testing.T) {
		_, err := store.Validate(ctx, "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("unknown token", func(t *testing.T) {
		token, _, _, err := NewTokenGenerator(AppCredentialPrefix).GenerateToken()
		require.NoError(t, err)
		_, err = store.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("revoked", func(t *testing.T) {
		cred, token, err := store.Create(ctx, 1, "revoked", nil, nil)
		require.NoError(t, err)
		require.NoError(t, store.Revoke(ctx, cred.ID))
		_, err = store.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("expired", func(t *testing.T) {
		expires := now.Add(time.Minute)
		_, token, err := store.Create(ctx, 1, "short", nil, &expires)
		require.NoError(t, err)

		*now = now.Add(2 * time.Minute)
		_, err = store.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})
}

func TestCredentialStore_SweepExpired(t *testing.T) {
	store, now := setupCredentialStore(t)
	ctx := context.Background()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	_, _, err := store.Create(ctx, 5, "expired", nil, &past)
	require.NoError(t, err)
	_, live, err := store.Create(ctx, 5, "live", nil, &future)
	require.NoError(t, err)
	_, _, err = store.Create(ctx, 5, "forever", nil, nil)
	require.NoError(t, err)

	swept, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	// A second sweep finds nothing new
	swept, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), swept)

	_, err = store.Validate(ctx, live)
	assert.NoError(t, err)

	creds, err := store.ListForUser(ctx, 5)
	require.NoError(t, err)
	require.Len(t, creds, 3)
	revoked := 0
	for _, c := range creds {
		if c.RevokedAt != nil {
			revoked++
			assert.Equal(t, "expired", c.Name)
		}
	}
	assert.Equal(t, 1, revoked)
}

func TestCredentialStore_RevokeUnknown(t *testing.T) {
	store, _ := setupCredentialStore(t)
	err := store.Revoke(context.Background(), 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestNewCredentialStore_Errors(t *testing.T) {
	_, err := NewCredentialStore(nil, audit.DialectPostgres)
	assert.Error(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS app_credentials").WillReturnError(sql.ErrConnDone)
	_, err = NewCredentialStore(db, audit.DialectPostgres)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ensure app_credentials table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

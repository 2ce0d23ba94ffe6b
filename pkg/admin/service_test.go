package admin

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/suspension"
)

type countingSessions struct {
	mu        sync.Mutex
	destroyed []int64
}

func (c *countingSessions) DestroyAll(ctx context.Context, userID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = append(c.destroyed, userID)
	return 1, nil
}

type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memoryBucket) PutObject(ctx context.Context, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

type fixture struct {
	accounts *accounts.Service
	store    *accounts.Store
	history  *audit.DBStore
	recorder *audit.Recorder
	sessions *countingSessions
	bucket   *memoryBucket
	metrics  *observability.Metrics
	service  *Service
}

func setup(t *testing.T, withArchive bool) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := accounts.NewStore(db, audit.DialectSQLite)
	require.NoError(t, err)
	history, err := audit.NewDBStore(db, audit.WithDialect(audit.DialectSQLite))
	require.NoError(t, err)

	f := &fixture{
		accounts: accounts.NewService(store, accounts.WithBcryptCost(bcrypt.MinCost)),
		store:    store,
		history:  history,
		sessions: &countingSessions{},
		bucket:   &memoryBucket{objects: map[string][]byte{}},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.recorder = audit.NewRecorder(history, nil, f.metrics)
	locks := suspension.NewController(f.accounts, f.accounts, f.sessions, f.recorder, suspension.Options{
		ProtectedUserIDs: []int64{1},
	})

	cfg := Config{Sessions: f.sessions, Metrics: f.metrics}
	if withArchive {
		cfg.Archiver = audit.NewArchiver(history, f.bucket, "warden")
	}
	f.service = NewService(store, f.recorder, locks, cfg)
	return f
}

func (f *fixture) create(t *testing.T, login string) *accounts.User {
	t.Helper()
	u, err := f.accounts.Create(context.Background(), accounts.NewUser{
		Login: login, Email: login + "@example.com", DisplayName: strings.ToUpper(login),
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) log(t *testing.T, subject, actor int64, field, oldValue, newValue string) {
	t.Helper()
	require.True(t, f.recorder.LogChange(context.Background(), audit.Change{
		SubjectID: subject, ActorID: actor, FieldName: field, FieldLabel: field,
		OldValue: audit.StringPtr(oldValue), NewValue: audit.StringPtr(newValue),
	}))
}

func TestService_History(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	admin := f.create(t, "root-admin")
	subject := f.create(t, "subject")

	for i := 0; i < 25; i++ {
		f.log(t, subject.ID, admin.ID, "user_email", "a", strings.Repeat("b", i+1))
	}
	f.log(t, subject.ID, 9999, "user_url", "", "https://x")

	t.Run("first page is newest first with names", func(t *testing.T) {
		page, err := f.service.History(ctx, subject.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(26), page.Total)
		assert.Equal(t, audit.DefaultPageSize, page.Limit)
		require.Len(t, page.Entries, audit.DefaultPageSize)

		assert.Equal(t, "user_url", page.Entries[0].FieldName)
		assert.Equal(t, "", page.Entries[0].ActorName, "unknown actor")
		assert.Equal(t, "ROOT-ADMIN", page.Entries[1].ActorName)
	})

	t.Run("last page", func(t *testing.T) {
		page, err := f.service.History(ctx, subject.ID, 20, 20)
		require.NoError(t, err)
		assert.Len(t, page.Entries, 6)
	})

	t.Run("offset past the end", func(t *testing.T) {
		page, err := f.service.History(ctx, subject.ID, 10, 500)
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
		assert.Equal(t, int64(26), page.Total)
	})

	t.Run("limit is capped", func(t *testing.T) {
		page, err := f.service.History(ctx, subject.ID, 1000, -5)
		require.NoError(t, err)
		assert.Equal(t, MaxPageSize, page.Limit)
		assert.Equal(t, 0, page.Offset)
	})

	t.Run("actor names are cached", func(t *testing.T) {
		hits := testutil.ToFloat64(f.metrics.CacheHitsTotal.WithLabelValues(actorCacheName))
		assert.Greater(t, hits, 0.0)
	})
}

func TestService_PurgeThenCount(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	f.log(t, 5, 1, "user_email", "a", "b")
	f.log(t, 5, 1, "user_email", "b", "c")
	f.log(t, 6, 1, "user_email", "a", "b")

	count, err := f.service.Count(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	deleted, err := f.service.Purge(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	count, err = f.service.Count(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = f.service.Count(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestService_ExportAndArchive(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.log(t, 7, 1, "user_email", "old@x.com", "new@x.com")

	data, err := f.service.Export(ctx, 7, audit.ExportFormatJSON)
	require.NoError(t, err)
	var entries []*audit.Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "new@x.com", *entries[0].NewValue)

	key, err := f.service.Archive(ctx, 7, audit.ExportFormatCSV)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "warden/history/7/"))
	assert.True(t, strings.HasSuffix(key, ".csv"))
	assert.True(t, bytes.Contains(f.bucket.objects[key], []byte("old@x.com")))

	disabled := setup(t, false)
	_, err = disabled.service.Archive(ctx, 7, audit.ExportFormatJSON)
	assert.ErrorIs(t, err, ErrArchiveDisabled)
	assert.False(t, disabled.service.ArchiveEnabled())
}

func TestService_Suspension(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	owner := f.create(t, "owner")
	admin := f.create(t, "admin-user")
	subject := f.create(t, "subject")
	require.NoError(t, f.accounts.AssignRole(ctx, admin.ID, auth.RoleOwner))

	result, err := f.service.Lock(ctx, admin.ID, subject.ID)
	require.NoError(t, err)
	assert.True(t, result.Changed)

	status, err := f.service.Status(ctx, subject.ID)
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, []int64{subject.ID}, f.sessions.destroyed)

	result, err = f.service.Lock(ctx, admin.ID, subject.ID)
	require.NoError(t, err)
	assert.False(t, result.Changed)

	result, err = f.service.Unlock(ctx, admin.ID, subject.ID)
	require.NoError(t, err)
	assert.True(t, result.Changed)

	count, err := f.service.Count(ctx, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "lock and unlock")

	_, err = f.service.Lock(ctx, subject.ID, subject.ID)
	assert.ErrorIs(t, err, suspension.ErrSelfLock)

	// id 1 is configured as protected, admin holds the owner role
	_, err = f.service.Lock(ctx, subject.ID, owner.ID)
	assert.ErrorIs(t, err, suspension.ErrProtectedSubject)
	_, err = f.service.Lock(ctx, subject.ID, admin.ID)
	assert.ErrorIs(t, err, suspension.ErrProtectedSubject)

	_, err = f.service.Lock(ctx, admin.ID, 404)
	assert.ErrorIs(t, err, accounts.ErrUserNotFound)
	_, err = f.service.Status(ctx, 404)
	assert.ErrorIs(t, err, accounts.ErrUserNotFound)
}

func TestService_RenameLogin(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	actor := f.create(t, "operator")
	subject := f.create(t, "oldname")
	f.create(t, "taken")

	tests := []struct {
		name      string
		requested string
		wantErr   error
	}{
		{"too short", "ab", ErrLoginTooShort},
		{"too long", strings.Repeat("a", 61), ErrLoginTooLong},
		{"bad characters", "new name!", ErrLoginCharacters},
		{"reserved", "Admin", ErrLoginReserved},
		{"same as current", "OLDNAME", ErrLoginUnchanged},
		{"collision", "taken", ErrLoginUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.RenameLogin(ctx, actor.ID, subject.ID, tt.requested)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := f.service.RenameLogin(ctx, actor.ID, 404, "someone")
	assert.ErrorIs(t, err, accounts.ErrUserNotFound)
	assert.Empty(t, f.sessions.destroyed)

	u, err := f.service.RenameLogin(ctx, actor.ID, subject.ID, "  New.Name@corp ")
	require.NoError(t, err)
	assert.Equal(t, "new.name@corp", u.Login)
	assert.Equal(t, []int64{subject.ID}, f.sessions.destroyed)

	page, err := f.service.History(ctx, subject.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	e := page.Entries[0]
	assert.Equal(t, accounts.ColumnLogin, e.FieldName)
	assert.Equal(t, "oldname", *e.OldValue)
	assert.Equal(t, "new.name@corp", *e.NewValue)
	assert.Equal(t, actor.ID, e.ActorID)
	assert.Equal(t, "OPERATOR", e.ActorName)
}

func TestService_Search(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	actor := f.create(t, "operator")
	renamed := f.create(t, "formername")
	current := f.create(t, "formerly-known")
	f.create(t, "unrelated")

	_, err := f.service.RenameLogin(ctx, actor.ID, renamed.ID, "fresh")
	require.NoError(t, err)
	// only the history still knows the former name
	require.NoError(t, f.store.UpdateFields(ctx, renamed.ID, accounts.Fields{
		accounts.ColumnNicename:    audit.StringPtr("fresh"),
		accounts.ColumnDisplayName: audit.StringPtr("Fresh"),
		accounts.ColumnEmail:       audit.StringPtr("fresh@example.com"),
	}))

	users, err := f.service.Search(ctx, "former")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, renamed.ID, users[0].ID)
	assert.Equal(t, "fresh", users[0].Login)
	assert.Equal(t, current.ID, users[1].ID)

	users, err = f.service.Search(ctx, "   ")
	require.NoError(t, err)
	assert.Empty(t, users)
}

type failingDirectory struct{}

func (failingDirectory) GetMany(ctx context.Context, ids []int64) ([]*accounts.User, error) {
	return nil, errors.New("db down")
}

func TestNameCache(t *testing.T) {
	c := newNameCache(failingDirectory{}, DefaultNameCacheConfig(), nil)
	_, err := c.Resolve(context.Background(), []int64{1})
	assert.Error(t, err)

	names, err := c.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestNormalizeLogin(t *testing.T) {
	name, err := NormalizeLogin(" Jane_Doe-1 ")
	require.NoError(t, err)
	assert.Equal(t, "jane_doe-1", name)

	_, err = NormalizeLogin("root")
	assert.ErrorIs(t, err, ErrLoginReserved)
	assert.True(t, validationError(err))
	assert.False(t, validationError(ErrLoginUnavailable))
}

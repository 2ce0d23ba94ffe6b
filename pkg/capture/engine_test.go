package capture

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
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
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
)

type memoryHistory struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (m *memoryHistory) Append(ctx context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryHistory) Query(ctx context.Context, subjectID int64, limit, offset int) ([]*audit.Entry, error) {
	return nil, nil
}

func (m *memoryHistory) Count(ctx context.Context, subjectID int64) (int64, error) {
	return int64(len(m.entries)), nil
}

func (m *memoryHistory) Purge(ctx context.Context, subjectID int64) (int64, error) {
	return 0, nil
}

func (m *memoryHistory) Search(ctx context.Context, term string, fields []string) ([]int64, error) {
	return nil, nil
}

// field returns the entries written for one field name, oldest first
func (m *memoryHistory) field(name string) []*audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.Entry
	for _, e := range m.entries {
		if e.FieldName == name {
			out = append(out, e)
		}
	}
	return out
}

func (m *memoryHistory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type fixture struct {
	svc     *accounts.Service
	engine  *Engine
	history *memoryHistory
	metrics *observability.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := accounts.NewStore(db, audit.DialectSQLite)
	require.NoError(t, err)
	svc := accounts.NewService(store, accounts.WithBcryptCost(bcrypt.MinCost))

	f := &fixture{
		svc:     svc,
		history: &memoryHistory{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	recorder := audit.NewRecorder(f.history, nil, f.metrics)
	f.engine = NewEngine(svc, recorder, NewRegistry(svc.RoleKey()), WithMetrics(f.metrics))
	svc.Subscribe(f.engine)
	return f
}

// createOutsideScope creates a member account without a capture scope, so
// only the creation entry is written
func (f *fixture) createOutsideScope(t *testing.T, login string) *accounts.User {
	t.Helper()
	u, err := f.svc.Create(context.Background(), accounts.NewUser{Login: login, Email: login + "@x.com", Password: "pw"})
	require.NoError(t, err)
	return u
}

func (f *fixture) run(t *testing.T, ctx context.Context, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, f.engine.Run(ctx, fn))
}

func TestEngine_NoOpSaveWritesNothing(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "alice")
	before := f.history.size()

	f.run(t, context.Background(), func(ctx context.Context) error {
		_, err := f.svc.Update(ctx, u.ID, accounts.Update{
			Fields: accounts.Fields{
				accounts.ColumnEmail:       audit.StringPtr(u.Email),
				accounts.ColumnDisplayName: audit.StringPtr(u.DisplayName),
				accounts.ColumnURL:         nil,
			},
			Attributes: map[string]any{"first_name": ""},
		})
		return err
	})

	assert.Equal(t, before, f.history.size())
}

func TestEngine_CoreFieldDiff(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "a")
	require.NoError(t, f.svc.Store().UpdateFields(context.Background(), u.ID, accounts.Fields{accounts.ColumnEmail: audit.StringPtr("a@x.com")}))

	ctx := contextkeys.WithActor(context.Background(), 99)
	f.run(t, ctx, func(ctx context.Context) error {
		_, err := f.svc.Update(ctx, u.ID, accounts.Update{
			Fields: accounts.Fields{accounts.ColumnEmail: audit.StringPtr("b@x.com")},
		})
		return err
	})

	entries := f.history.field(accounts.ColumnEmail)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "a@x.com", *e.OldValue)
	assert.Equal(t, "b@x.com", *e.NewValue)
	assert.Equal(t, audit.ChangeTypeUpdate, e.ChangeType)
	assert.Equal(t, "Email", e.FieldLabel)
	assert.Equal(t, int64(99), e.ActorID)
	assert.Equal(t, u.ID, e.SubjectID)
}

func TestEngine_NullableURL(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "nulls")

	f.run(t, context.Background(), func(ctx context.Context) error {
		_, err := f.svc.Update(ctx, u.ID, accounts.Update{
			Fields: accounts.Fields{accounts.ColumnURL: audit.StringPtr("")},
		})
		return err
	})

	entries := f.history.field(accounts.ColumnURL)
	require.Len(t, entries, 1, "empty string is distinct from null")
	assert.Nil(t, entries[0].OldValue)
	assert.Equal(t, "", *entries[0].NewValue)
}

func TestEngine_CredentialPrivacy(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "carol")

	t.Run("rotation logs an empty entry", func(t *testing.T) {
		pw := "rotated-secret"
		f.run(t, context.Background(), func(ctx context.Context) error {
			_, err := f.svc.Update(ctx, u.ID, accounts.Update{Password: &pw})
			return err
		})

		entries := f.history.field(accounts.ColumnPassword)
		require.Len(t, entries, 1)
		assert.Equal(t, "", *entries[0].OldValue)
		assert.Equal(t, "", *entries[0].NewValue)
		assert.Equal(t, "Password", entries[0].FieldLabel)
	})

	t.Run("resubmitting the stored hash logs nothing", func(t *testing.T) {
		current, err := f.svc.Get(context.Background(), u.ID)
		require.NoError(t, err)

		f.run(t, context.Background(), func(ctx context.Context) error {
			_, err := f.svc.Update(ctx, u.ID, accounts.Update{
				Fields: accounts.Fields{accounts.ColumnPassword: audit.StringPtr(current.PassHash)},
			})
			return err
		})
		assert.Len(t, f.history.field(accounts.ColumnPassword), 1)
	})
}

func TestEngine_DedicatedRoleAssignmentLoggedOnce(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "dave")

	f.run(t, context.Background(), func(ctx context.Context) error {
		return f.svc.AssignRole(ctx, u.ID, auth.RoleEditor)
	})

	entries := f.history.field(audit.RoleField)
	require.Len(t, entries, 1)
	assert.Equal(t, "Member", *entries[0].OldValue)
	assert.Equal(t, "Editor", *entries[0].NewValue)
	assert.Equal(t, "Role", entries[0].FieldLabel)
}

func TestEngine_RoleDeferral(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "erin")

	ctx := contextkeys.WithActor(context.Background(), 7)
	f.run(t, ctx, func(ctx context.Context) error {
		// Member -> Editor, Member -> Editor
		if err := f.svc.AddRole(ctx, u.ID, auth.RoleEditor); err != nil {
			return err
		}
		// a later mechanism acting as someone else
		later := contextkeys.WithActor(ctx, 8)
		return f.svc.RemoveRole(later, u.ID, auth.RoleMember)
	})

	entries := f.history.field(audit.RoleField)
	require.Len(t, entries, 1)
	assert.Equal(t, "Member", *entries[0].OldValue)
	assert.Equal(t, "Editor", *entries[0].NewValue)
	assert.Equal(t, int64(7), entries[0].ActorID)
}

func TestEngine_RoleRoundTripLogsNothing(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "frank")

	f.run(t, context.Background(), func(ctx context.Context) error {
		if err := f.svc.AddRole(ctx, u.ID, auth.RoleAdmin); err != nil {
			return err
		}
		return f.svc.RemoveRole(ctx, u.ID, auth.RoleAdmin)
	})

	assert.Empty(t, f.history.field(audit.RoleField))
}

func TestEngine_AssignThenLayeredChange(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "grace")

	f.run(t, context.Background(), func(ctx context.Context) error {
		if err := f.svc.AssignRole(ctx, u.ID, auth.RoleEditor); err != nil {
			return err
		}
		return f.svc.AddRole(ctx, u.ID, auth.RoleAdmin)
	})

	// the dedicated path already logged this subject's role change
	entries := f.history.field(audit.RoleField)
	require.Len(t, entries, 1)
	assert.Equal(t, "Editor", *entries[0].NewValue)
}

func TestEngine_LateRoleNotification(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "heidi")

	ctx, tracker := Begin(context.Background())
	f.engine.Finalize(ctx)
	require.True(t, tracker.Finalized())

	require.NoError(t, f.svc.AssignRole(ctx, u.ID, auth.RoleAdmin))

	entries := f.history.field(audit.RoleField)
	require.Len(t, entries, 1)
	assert.Equal(t, "Member", *entries[0].OldValue)
	assert.Equal(t, "Administrator", *entries[0].NewValue)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LateRoleNotificationsTotal))
}

func TestEngine_Created(t *testing.T) {
	f := setup(t)

	t.Run("self registration", func(t *testing.T) {
		var id int64
		f.run(t, context.Background(), func(ctx context.Context) error {
			u, err := f.svc.Create(ctx, accounts.NewUser{Login: "ivan", Email: "ivan@x.com"})
			if u != nil {
				id = u.ID
			}
			return err
		})

		created := f.history.field(audit.FieldAccountCreated)
		require.Len(t, created, 1)
		assert.Equal(t, audit.ChangeTypeCreate, created[0].ChangeType)
		assert.Nil(t, created[0].OldValue)
		assert.Equal(t, "ivan@x.com", *created[0].NewValue)
		assert.Equal(t, id, created[0].ActorID)

		roles := f.history.field(audit.RoleField)
		require.Len(t, roles, 1)
		assert.Equal(t, "", *roles[0].OldValue)
		assert.Equal(t, "Member", *roles[0].NewValue)
	})

	t.Run("created by an administrator", func(t *testing.T) {
		ctx := contextkeys.WithActor(context.Background(), 1)
		f.run(t, ctx, func(ctx context.Context) error {
			_, err := f.svc.Create(ctx, accounts.NewUser{Login: "judy", Email: "judy@x.com", Role: auth.RoleEditor})
			return err
		})

		created := f.history.field(audit.FieldAccountCreated)
		require.Len(t, created, 2)
		assert.Equal(t, int64(1), created[1].ActorID)
	})
}

func TestEngine_Attributes(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "kim")

	f.run(t, context.Background(), func(ctx context.Context) error {
		_, err := f.svc.Update(ctx, u.ID, accounts.Update{Attributes: map[string]any{
			"first_name":     "Kim",
			"description":    []any{"a", "b"},
			"nickname":       map[string]any{"short": "k"},
			"favorite_color": "teal",
		}})
		return err
	})

	first := f.history.field(audit.AttributeField("first_name"))
	require.Len(t, first, 1)
	assert.Equal(t, "", *first[0].OldValue)
	assert.Equal(t, "Kim", *first[0].NewValue)
	assert.Equal(t, "First Name", first[0].FieldLabel)

	desc := f.history.field(audit.AttributeField("description"))
	require.Len(t, desc, 1)
	assert.Equal(t, `["a","b"]`, *desc[0].NewValue)

	nick := f.history.field(audit.AttributeField("nickname"))
	require.Len(t, nick, 1)
	assert.Equal(t, `{"short":"k"}`, *nick[0].NewValue)

	assert.Empty(t, f.history.field(audit.AttributeField("favorite_color")))

	// a direct write in a later request uses the secondary snapshot path
	f.run(t, context.Background(), func(ctx context.Context) error {
		return f.svc.SetAttribute(ctx, u.ID, "first_name", "Kimberly")
	})
	first = f.history.field(audit.AttributeField("first_name"))
	require.Len(t, first, 2)
	assert.Equal(t, "Kim", *first[1].OldValue)
	assert.Equal(t, "Kimberly", *first[1].NewValue)
}

func TestEngine_WithoutScope(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "leo")
	ctx := context.Background()

	// core fields fall back to the host baseline
	_, err := f.svc.Update(ctx, u.ID, accounts.Update{
		Fields: accounts.Fields{accounts.ColumnEmail: audit.StringPtr("leo@new.com")},
	})
	require.NoError(t, err)
	require.Len(t, f.history.field(accounts.ColumnEmail), 1)

	// attribute writes have no baseline and are skipped
	require.NoError(t, f.svc.SetAttribute(ctx, u.ID, "first_name", "Leo"))
	assert.Empty(t, f.history.field(audit.AttributeField("first_name")))

	// the dedicated role path logs immediately
	require.NoError(t, f.svc.AssignRole(ctx, u.ID, auth.RoleEditor))
	assert.Len(t, f.history.field(audit.RoleField), 1)
}

func TestEngine_StorageFailureDoesNotBlockMutation(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "mia")
	f.history.err = errors.New("disk full")

	var updated *accounts.User
	f.run(t, context.Background(), func(ctx context.Context) error {
		var err error
		updated, err = f.svc.Update(ctx, u.ID, accounts.Update{
			Fields: accounts.Fields{accounts.ColumnEmail: audit.StringPtr("mia@new.com")},
		})
		return err
	})

	assert.Equal(t, "mia@new.com", updated.Email)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuditWriteFailuresTotal.WithLabelValues(string(audit.ChangeTypeUpdate))))
}

func TestTrackerIsolation(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "nora")

	ctx1, t1 := Begin(context.Background())
	ctx2, t2 := Begin(context.Background())
	assert.Same(t, t1, FromContext(ctx1))
	assert.Same(t, t2, FromContext(ctx2))
	assert.Nil(t, FromContext(context.Background()))

	f.engine.BeforeUpdate(ctx1, u.ID, accounts.Fields{}, true)
	assert.Contains(t, t1.snapshots, u.ID)
	assert.NotContains(t, t2.snapshots, u.ID)

	f.engine.Finalize(ctx1)
	assert.Nil(t, t1.snapshots)

	// fresh creates never snapshot
	f.engine.BeforeUpdate(ctx2, u.ID, accounts.Fields{}, false)
	assert.NotContains(t, t2.snapshots, u.ID)
}

func TestMiddleware(t *testing.T) {
	f := setup(t)
	u := f.createOutsideScope(t, "otto")

	handler := Middleware(f.engine)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		require.NotNil(t, FromContext(ctx))
		require.NoError(t, f.svc.AddRole(ctx, u.ID, auth.RoleEditor))
		require.NoError(t, f.svc.RemoveRole(ctx, u.ID, auth.RoleMember))
		// nothing is flushed before the handler chain returns
		assert.Empty(t, f.history.field(audit.RoleField))
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/users/1", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	entries := f.history.field(audit.RoleField)
	require.Len(t, entries, 1)
	assert.Equal(t, "Member", *entries[0].OldValue)
	assert.Equal(t, "Editor", *entries[0].NewValue)
}

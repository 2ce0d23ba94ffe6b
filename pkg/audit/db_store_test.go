package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func expectSchema(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_change_log").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 5; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

var entryColumns = []string{
	"id", "subject_id", "actor_id", "field_name", "field_label",
	"old_value", "new_value", "change_type", "created_at",
}

func TestNewDBStore(t *testing.T) {
	t.Run("nil database", func(t *testing.T) {
		store, err := NewDBStore(nil)
		assert.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("creates table and indexes", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		expectSchema(mock)

		store, err := NewDBStore(db)
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_change_log").WillReturnError(errors.New("permission denied"))

		store, err := NewDBStore(db)
		assert.Error(t, err)
		assert.Nil(t, store)
		assert.Contains(t, err.Error(), "failed to ensure user_change_log table")
	})
}

func TestDBStore_Append(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewDBStore(db, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	entry := &Entry{
		SubjectID:  42,
		ActorID:    1,
		FieldName:  "user_email",
		FieldLabel: "Email",
		OldValue:   StringPtr("a@x.io"),
		NewValue:   StringPtr("b@x.io"),
		ChangeType: ChangeTypeUpdate,
	}

	mock.ExpectQuery("INSERT INTO user_change_log").
		WithArgs(int64(42), int64(1), "user_email", "Email", "a@x.io", "b@x.io", "update", fixed).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	require.NoError(t, store.Append(context.Background(), entry))
	assert.Equal(t, int64(7), entry.ID)
	assert.Equal(t, fixed, entry.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_Append_NullValues(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO user_change_log").
		WithArgs(int64(5), int64(0), "event:account_created", "Account Created", nil, "alice", "create", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	err = store.Append(context.Background(), &Entry{
		SubjectID:  5,
		FieldName:  FieldAccountCreated,
		FieldLabel: "Account Created",
		NewValue:   StringPtr("alice"),
		ChangeType: ChangeTypeCreate,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_Append_Validation(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	assert.Error(t, store.Append(context.Background(), nil))
	assert.Error(t, store.Append(context.Background(), &Entry{SubjectID: 1, ChangeType: "rename"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_Append_Error(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO user_change_log").WillReturnError(errors.New("disk full"))

	err = store.Append(context.Background(), &Entry{SubjectID: 1, FieldName: "user_url", ChangeType: ChangeTypeUpdate})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert change entry")
}

func TestDBStore_Query(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(entryColumns).
		AddRow(2, 42, 1, "user_url", "Website", nil, "https://x.io", "update", now).
		AddRow(1, 42, 1, "user_email", "Email", "a@x.io", "b@x.io", "update", now.Add(-time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM user_change_log WHERE subject_id = \\$1 ORDER BY created_at DESC, id DESC").
		WithArgs(int64(42), 20, 0).
		WillReturnRows(rows)

	entries, err := store.Query(context.Background(), 42, 0, -5)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, int64(2), entries[0].ID)
	assert.Nil(t, entries[0].OldValue)
	assert.Equal(t, "https://x.io", *entries[0].NewValue)
	assert.Equal(t, "a@x.io", *entries[1].OldValue)
	assert.Equal(t, ChangeTypeUpdate, entries[1].ChangeType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_Query_MissingTable(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM user_change_log").
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "user_change_log" does not exist`})

	entries, err := store.Query(context.Background(), 1, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDBStore_Count(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM user_change_log WHERE subject_id = \\$1").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(25))

	count, err := store.Count(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(25), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_Purge(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM user_change_log WHERE subject_id = \\$1").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 25))

	deleted, err := store.Purge(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(25), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBStore_Search(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	expectSchema(mock)

	store, err := NewDBStore(db)
	require.NoError(t, err)

	t.Run("escapes wildcards and binds fields", func(t *testing.T) {
		mock.ExpectQuery("SELECT DISTINCT subject_id FROM user_change_log WHERE field_name IN \\(\\$2, \\$3\\)").
			WithArgs(`%100\%\_off%`, "user_login", "user_email").
			WillReturnRows(sqlmock.NewRows([]string{"subject_id"}).AddRow(3).AddRow(9))

		ids, err := store.Search(context.Background(), "100%_OFF", []string{"user_login", "user_email"})
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 9}, ids)
	})

	t.Run("blank term matches nothing", func(t *testing.T) {
		ids, err := store.Search(context.Background(), "  ", SearchableFields)
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("missing table is empty", func(t *testing.T) {
		mock.ExpectQuery("SELECT DISTINCT subject_id").
			WillReturnError(errors.New("no such table: user_change_log"))

		ids, err := store.Search(context.Background(), "old", []string{"user_login"})
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `a\%b\_c\\d`, escapeLike(`a%b_c\d`))
	assert.Equal(t, "plain", escapeLike("plain"))
}

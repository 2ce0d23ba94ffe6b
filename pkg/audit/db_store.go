package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/platinummonkey/warden/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "github.com/platinummonkey/warden/pkg/audit"

// Dialect selects the DDL used when creating the history table. Queries are
// shared: both drivers accept $N placeholders.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// DBStore implements Store on a SQL database
type DBStore struct {
	db      *sql.DB
	dialect Dialect
	metrics *observability.Metrics
	now     func() time.Time
}

// DBStoreOption configures a DBStore
type DBStoreOption func(*DBStore)

// WithDialect selects the schema dialect (default postgres)
func WithDialect(d Dialect) DBStoreOption {
	return func(s *DBStore) { s.dialect = d }
}

// WithMetrics records per-operation latency and outcome
func WithMetrics(m *observability.Metrics) DBStoreOption {
	return func(s *DBStore) { s.metrics = m }
}

// WithClock overrides the timestamp source for new entries
func WithClock(now func() time.Time) DBStoreOption {
	return func(s *DBStore) { s.now = now }
}

// NewDBStore creates a database-backed history store, creating the table if needed
func NewDBStore(db *sql.DB, opts ...DBStoreOption) (*DBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &DBStore{
		db:      db,
		dialect: DialectPostgres,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure user_change_log table: %w", err)
	}

	return s, nil
}

// ensureTable creates the user_change_log table and its indexes if they don't exist
func (s *DBStore) ensureTable() error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	createdAt := "created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()"
	valuePrefix := "LEFT(old_value, 191)"
	if s.dialect == DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
		createdAt = "created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP"
		valuePrefix = "SUBSTR(old_value, 1, 191)"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS user_change_log (
			` + idColumn + `,
			subject_id BIGINT NOT NULL,
			actor_id BIGINT NOT NULL DEFAULT 0,
			field_name VARCHAR(255) NOT NULL,
			field_label VARCHAR(255) NOT NULL DEFAULT '',
			old_value TEXT,
			new_value TEXT,
			change_type VARCHAR(20) NOT NULL DEFAULT 'update',
			` + createdAt + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_change_log_subject ON user_change_log(subject_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_change_log_actor ON user_change_log(actor_id)`,
		`CREATE INDEX IF NOT EXISTS idx_user_change_log_field ON user_change_log(field_name)`,
		`CREATE INDEX IF NOT EXISTS idx_user_change_log_created ON user_change_log(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_user_change_log_field_old ON user_change_log(field_name, ` + valuePrefix + `)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *DBStore) observe(op string, start time.Time, err error) {
	s.metrics.RecordStoreOperation(op, time.Since(start), err)
}

// Append inserts one entry and fills in its ID and CreatedAt
func (s *DBStore) Append(ctx context.Context, entry *Entry) (err error) {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	if !entry.ChangeType.Valid() {
		return fmt.Errorf("invalid change type %q", entry.ChangeType)
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "audit.Append",
		attribute.Int64("subject_id", entry.SubjectID),
		attribute.String("field_name", entry.FieldName),
	)
	start := time.Now()
	defer func() {
		s.observe("append", start, err)
		observability.EndSpan(span, err)
	}()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	query := `
		INSERT INTO user_change_log (
			subject_id, actor_id, field_name, field_label,
			old_value, new_value, change_type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err = s.db.QueryRowContext(ctx, query,
		entry.SubjectID, entry.ActorID, entry.FieldName, entry.FieldLabel,
		nullString(entry.OldValue), nullString(entry.NewValue),
		string(entry.ChangeType), entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert change entry: %w", err)
	}

	return nil
}

// Query returns a page of a subject's history, newest first
func (s *DBStore) Query(ctx context.Context, subjectID int64, limit, offset int) (entries []*Entry, err error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "audit.Query",
		attribute.Int64("subject_id", subjectID),
		attribute.Int("limit", limit),
		attribute.Int("offset", offset),
	)
	start := time.Now()
	defer func() {
		s.observe("query", start, err)
		observability.EndSpan(span, err)
	}()

	query := `
		SELECT id, subject_id, actor_id, field_name, field_label,
			old_value, new_value, change_type, created_at
		FROM user_change_log
		WHERE subject_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, subjectID, limit, offset)
	if err != nil {
		if isMissingTable(err) {
			return []*Entry{}, nil
		}
		return nil, fmt.Errorf("failed to query change history: %w", err)
	}
	defer rows.Close()

	entries = []*Entry{}
	for rows.Next() {
		entry, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change history: %w", err)
	}

	return entries, nil
}

// Count returns the number of entries for a subject
func (s *DBStore) Count(ctx context.Context, subjectID int64) (count int64, err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "audit.Count",
		attribute.Int64("subject_id", subjectID),
	)
	start := time.Now()
	defer func() {
		s.observe("count", start, err)
		observability.EndSpan(span, err)
	}()

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_change_log WHERE subject_id = $1`, subjectID,
	).Scan(&count)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count change history: %w", err)
	}
	return count, nil
}

// Total returns the number of entries across all subjects
func (s *DBStore) Total(ctx context.Context) (count int64, err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "audit.Total")
	start := time.Now()
	defer func() {
		s.observe("total", start, err)
		observability.EndSpan(span, err)
	}()

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_change_log`).Scan(&count)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count change history: %w", err)
	}
	return count, nil
}

// Purge deletes all entries for a subject in a single statement
func (s *DBStore) Purge(ctx context.Context, subjectID int64) (deleted int64, err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "audit.Purge",
		attribute.Int64("subject_id", subjectID),
	)
	start := time.Now()
	defer func() {
		s.observe("purge", start, err)
		observability.EndSpan(span, err)
	}()

	result, err := s.db.ExecContext(ctx, `DELETE FROM user_change_log WHERE subject_id = $1`, subjectID)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to purge change history: %w", err)
	}

	deleted, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// Search finds subjects that previously held a value containing term in any of fields.
// The match is a case-insensitive substring match against old values only.
func (s *DBStore) Search(ctx context.Context, term string, fields []string) (ids []int64, err error) {
	term = strings.TrimSpace(term)
	if term == "" || len(fields) == 0 {
		return []int64{}, nil
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "audit.Search",
		attribute.Int("fields", len(fields)),
	)
	start := time.Now()
	defer func() {
		s.observe("search", start, err)
		observability.EndSpan(span, err)
	}()

	args := []interface{}{"%" + escapeLike(strings.ToLower(term)) + "%"}
	placeholders := make([]string, len(fields))
	for i, f := range fields {
		args = append(args, f)
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}

	query := `
		SELECT DISTINCT subject_id
		FROM user_change_log
		WHERE field_name IN (` + strings.Join(placeholders, ", ") + `)
			AND old_value IS NOT NULL
			AND LOWER(old_value) LIKE $1 ESCAPE '\'
		ORDER BY subject_id
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isMissingTable(err) {
			return []int64{}, nil
		}
		return nil, fmt.Errorf("failed to search change history: %w", err)
	}
	defer rows.Close()

	ids = []int64{}
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subject id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating search results: %w", err)
	}

	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry      Entry
		oldValue   sql.NullString
		newValue   sql.NullString
		changeType string
	)

	err := row.Scan(
		&entry.ID, &entry.SubjectID, &entry.ActorID, &entry.FieldName, &entry.FieldLabel,
		&oldValue, &newValue, &changeType, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if oldValue.Valid {
		entry.OldValue = StringPtr(oldValue.String)
	}
	if newValue.Valid {
		entry.NewValue = StringPtr(newValue.String)
	}
	entry.ChangeType = ChangeType(changeType)

	return &entry, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike escapes LIKE wildcards so user input only matches literally
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// isMissingTable reports whether err means the history table does not exist yet
func isMissingTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return strings.Contains(err.Error(), "no such table")
}

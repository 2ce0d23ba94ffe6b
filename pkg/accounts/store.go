package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/audit"
)

// Store persists core account records and their auxiliary attributes.
// Attribute values are stored as JSON text.
type Store struct {
	db      *sql.DB
	dialect audit.Dialect
	now     func() time.Time
}

// NewStore creates an account store, creating its tables if needed
func NewStore(db *sql.DB, dialect audit.Dialect) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure account tables: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTables() error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	registered := "user_registered TIMESTAMP WITH TIME ZONE NOT NULL"
	if s.dialect == audit.DialectSQLite {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
		registered = "user_registered TIMESTAMP NOT NULL"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			` + idColumn + `,
			user_login VARCHAR(60) NOT NULL UNIQUE,
			user_email VARCHAR(100) NOT NULL DEFAULT '',
			user_pass VARCHAR(255) NOT NULL DEFAULT '',
			user_url VARCHAR(100),
			display_name VARCHAR(250) NOT NULL DEFAULT '',
			user_nicename VARCHAR(50) NOT NULL DEFAULT '',
			` + registered + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users(user_email)`,
		`CREATE TABLE IF NOT EXISTS user_attributes (
			` + idColumn + `,
			user_id BIGINT NOT NULL,
			attr_key VARCHAR(255) NOT NULL,
			attr_value TEXT NOT NULL,
			UNIQUE (user_id, attr_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_attributes_key ON user_attributes(attr_key)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const userColumns = `id, user_login, user_email, user_pass, user_url, display_name, user_nicename, user_registered`

// Insert stores a new record and fills in ID and Registered
func (s *Store) Insert(ctx context.Context, u *User) error {
	if u.Registered.IsZero() {
		u.Registered = s.now().UTC()
	}

	query := `
		INSERT INTO users (user_login, user_email, user_pass, user_url, display_name, user_nicename, user_registered)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		u.Login,
		u.Email,
		u.PassHash,
		nullString(u.URL),
		u.DisplayName,
		u.Nicename,
		u.Registered,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// Get loads a record by id
func (s *Store) Get(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetByLogin loads a record by login name (case-insensitive)
func (s *Store) GetByLogin(ctx context.Context, login string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(user_login) = LOWER($1)`, login)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetMany loads records by id, ordered by id. Unknown ids are skipped.
func (s *Store) GetMany(ctx context.Context, ids []int64) ([]*User, error) {
	users := []*User{}
	if len(ids) == 0 {
		return users, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LoginTaken reports whether another record than exceptID uses login
func (s *Store) LoginTaken(ctx context.Context, login string, exceptID int64) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE LOWER(user_login) = LOWER($1) AND id <> $2`,
		login, exceptID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check login: %w", err)
	}
	return count > 0, nil
}

// UpdateFields writes the given core columns. Unknown columns are rejected.
func (s *Store) UpdateFields(ctx context.Context, id int64, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}

	columns := make([]string, 0, len(fields))
	for col := range fields {
		if !isCoreColumn(col) {
			return fmt.Errorf("%w: %s", ErrInvalidField, col)
		}
		if fields[col] == nil && col != ColumnURL {
			return fmt.Errorf("%w: %s cannot be null", ErrInvalidField, col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	sets := make([]string, len(columns))
	args := make([]interface{}, 0, len(columns)+1)
	for i, col := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
		args = append(args, nullString(fields[col]))
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(columns)+1)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Search returns ids of records whose current login, email, URL, display
// name or nicename contains term (case-insensitive)
func (s *Store) Search(ctx context.Context, term string) ([]int64, error) {
	term = strings.TrimSpace(term)
	ids := []int64{}
	if term == "" {
		return ids, nil
	}

	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	query := `
		SELECT id FROM users
		WHERE LOWER(user_login) LIKE $1 ESCAPE '\'
		   OR LOWER(user_email) LIKE $1 ESCAPE '\'
		   OR LOWER(COALESCE(user_url, '')) LIKE $1 ESCAPE '\'
		   OR LOWER(display_name) LIKE $1 ESCAPE '\'
		   OR LOWER(user_nicename) LIKE $1 ESCAPE '\'
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Attribute reads one auxiliary attribute. ok is false when it is not set.
func (s *Store) Attribute(ctx context.Context, userID int64, key string) (value any, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx,
		`SELECT attr_value FROM user_attributes WHERE user_id = $1 AND attr_key = $2`,
		userID, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read attribute %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("failed to decode attribute %s: %w", key, err)
	}
	return value, true, nil
}

// SetAttribute writes one auxiliary attribute, replacing any previous value
func (s *Store) SetAttribute(ctx context.Context, userID int64, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode attribute %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_attributes (user_id, attr_key, attr_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, attr_key) DO UPDATE SET attr_value = excluded.attr_value
	`, userID, key, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write attribute %s: %w", key, err)
	}
	return nil
}

// CountAttributeValue counts records whose attribute key holds value
func (s *Store) CountAttributeValue(ctx context.Context, key string, value any) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to encode attribute %s: %w", key, err)
	}
	var count int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_attributes WHERE attr_key = $1 AND attr_value = $2`,
		key, string(raw)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count attribute %s: %w", key, err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var url sql.NullString
	err := row.Scan(
		&u.ID,
		&u.Login,
		&u.Email,
		&u.PassHash,
		&url,
		&u.DisplayName,
		&u.Nicename,
		&u.Registered,
	)
	if err != nil {
		return nil, err
	}
	if url.Valid {
		u.URL = &url.String
	}
	return &u, nil
}

func isCoreColumn(col string) bool {
	for _, c := range CoreColumns {
		if c == col {
			return true
		}
	}
	return false
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

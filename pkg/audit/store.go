package audit

import (
	"context"
)

// Store is append-only persistence for change history
type Store interface {
	// Append inserts one entry, assigning its ID and timestamp
	Append(ctx context.Context, entry *Entry) error

	// Query returns a subject's entries newest first (created_at, then id, descending).
	// An offset past the end yields an empty slice.
	Query(ctx context.Context, subjectID int64, limit, offset int) ([]*Entry, error)

	// Count returns the number of entries recorded for a subject
	Count(ctx context.Context, subjectID int64) (int64, error)

	// Purge irreversibly deletes every entry of a subject in one statement
	Purge(ctx context.Context, subjectID int64) (int64, error)

	// Search returns the distinct subjects whose historic (old) values for any of
	// fields contain term. A missing table yields an empty result.
	Search(ctx context.Context, term string, fields []string) ([]int64, error)
}

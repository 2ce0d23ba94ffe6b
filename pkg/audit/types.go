package audit

import (
	"time"
)

// ChangeType describes the nature of a recorded transition
type ChangeType string

const (
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeLock   ChangeType = "lock"
	ChangeTypeUnlock ChangeType = "unlock"
)

// Valid reports whether t is one of the known change types
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeTypeUpdate, ChangeTypeCreate, ChangeTypeLock, ChangeTypeUnlock:
		return true
	}
	return false
}

// Field name namespaces. Core columns are stored under their column name.
const (
	AttributeFieldPrefix = "meta:"
	EventFieldPrefix     = "event:"

	RoleField = "role"

	FieldAccountCreated  = EventFieldPrefix + "account_created"
	FieldAccountLocked   = EventFieldPrefix + "account_locked"
	FieldAccountUnlocked = EventFieldPrefix + "account_unlocked"
)

// AttributeField returns the field name used for an auxiliary attribute key
func AttributeField(key string) string {
	return AttributeFieldPrefix + key
}

// Entry is one immutable row of a subject's change history
type Entry struct {
	ID         int64      `json:"id"`
	SubjectID  int64      `json:"subject_id"`
	ActorID    int64      `json:"actor_id"`
	FieldName  string     `json:"field_name"`
	FieldLabel string     `json:"field_label"`
	OldValue   *string    `json:"old_value"`
	NewValue   *string    `json:"new_value"`
	ChangeType ChangeType `json:"change_type"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Change is the input to the shared write primitive
type Change struct {
	SubjectID  int64
	ActorID    int64
	FieldName  string
	FieldLabel string
	OldValue   *string
	NewValue   *string
	ChangeType ChangeType

	// Sensitive marks credential events. Values are blanked before writing
	// and the old != new guard is skipped since both sides are empty.
	Sensitive bool
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "" for nil
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// SameValue compares two nullable values strictly: nil only equals nil and
// the empty string is distinct from nil.
func SameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ExportFormat represents the format for exporting history
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// DefaultPageSize is used when a query does not supply a positive limit
const DefaultPageSize = 20

// SearchableFields is the allow-list of fields whose historic values may be
// searched to find a subject by a value it used to have.
var SearchableFields = []string{
	"user_login",
	"user_email",
	"user_url",
	"display_name",
	"user_nicename",
}

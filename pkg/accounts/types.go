package accounts

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/warden/pkg/auth"
)

// Core record columns
const (
	ColumnLogin       = "user_login"
	ColumnEmail       = "user_email"
	ColumnPassword    = "user_pass"
	ColumnURL         = "user_url"
	ColumnDisplayName = "display_name"
	ColumnNicename    = "user_nicename"
)

// CoreColumns lists the writable core columns in display order
var CoreColumns = []string{
	ColumnLogin,
	ColumnEmail,
	ColumnPassword,
	ColumnURL,
	ColumnDisplayName,
	ColumnNicename,
}

// CapabilitiesSuffix is appended to the deployment attribute prefix to form
// the role attribute key
const CapabilitiesSuffix = "capabilities"

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrLoginTaken    = errors.New("login name is already in use")
	ErrInvalidField  = errors.New("invalid field")
	ErrInvalidRecord = errors.New("login and email are required")
)

// User is the core account record
type User struct {
	ID          int64     `json:"id"`
	Login       string    `json:"login"`
	Email       string    `json:"email"`
	PassHash    string    `json:"-"`
	URL         *string   `json:"url"`
	DisplayName string    `json:"display_name"`
	Nicename    string    `json:"nicename"`
	Registered  time.Time `json:"registered"`
}

// Fields returns the record keyed by core column name
func (u *User) Fields() Fields {
	if u == nil {
		return nil
	}
	return Fields{
		ColumnLogin:       strPtr(u.Login),
		ColumnEmail:       strPtr(u.Email),
		ColumnPassword:    strPtr(u.PassHash),
		ColumnURL:         u.URL,
		ColumnDisplayName: strPtr(u.DisplayName),
		ColumnNicename:    strPtr(u.Nicename),
	}
}

// Account wraps a record the way update notifications deliver it: the core
// columns nested under Data together with the account's roles.
type Account struct {
	Data  *User
	Roles []auth.Role
}

// Fields is a set of core column values. A nil value is SQL NULL.
type Fields map[string]*string

// Observer receives account lifecycle notifications. Handlers must not fail
// the operation that notified them.
type Observer interface {
	// BeforeUpdate runs before core fields are persisted and may rewrite
	// incoming. isUpdate is false for a fresh create.
	BeforeUpdate(ctx context.Context, userID int64, incoming Fields, isUpdate bool) Fields
	// AfterUpdate runs once core fields are persisted. old is the record as
	// it was before the write.
	AfterUpdate(ctx context.Context, userID int64, old any, incoming Fields)
	// BeforeAttributeWrite runs before one auxiliary attribute is written
	BeforeAttributeWrite(ctx context.Context, userID int64, key string, value any)
	// AfterAttributeWrite runs after one auxiliary attribute is written
	AfterAttributeWrite(ctx context.Context, userID int64, key string, value any)
	// RoleAssigned runs when a role is set through AssignRole
	RoleAssigned(ctx context.Context, userID int64, newRole string, priorRoles []string)
	// Created runs once a new account exists
	Created(ctx context.Context, userID int64)
}

// NewUser is the input to Service.Create
type NewUser struct {
	Login       string    `json:"login"`
	Email       string    `json:"email"`
	Password    string    `json:"password"`
	URL         *string   `json:"url,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        auth.Role `json:"role,omitempty"`
}

// Update is the input to Service.Update
type Update struct {
	Fields     Fields         `json:"fields,omitempty"`
	Password   *string        `json:"password,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func strPtr(s string) *string {
	return &s
}

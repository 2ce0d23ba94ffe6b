package capture

import (
	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/audit"
)

// Field is a tracked field and its display label
type Field struct {
	Name  string
	Label string
}

// Registry is the fixed set of tracked core fields and auxiliary attributes.
// The role attribute key depends on the deployment prefix, so a registry is
// built once at startup.
type Registry struct {
	core    []Field
	attrs   []Field
	roleKey string
	labels  map[string]string
}

var defaultCoreFields = []Field{
	{accounts.ColumnLogin, "Username"},
	{accounts.ColumnEmail, "Email"},
	{accounts.ColumnPassword, "Password"},
	{accounts.ColumnURL, "Website"},
	{accounts.ColumnDisplayName, "Display Name"},
	{accounts.ColumnNicename, "Nicename"},
}

var defaultAttributes = []Field{
	{"first_name", "First Name"},
	{"last_name", "Last Name"},
	{"nickname", "Nickname"},
	{"description", "Biographical Info"},
}

// NewRegistry builds the tracked set with roleKey as the role attribute
func NewRegistry(roleKey string) *Registry {
	r := &Registry{
		core:    append([]Field(nil), defaultCoreFields...),
		attrs:   append(append([]Field(nil), defaultAttributes...), Field{roleKey, "Role"}),
		roleKey: roleKey,
		labels:  make(map[string]string),
	}
	for _, f := range r.core {
		r.labels[f.Name] = f.Label
	}
	for _, f := range r.attrs {
		r.labels[audit.AttributeField(f.Name)] = f.Label
	}
	return r
}

// CoreFields returns the tracked core columns in display order
func (r *Registry) CoreFields() []Field {
	return r.core
}

// Attributes returns the tracked attribute keys, role key last
func (r *Registry) Attributes() []Field {
	return r.attrs
}

// RoleKey returns the role attribute key
func (r *Registry) RoleKey() string {
	return r.roleKey
}

// IsTracked reports whether key is a tracked attribute
func (r *Registry) IsTracked(key string) bool {
	_, ok := r.labels[audit.AttributeField(key)]
	return ok
}

// Label returns the display label of a history field name
func (r *Registry) Label(fieldName string) string {
	if l, ok := r.labels[fieldName]; ok {
		return l
	}
	return fieldName
}

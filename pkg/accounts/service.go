package accounts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultAttributePrefix is the deployment prefix used when none is configured
const DefaultAttributePrefix = "wd_"

// Service is the account runtime: it applies mutations to the store and
// notifies subscribed observers around each one.
type Service struct {
	store      *Store
	observers  []Observer
	roleKey    string
	bcryptCost int
	logger     *observability.Logger
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithAttributePrefix sets the deployment prefix of the role attribute key
func WithAttributePrefix(prefix string) ServiceOption {
	return func(s *Service) {
		if prefix != "" {
			s.roleKey = prefix + CapabilitiesSuffix
		}
	}
}

// WithBcryptCost sets the password hashing cost
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) { s.bcryptCost = cost }
}

// WithLogger sets the logger used to report observer panics
func WithLogger(logger *observability.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates an account service over store
func NewService(store *Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		roleKey: DefaultAttributePrefix + CapabilitiesSuffix,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers an observer. Observers are notified in order.
func (s *Service) Subscribe(o Observer) {
	s.observers = append(s.observers, o)
}

// RoleKey returns the attribute key holding the role set
func (s *Service) RoleKey() string {
	return s.roleKey
}

// Store returns the underlying store
func (s *Service) Store() *Store {
	return s.store
}

// notify runs fn for every observer, containing panics so a misbehaving
// observer never aborts the mutation
func (s *Service) notify(ctx context.Context, event string, fn func(Observer)) {
	for _, o := range s.observers {
		func() {
			defer observability.RecoverPanic(observability.FromContextOr(ctx, s.logger), "account observer "+event)
			fn(o)
		}()
	}
}

// Get loads a record
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.store.Get(ctx, id)
}

// Create registers a new account
func (s *Service) Create(ctx context.Context, in NewUser) (*User, error) {
	login := strings.TrimSpace(in.Login)
	email := strings.TrimSpace(in.Email)
	if login == "" || email == "" {
		return nil, ErrInvalidRecord
	}

	taken, err := s.store.LoginTaken(ctx, login, 0)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrLoginTaken
	}

	var hash string
	if in.Password != "" {
		if hash, err = auth.HashPassword(in.Password, s.bcryptCost); err != nil {
			return nil, err
		}
	}

	displayName := in.DisplayName
	if displayName == "" {
		displayName = login
	}

	incoming := Fields{
		ColumnLogin:       strPtr(login),
		ColumnEmail:       strPtr(email),
		ColumnPassword:    strPtr(hash),
		ColumnURL:         in.URL,
		ColumnDisplayName: strPtr(displayName),
		ColumnNicename:    strPtr(strings.ToLower(login)),
	}
	s.notify(ctx, "before_update", func(o Observer) {
		incoming = o.BeforeUpdate(ctx, 0, incoming, false)
	})

	u := &User{URL: incoming[ColumnURL]}
	u.Login = valueOr(incoming[ColumnLogin], login)
	u.Email = valueOr(incoming[ColumnEmail], email)
	u.PassHash = valueOr(incoming[ColumnPassword], hash)
	u.DisplayName = valueOr(incoming[ColumnDisplayName], displayName)
	u.Nicename = valueOr(incoming[ColumnNicename], strings.ToLower(login))

	if err := s.store.Insert(ctx, u); err != nil {
		return nil, err
	}

	role := in.Role
	if role == "" {
		role = auth.RoleMember
	}
	if err := s.setRoles(ctx, u.ID, []auth.Role{role}); err != nil {
		return nil, err
	}

	s.notify(ctx, "created", func(o Observer) {
		o.Created(ctx, u.ID)
	})

	return u, nil
}

// Update applies core field changes, an optional password rotation and
// auxiliary attribute writes
func (s *Service) Update(ctx context.Context, id int64, in Update) (*User, error) {
	old, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	roles, err := s.Roles(ctx, id)
	if err != nil {
		return nil, err
	}

	incoming := Fields{}
	for col, v := range in.Fields {
		if !isCoreColumn(col) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidField, col)
		}
		incoming[col] = v
	}

	if login, ok := incoming[ColumnLogin]; ok && login != nil && !strings.EqualFold(*login, old.Login) {
		taken, err := s.store.LoginTaken(ctx, *login, id)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, ErrLoginTaken
		}
	}

	if in.Password != nil && *in.Password != "" {
		hash, err := auth.HashPassword(*in.Password, s.bcryptCost)
		if err != nil {
			return nil, err
		}
		incoming[ColumnPassword] = &hash
	}

	s.notify(ctx, "before_update", func(o Observer) {
		incoming = o.BeforeUpdate(ctx, id, incoming, true)
	})

	if err := s.store.UpdateFields(ctx, id, incoming); err != nil {
		return nil, err
	}

	previous := &Account{Data: old, Roles: roles}
	s.notify(ctx, "after_update", func(o Observer) {
		o.AfterUpdate(ctx, id, previous, incoming)
	})

	keys := make([]string, 0, len(in.Attributes))
	for k := range in.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.SetAttribute(ctx, id, k, in.Attributes[k]); err != nil {
			return nil, err
		}
	}

	return s.store.Get(ctx, id)
}

// Attribute reads one auxiliary attribute
func (s *Service) Attribute(ctx context.Context, id int64, key string) (any, bool, error) {
	return s.store.Attribute(ctx, id, key)
}

// SetAttribute writes one auxiliary attribute, notifying observers before
// and after the write
func (s *Service) SetAttribute(ctx context.Context, id int64, key string, value any) error {
	s.notify(ctx, "before_attribute_write", func(o Observer) {
		o.BeforeAttributeWrite(ctx, id, key, value)
	})
	if err := s.store.SetAttribute(ctx, id, key, value); err != nil {
		return err
	}
	s.notify(ctx, "after_attribute_write", func(o Observer) {
		o.AfterAttributeWrite(ctx, id, key, value)
	})
	return nil
}

// Roles returns the account's roles sorted by key
func (s *Service) Roles(ctx context.Context, id int64) ([]auth.Role, error) {
	value, _, err := s.store.Attribute(ctx, id, s.roleKey)
	if err != nil {
		return nil, err
	}
	return RolesFromValue(value), nil
}

// RolesFromValue decodes a role attribute value ({"editor": true}) into the
// granted roles, sorted by key
func RolesFromValue(value any) []auth.Role {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	roles := make([]auth.Role, 0, len(m))
	for k, v := range m {
		if granted, _ := v.(bool); granted {
			roles = append(roles, auth.Role(k))
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (s *Service) setRoles(ctx context.Context, id int64, roles []auth.Role) error {
	value := make(map[string]any, len(roles))
	for _, r := range roles {
		value[string(r)] = true
	}
	return s.SetAttribute(ctx, id, s.roleKey, value)
}

// AssignRole replaces every role with role and fires RoleAssigned
func (s *Service) AssignRole(ctx context.Context, id int64, role auth.Role) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	prior, err := s.Roles(ctx, id)
	if err != nil {
		return err
	}
	if err := s.setRoles(ctx, id, []auth.Role{role}); err != nil {
		return err
	}

	priorNames := make([]string, len(prior))
	for i, r := range prior {
		priorNames[i] = string(r)
	}
	s.notify(ctx, "role_assigned", func(o Observer) {
		o.RoleAssigned(ctx, id, string(role), priorNames)
	})
	return nil
}

// AddRole grants role in addition to the existing ones
func (s *Service) AddRole(ctx context.Context, id int64, role auth.Role) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	roles, err := s.Roles(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r == role {
			return nil
		}
	}
	return s.setRoles(ctx, id, append(roles, role))
}

// RemoveRole revokes role, keeping the others
func (s *Service) RemoveRole(ctx context.Context, id int64, role auth.Role) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	roles, err := s.Roles(ctx, id)
	if err != nil {
		return err
	}
	kept := roles[:0]
	for _, r := range roles {
		if r != role {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(roles) {
		return nil
	}
	return s.setRoles(ctx, id, kept)
}

// Identity implements auth.Directory
func (s *Service) Identity(ctx context.Context, id int64) (*auth.User, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	roles, err := s.Roles(ctx, id)
	if err != nil {
		return nil, err
	}
	return &auth.User{ID: u.ID, Login: u.Login, Email: u.Email, Roles: roles}, nil
}

// Credentials implements auth.Directory
func (s *Service) Credentials(ctx context.Context, login string) (*auth.User, string, error) {
	u, err := s.store.GetByLogin(ctx, login)
	if err != nil {
		return nil, "", err
	}
	roles, err := s.Roles(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	return &auth.User{ID: u.ID, Login: u.Login, Email: u.Email, Roles: roles}, u.PassHash, nil
}

func valueOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}

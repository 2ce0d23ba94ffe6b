package capture

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/observability"
)

const tracerName = "warden/capture"

// Directory reads the current persisted state of an account
type Directory interface {
	Get(ctx context.Context, id int64) (*accounts.User, error)
	Attribute(ctx context.Context, id int64, key string) (any, bool, error)
}

// Engine turns account lifecycle notifications into history entries. It
// implements accounts.Observer.
//
// Within a request (see Begin and Middleware) pre-mutation state is
// snapshotted and role changes made through the generic attribute path are
// deferred to Finalize, so a role that moves Z→X→Y is logged once as Z→Y.
// Without a tracker every notification is handled as a single operation.
type Engine struct {
	dir      Directory
	recorder *audit.Recorder
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the engine metrics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// NewEngine creates a capture engine
func NewEngine(dir Directory, recorder *audit.Recorder, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		dir:      dir,
		recorder: recorder,
		registry: registry,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ accounts.Observer = (*Engine)(nil)

func (e *Engine) log(ctx context.Context) *observability.Logger {
	return observability.FromContextOr(ctx, e.logger)
}

// active returns the live tracker of ctx, or nil when there is none or it
// has been finalized
func active(ctx context.Context) *Tracker {
	t := FromContext(ctx)
	if t == nil || t.Finalized() {
		return nil
	}
	return t
}

// actor resolves who is acting; self-service operations without an
// authenticated actor are attributed to the subject
func actor(ctx context.Context, subjectID int64) int64 {
	if id, ok := auth.ActorFromContext(ctx); ok {
		return id
	}
	return subjectID
}

func (e *Engine) currentAttribute(ctx context.Context, subjectID int64, key string) (string, error) {
	value, _, err := e.dir.Attribute(ctx, subjectID, key)
	if err != nil {
		return "", err
	}
	if key == e.registry.RoleKey() {
		return formatRoles(value), nil
	}
	return formatValue(value), nil
}

// BeforeUpdate snapshots the subject's record and tracked attributes ahead
// of an update. incoming is returned unchanged.
func (e *Engine) BeforeUpdate(ctx context.Context, subjectID int64, incoming accounts.Fields, isUpdate bool) accounts.Fields {
	if !isUpdate {
		return incoming
	}
	t := active(ctx)
	if t == nil {
		return incoming
	}

	u, err := e.dir.Get(ctx, subjectID)
	if err != nil {
		e.log(ctx).WithError(err).WithField("subject_id", subjectID).Warn("failed to snapshot account before update")
		return incoming
	}

	attrs := make(map[string]*string, len(e.registry.Attributes()))
	for _, f := range e.registry.Attributes() {
		v, err := e.currentAttribute(ctx, subjectID, f.Name)
		if err != nil {
			e.log(ctx).WithError(err).WithField("attribute", f.Name).Warn("failed to snapshot attribute")
			continue
		}
		attrs[f.Name] = audit.StringPtr(v)
	}

	t.mu.Lock()
	s := t.snapshotFor(subjectID)
	s.record = normalizeBaseline(u)
	for k, v := range attrs {
		s.attrs[k] = v
	}
	t.mu.Unlock()

	return incoming
}

// AfterUpdate writes one entry per changed core field. The baseline is the
// request snapshot when there is one, otherwise old.
func (e *Engine) AfterUpdate(ctx context.Context, subjectID int64, old any, incoming accounts.Fields) {
	var baseline map[string]*string
	if t := active(ctx); t != nil {
		t.mu.Lock()
		if s, ok := t.snapshots[subjectID]; ok && s.record != nil {
			baseline = s.record
			s.record = nil
		}
		t.mu.Unlock()
	}
	if baseline == nil {
		baseline = normalizeBaseline(old)
	}
	if baseline == nil {
		e.log(ctx).WithField("subject_id", subjectID).Debug("no baseline for update, skipping diff")
		return
	}

	actorID := actor(ctx, subjectID)
	var current map[string]*string
	for _, f := range e.registry.CoreFields() {
		if f.Name == accounts.ColumnPassword {
			e.logCredentialChange(ctx, subjectID, actorID, f, baseline, incoming)
			continue
		}

		oldValue, known := baseline[f.Name]
		if !known {
			continue
		}

		newValue, ok := incoming[f.Name]
		if !ok {
			if current == nil {
				u, err := e.dir.Get(ctx, subjectID)
				if err != nil {
					e.log(ctx).WithError(err).WithField("subject_id", subjectID).Warn("failed to re-read account after update")
					return
				}
				current = u.Fields()
			}
			newValue = current[f.Name]
		}

		e.recorder.LogChange(ctx, audit.Change{
			SubjectID:  subjectID,
			ActorID:    actorID,
			FieldName:  f.Name,
			FieldLabel: f.Label,
			OldValue:   oldValue,
			NewValue:   newValue,
			ChangeType: audit.ChangeTypeUpdate,
		})
	}
}

// logCredentialChange records a content-free entry when a new, non-empty
// credential differing from the stored hash was supplied
func (e *Engine) logCredentialChange(ctx context.Context, subjectID, actorID int64, f Field, baseline, incoming map[string]*string) {
	newHash, ok := incoming[f.Name]
	if !ok || newHash == nil || *newHash == "" {
		return
	}
	if *newHash == audit.Deref(baseline[f.Name]) {
		return
	}
	e.recorder.LogChange(ctx, audit.Change{
		SubjectID:  subjectID,
		ActorID:    actorID,
		FieldName:  f.Name,
		FieldLabel: f.Label,
		ChangeType: audit.ChangeTypeUpdate,
		Sensitive:  true,
	})
}

// BeforeAttributeWrite records the current value of a tracked attribute
// about to be overwritten
func (e *Engine) BeforeAttributeWrite(ctx context.Context, subjectID int64, key string, value any) {
	if !e.registry.IsTracked(key) {
		return
	}
	t := active(ctx)
	if t == nil {
		return
	}

	if key == e.registry.RoleKey() {
		t.mu.Lock()
		_, pending := t.roles[subjectID]
		s, hasSnap := t.snapshots[subjectID]
		captured := hasSnap && s.attrs[key] != nil
		t.mu.Unlock()
		// the first pre-change role value of the request is the one that counts
		if pending || captured {
			return
		}
	}

	current, err := e.currentAttribute(ctx, subjectID, key)
	if err != nil {
		e.log(ctx).WithError(err).WithField("attribute", key).Warn("failed to snapshot attribute before write")
		return
	}

	t.mu.Lock()
	t.snapshotFor(subjectID).attrs[key] = audit.StringPtr(current)
	t.mu.Unlock()
}

// AfterAttributeWrite logs a tracked attribute change. Role changes are
// deferred to Finalize.
func (e *Engine) AfterAttributeWrite(ctx context.Context, subjectID int64, key string, value any) {
	if !e.registry.IsTracked(key) {
		return
	}
	t := active(ctx)
	if t == nil {
		e.log(ctx).WithFields(map[string]interface{}{
			"subject_id": subjectID,
			"attribute":  key,
		}).Debug("attribute written outside a capture scope, no baseline to diff against")
		return
	}

	if key == e.registry.RoleKey() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, pending := t.roles[subjectID]; pending {
			return
		}
		old := ""
		if s, ok := t.snapshots[subjectID]; ok {
			old = audit.Deref(s.attrs[key])
			delete(s.attrs, key)
		}
		t.roles[subjectID] = &roleTransition{old: old, actor: actor(ctx, subjectID)}
		t.roleOrder = append(t.roleOrder, subjectID)
		return
	}

	old := ""
	t.mu.Lock()
	if s, ok := t.snapshots[subjectID]; ok {
		old = audit.Deref(s.attrs[key])
		delete(s.attrs, key)
	}
	t.mu.Unlock()

	e.recorder.LogChange(ctx, audit.Change{
		SubjectID:  subjectID,
		ActorID:    actor(ctx, subjectID),
		FieldName:  audit.AttributeField(key),
		FieldLabel: e.registry.Label(audit.AttributeField(key)),
		OldValue:   audit.StringPtr(old),
		NewValue:   audit.StringPtr(formatValue(value)),
		ChangeType: audit.ChangeTypeUpdate,
	})
}

// RoleAssigned logs a role set through the dedicated assignment path. Once
// logged, the deferred transition of the same subject is dropped.
func (e *Engine) RoleAssigned(ctx context.Context, subjectID int64, newRole string, priorRoles []string) {
	t := FromContext(ctx)
	late := false
	if t != nil {
		t.mu.Lock()
		late = t.finalized
		logged := t.loggedRole[subjectID]
		t.mu.Unlock()
		if logged && !late {
			return
		}
	}

	if late {
		e.log(ctx).WithField("subject_id", subjectID).Debug("role assignment notified after finalize, logging immediately")
		e.metrics.RecordLateRoleNotification()
	}

	written := e.recorder.LogChange(ctx, audit.Change{
		SubjectID:  subjectID,
		ActorID:    actor(ctx, subjectID),
		FieldName:  audit.RoleField,
		FieldLabel: "Role",
		OldValue:   audit.StringPtr(formatRoleNames(priorRoles)),
		NewValue:   audit.StringPtr(formatRoleNames([]string{newRole})),
		ChangeType: audit.ChangeTypeUpdate,
	})

	if written && t != nil && !late {
		t.mu.Lock()
		t.loggedRole[subjectID] = true
		t.mu.Unlock()
	}
}

// Created writes the account creation entry
func (e *Engine) Created(ctx context.Context, subjectID int64) {
	u, err := e.dir.Get(ctx, subjectID)
	if err != nil {
		e.log(ctx).WithError(err).WithField("subject_id", subjectID).Warn("failed to read created account")
		return
	}
	e.recorder.LogChange(ctx, audit.Change{
		SubjectID:  subjectID,
		ActorID:    actor(ctx, subjectID),
		FieldName:  audit.FieldAccountCreated,
		FieldLabel: "Account Created",
		NewValue:   audit.StringPtr(u.Email),
		ChangeType: audit.ChangeTypeCreate,
	})
}

// Finalize closes the tracker of ctx and writes the deferred role
// transitions, each compared against the role as finally persisted and
// credited to the actor who started it. It must run after every other
// account mutation of the request.
func (e *Engine) Finalize(ctx context.Context) {
	t := FromContext(ctx)
	if t == nil {
		return
	}

	type pendingRole struct {
		subjectID  int64
		transition roleTransition
	}

	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return
	}
	t.finalized = true
	pending := make([]pendingRole, 0, len(t.roleOrder))
	for _, id := range t.roleOrder {
		if t.loggedRole[id] {
			continue
		}
		pending = append(pending, pendingRole{subjectID: id, transition: *t.roles[id]})
	}
	t.snapshots = nil
	t.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "capture.Finalize",
		attribute.Int("pending_roles", len(pending)))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	for _, p := range pending {
		final, err := e.currentAttribute(ctx, p.subjectID, e.registry.RoleKey())
		if err != nil {
			spanErr = err
			e.log(ctx).WithError(err).WithField("subject_id", p.subjectID).Warn("failed to read final role")
			continue
		}
		e.recorder.LogChange(ctx, audit.Change{
			SubjectID:  p.subjectID,
			ActorID:    p.transition.actor,
			FieldName:  audit.RoleField,
			FieldLabel: "Role",
			OldValue:   audit.StringPtr(p.transition.old),
			NewValue:   audit.StringPtr(final),
			ChangeType: audit.ChangeTypeUpdate,
		})
	}
}

package audit

import (
	"context"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Recorder is the single write path into the history store. Every observed
// transition, synthetic event and lock flip is written through LogChange.
//
// Storage failures are logged and swallowed: a history write never fails the
// operation that produced it.
type Recorder struct {
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRecorder creates a recorder over store. logger and metrics may be nil.
func NewRecorder(store Store, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// LogChange appends one entry. It returns false when nothing was written,
// either because the change is a no-op or because the store failed.
func (r *Recorder) LogChange(ctx context.Context, c Change) bool {
	if r == nil || r.store == nil {
		return false
	}
	if c.ChangeType == "" {
		c.ChangeType = ChangeTypeUpdate
	}

	if c.Sensitive {
		c.OldValue = StringPtr("")
		c.NewValue = StringPtr("")
	} else if c.ChangeType == ChangeTypeUpdate && SameValue(c.OldValue, c.NewValue) {
		return false
	}

	entry := &Entry{
		SubjectID:  c.SubjectID,
		ActorID:    c.ActorID,
		FieldName:  c.FieldName,
		FieldLabel: c.FieldLabel,
		OldValue:   c.OldValue,
		NewValue:   c.NewValue,
		ChangeType: c.ChangeType,
	}

	err := r.store.Append(ctx, entry)
	r.metrics.RecordAuditEntry(string(c.ChangeType), err)
	if err != nil {
		observability.FromContextOr(ctx, r.logger).WithFields(map[string]interface{}{
			"subject_id":  c.SubjectID,
			"actor_id":    c.ActorID,
			"field_name":  c.FieldName,
			"change_type": string(c.ChangeType),
		}).WithError(err).Warn("failed to record change history")
		return false
	}

	return true
}

// Store returns the underlying store
func (r *Recorder) Store() Store {
	return r.store
}

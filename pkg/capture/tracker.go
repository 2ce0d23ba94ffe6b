package capture

import (
	"context"
	"sync"

	"github.com/platinummonkey/warden/pkg/contextkeys"
)

// snapshot is the pre-mutation state of one subject
type snapshot struct {
	// core column values, nil once consumed
	record map[string]*string
	// formatted tracked attribute values keyed by attribute key
	attrs map[string]*string
}

// roleTransition is a role change whose final value is resolved at Finalize
type roleTransition struct {
	old   string
	actor int64
}

// Tracker is the request-scoped capture state. It is created per request by
// Begin and discarded after Finalize; it must never outlive the request.
type Tracker struct {
	mu         sync.Mutex
	snapshots  map[int64]*snapshot
	roles      map[int64]*roleTransition
	roleOrder  []int64
	loggedRole map[int64]bool
	finalized  bool
}

func newTracker() *Tracker {
	return &Tracker{
		snapshots:  make(map[int64]*snapshot),
		roles:      make(map[int64]*roleTransition),
		loggedRole: make(map[int64]bool),
	}
}

// Begin attaches a fresh tracker to ctx
func Begin(ctx context.Context) (context.Context, *Tracker) {
	t := newTracker()
	return context.WithValue(ctx, contextkeys.CaptureKey, t), t
}

// FromContext returns the tracker attached by Begin, or nil
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(contextkeys.CaptureKey).(*Tracker)
	return t
}

// Finalized reports whether Finalize has run for this tracker
func (t *Tracker) Finalized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized
}

// snapshotFor returns the snapshot of subjectID, creating it if needed.
// Callers hold t.mu.
func (t *Tracker) snapshotFor(subjectID int64) *snapshot {
	s, ok := t.snapshots[subjectID]
	if !ok {
		s = &snapshot{attrs: make(map[string]*string)}
		t.snapshots[subjectID] = s
	}
	return s
}

package suspension

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/observability"
)

// LockAttribute is the auxiliary attribute holding the lock flag
const LockAttribute = "account_locked"

const lockedValue = "1"

var (
	// ErrSelfLock is returned when an actor tries to lock their own account
	ErrSelfLock = errors.New("you cannot lock your own account")
	// ErrProtectedSubject is returned for accounts exempt from suspension
	ErrProtectedSubject = errors.New("this account cannot be locked")
	// ErrAccountLocked is wrapped by every *LockedError
	ErrAccountLocked = errors.New("account is locked")
)

// LockedError rejects an authentication attempt for a locked account. Its
// message is the operator-configured notice.
type LockedError struct {
	Message string
}

func (e *LockedError) Error() string {
	return e.Message
}

func (e *LockedError) Unwrap() error {
	return ErrAccountLocked
}

// Attributes reads and writes auxiliary account attributes
type Attributes interface {
	Attribute(ctx context.Context, userID int64, key string) (any, bool, error)
	SetAttribute(ctx context.Context, userID int64, key string, value any) error
}

// RoleSource reports an account's roles
type RoleSource interface {
	Roles(ctx context.Context, userID int64) ([]auth.Role, error)
}

// SessionInvalidator ends every live session of an account
type SessionInvalidator interface {
	DestroyAll(ctx context.Context, userID int64) (int, error)
}

// Result reports whether a lock or unlock changed anything
type Result struct {
	Locked  bool `json:"locked"`
	Changed bool `json:"changed"`
}

// Options configures a Controller
type Options struct {
	Message          string
	ProtectedUserIDs []int64
	Logger           *observability.Logger
	Metrics          *observability.Metrics
}

// Controller toggles the lock flag, writes lock history and refuses
// authentication for locked accounts. It implements auth.Gate.
type Controller struct {
	attrs     Attributes
	roles     RoleSource
	sessions  SessionInvalidator
	recorder  *audit.Recorder
	protected map[int64]bool
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu      sync.RWMutex
	message string
}

// NewController creates a suspension controller. sessions may be nil.
func NewController(attrs Attributes, roles RoleSource, sessions SessionInvalidator, recorder *audit.Recorder, opts Options) *Controller {
	c := &Controller{
		attrs:     attrs,
		roles:     roles,
		sessions:  sessions,
		recorder:  recorder,
		protected: make(map[int64]bool, len(opts.ProtectedUserIDs)),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if c.logger == nil {
		c.logger = observability.NopLogger()
	}
	for _, id := range opts.ProtectedUserIDs {
		c.protected[id] = true
	}
	c.SetMessage(opts.Message)
	return c
}

// SetMessage replaces the rejection notice. A blank message restores the default.
func (c *Controller) SetMessage(message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = config.DefaultLockedMessage
	}
	c.mu.Lock()
	c.message = message
	c.mu.Unlock()
}

// Message returns the current rejection notice
func (c *Controller) Message() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.message
}

// IsLocked reports whether subjectID is locked
func (c *Controller) IsLocked(ctx context.Context, subjectID int64) (bool, error) {
	value, ok, err := c.attrs.Attribute(ctx, subjectID, LockAttribute)
	if err != nil {
		return false, fmt.Errorf("failed to read lock flag: %w", err)
	}
	if !ok {
		return false, nil
	}
	switch v := value.(type) {
	case string:
		return v == lockedValue, nil
	case bool:
		return v, nil
	case float64:
		return v == 1, nil
	}
	return false, nil
}

// IsProtected reports whether subjectID is exempt from suspension
func (c *Controller) IsProtected(ctx context.Context, subjectID int64) (bool, error) {
	if c.protected[subjectID] {
		return true, nil
	}
	if c.roles == nil {
		return false, nil
	}
	roles, err := c.roles.Roles(ctx, subjectID)
	if err != nil {
		return false, fmt.Errorf("failed to read roles: %w", err)
	}
	for _, r := range roles {
		if r == auth.RoleOwner {
			return true, nil
		}
	}
	return false, nil
}

// Lock locks subjectID on behalf of actorID. Locking an already locked
// account succeeds without writing history.
func (c *Controller) Lock(ctx context.Context, actorID, subjectID int64) (Result, error) {
	if actorID == subjectID {
		return Result{}, ErrSelfLock
	}
	protected, err := c.IsProtected(ctx, subjectID)
	if err != nil {
		return Result{}, err
	}
	if protected {
		return Result{}, ErrProtectedSubject
	}

	locked, err := c.IsLocked(ctx, subjectID)
	if err != nil {
		return Result{}, err
	}
	if locked {
		return Result{Locked: true}, nil
	}

	if err := c.attrs.SetAttribute(ctx, subjectID, LockAttribute, lockedValue); err != nil {
		return Result{}, fmt.Errorf("failed to set lock flag: %w", err)
	}

	logger := observability.FromContextOr(ctx, c.logger).WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"actor_id":   actorID,
	})
	if c.sessions != nil {
		n, err := c.sessions.DestroyAll(ctx, subjectID)
		if err != nil {
			// The session gate still rejects them on next use
			logger.WithError(err).Warn("failed to invalidate sessions of locked account")
		} else {
			logger.WithField("sessions", n).Debug("invalidated sessions of locked account")
		}
	}

	c.recorder.LogChange(ctx, audit.Change{
		SubjectID:  subjectID,
		ActorID:    actorID,
		FieldName:  audit.FieldAccountLocked,
		FieldLabel: "Account Locked",
		OldValue:   audit.StringPtr("active"),
		NewValue:   audit.StringPtr("locked"),
		ChangeType: audit.ChangeTypeLock,
	})
	c.metrics.RecordLockTransition("lock")
	logger.Info("account locked")

	return Result{Locked: true, Changed: true}, nil
}

// Unlock reinstates subjectID. Unlocking an active account succeeds without
// writing history.
func (c *Controller) Unlock(ctx context.Context, actorID, subjectID int64) (Result, error) {
	locked, err := c.IsLocked(ctx, subjectID)
	if err != nil {
		return Result{}, err
	}
	if !locked {
		return Result{}, nil
	}

	if err := c.attrs.SetAttribute(ctx, subjectID, LockAttribute, ""); err != nil {
		return Result{}, fmt.Errorf("failed to clear lock flag: %w", err)
	}

	c.recorder.LogChange(ctx, audit.Change{
		SubjectID:  subjectID,
		ActorID:    actorID,
		FieldName:  audit.FieldAccountUnlocked,
		FieldLabel: "Account Unlocked",
		OldValue:   audit.StringPtr("locked"),
		NewValue:   audit.StringPtr("active"),
		ChangeType: audit.ChangeTypeUnlock,
	})
	c.metrics.RecordLockTransition("unlock")
	observability.FromContextOr(ctx, c.logger).WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"actor_id":   actorID,
	}).Info("account unlocked")

	return Result{Changed: true}, nil
}

func (c *Controller) check(ctx context.Context, method auth.Method, user *auth.User) error {
	if user == nil {
		return nil
	}
	locked, err := c.IsLocked(ctx, user.ID)
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	c.metrics.RecordAuthRejection(string(method))
	return &LockedError{Message: c.Message()}
}

// CheckLogin rejects password logins of locked accounts
func (c *Controller) CheckLogin(ctx context.Context, user *auth.User) error {
	return c.check(ctx, auth.MethodPassword, user)
}

// CheckSession rejects session use by locked accounts on every request.
// Trusted automation contexts are exempt so operators keep a recovery path.
func (c *Controller) CheckSession(ctx context.Context, user *auth.User) error {
	if contextkeys.IsTrustedAutomation(ctx) {
		return nil
	}
	return c.check(ctx, auth.MethodSession, user)
}

// CheckAppCredential rejects app credentials owned by locked accounts
func (c *Controller) CheckAppCredential(ctx context.Context, user *auth.User) error {
	return c.check(ctx, auth.MethodAppCredential, user)
}

// LockedCount is implemented by stores that can count locked accounts
type LockedCount interface {
	CountAttributeValue(ctx context.Context, key string, value any) (int64, error)
}

// CountLocked returns the number of locked accounts
func CountLocked(ctx context.Context, store LockedCount) (int64, error) {
	return store.CountAttributeValue(ctx, LockAttribute, lockedValue)
}

package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/suspension"
)

// MaxPageSize caps the history page size
const MaxPageSize = 100

// ErrArchiveDisabled is returned when no archive bucket is configured
var ErrArchiveDisabled = errors.New("history archive is not configured")

// Accounts is the account record storage the administrative operations use.
// Writes through it bypass lifecycle notifications.
type Accounts interface {
	Directory
	Get(ctx context.Context, id int64) (*accounts.User, error)
	Search(ctx context.Context, term string) ([]int64, error)
	LoginTaken(ctx context.Context, login string, exceptID int64) (bool, error)
	UpdateFields(ctx context.Context, id int64, fields accounts.Fields) error
}

// Locks toggles and reports account suspension
type Locks interface {
	Lock(ctx context.Context, actorID, subjectID int64) (suspension.Result, error)
	Unlock(ctx context.Context, actorID, subjectID int64) (suspension.Result, error)
	IsLocked(ctx context.Context, subjectID int64) (bool, error)
}

// Service implements the administrative operations shared by the HTTP
// surface and wardenctl
type Service struct {
	accounts Accounts
	history  audit.Store
	recorder *audit.Recorder
	locks    Locks
	sessions suspension.SessionInvalidator
	archiver *audit.Archiver
	names    *nameCache
	logger   *observability.Logger
}

// Config holds the optional collaborators of a Service
type Config struct {
	// Sessions is used to end sessions after a rename. May be nil.
	Sessions suspension.SessionInvalidator
	// Archiver uploads history exports. May be nil.
	Archiver  *audit.Archiver
	NameCache NameCacheConfig
	Logger    *observability.Logger
	Metrics   *observability.Metrics
}

// NewService creates the administrative service
func NewService(accts Accounts, recorder *audit.Recorder, locks Locks, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.NameCache.MaxEntries == 0 {
		cfg.NameCache = DefaultNameCacheConfig()
	}
	return &Service{
		accounts: accts,
		history:  recorder.Store(),
		recorder: recorder,
		locks:    locks,
		sessions: cfg.Sessions,
		archiver: cfg.Archiver,
		names:    newNameCache(accts, cfg.NameCache, cfg.Metrics),
		logger:   logger,
	}
}

// HistoryEntry is a history row with the actor's display name
type HistoryEntry struct {
	*audit.Entry
	ActorName string `json:"actor_name"`
}

// HistoryPage is one page of a subject's history, newest first
type HistoryPage struct {
	Entries []HistoryEntry `json:"entries"`
	Total   int64          `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// History returns a page of a subject's history with the total entry count
func (s *Service) History(ctx context.Context, subjectID int64, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = audit.DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.history.Query(ctx, subjectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	total, err := s.history.Count(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ActorID)
	}
	names, err := s.names.Resolve(ctx, ids)
	if err != nil {
		// Names are cosmetic; show the page without them
		observability.FromContextOr(ctx, s.logger).WithError(err).Warn("failed to resolve actor names")
		names = map[int64]string{}
	}

	page := &HistoryPage{
		Entries: make([]HistoryEntry, 0, len(entries)),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}
	for _, e := range entries {
		page.Entries = append(page.Entries, HistoryEntry{Entry: e, ActorName: names[e.ActorID]})
	}
	return page, nil
}

// Count returns the number of history entries of a subject
func (s *Service) Count(ctx context.Context, subjectID int64) (int64, error) {
	return s.history.Count(ctx, subjectID)
}

// Purge deletes a subject's entire history
func (s *Service) Purge(ctx context.Context, actorID, subjectID int64) (int64, error) {
	deleted, err := s.history.Purge(ctx, subjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge history: %w", err)
	}
	observability.FromContextOr(ctx, s.logger).WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"actor_id":   actorID,
		"deleted":    deleted,
	}).Info("history purged")
	return deleted, nil
}

// Export renders a subject's full history
func (s *Service) Export(ctx context.Context, subjectID int64, format audit.ExportFormat) ([]byte, error) {
	entries, err := audit.Collect(ctx, s.history, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect history: %w", err)
	}
	return audit.Export(entries, format)
}

// ArchiveEnabled reports whether Archive can run
func (s *Service) ArchiveEnabled() bool {
	return s.archiver != nil
}

// Archive uploads a subject's full history and returns the object key
func (s *Service) Archive(ctx context.Context, subjectID int64, format audit.ExportFormat) (string, error) {
	if s.archiver == nil {
		return "", ErrArchiveDisabled
	}
	key, err := s.archiver.Archive(ctx, subjectID, format)
	if err != nil {
		return "", err
	}
	observability.FromContextOr(ctx, s.logger).WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"key":        key,
	}).Info("history archived")
	return key, nil
}

// LockStatus is the suspension state of one account
type LockStatus struct {
	ID     int64 `json:"id"`
	Locked bool  `json:"locked"`
}

// Status reports whether an account is locked
func (s *Service) Status(ctx context.Context, subjectID int64) (*LockStatus, error) {
	if _, err := s.accounts.Get(ctx, subjectID); err != nil {
		return nil, err
	}
	locked, err := s.locks.IsLocked(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return &LockStatus{ID: subjectID, Locked: locked}, nil
}

// Lock suspends an account
func (s *Service) Lock(ctx context.Context, actorID, subjectID int64) (suspension.Result, error) {
	if _, err := s.accounts.Get(ctx, subjectID); err != nil {
		return suspension.Result{}, err
	}
	return s.locks.Lock(ctx, actorID, subjectID)
}

// Unlock reinstates an account
func (s *Service) Unlock(ctx context.Context, actorID, subjectID int64) (suspension.Result, error) {
	if _, err := s.accounts.Get(ctx, subjectID); err != nil {
		return suspension.Result{}, err
	}
	return s.locks.Unlock(ctx, actorID, subjectID)
}

// RenameLogin changes an account's login name, records the change and ends
// the account's sessions
func (s *Service) RenameLogin(ctx context.Context, actorID, subjectID int64, requested string) (*accounts.User, error) {
	name, err := NormalizeLogin(requested)
	if err != nil {
		return nil, err
	}

	u, err := s.accounts.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(u.Login, name) {
		return nil, ErrLoginUnchanged
	}

	taken, err := s.accounts.LoginTaken(ctx, name, subjectID)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrLoginUnavailable
	}

	if err := s.accounts.UpdateFields(ctx, subjectID, accounts.Fields{accounts.ColumnLogin: &name}); err != nil {
		return nil, fmt.Errorf("failed to rename account: %w", err)
	}

	s.recorder.LogChange(ctx, audit.Change{
		SubjectID:  subjectID,
		ActorID:    actorID,
		FieldName:  accounts.ColumnLogin,
		FieldLabel: "Username",
		OldValue:   audit.StringPtr(u.Login),
		NewValue:   audit.StringPtr(name),
		ChangeType: audit.ChangeTypeUpdate,
	})
	s.names.Forget(subjectID)

	logger := observability.FromContextOr(ctx, s.logger).WithFields(map[string]interface{}{
		"subject_id": subjectID,
		"actor_id":   actorID,
	})
	if s.sessions != nil {
		if _, err := s.sessions.DestroyAll(ctx, subjectID); err != nil {
			logger.WithError(err).Warn("failed to invalidate sessions after rename")
		}
	}
	logger.Info("login name changed")

	return s.accounts.Get(ctx, subjectID)
}

// Search returns accounts whose current fields or historic values contain
// term, ordered by id
func (s *Service) Search(ctx context.Context, term string) ([]*accounts.User, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return []*accounts.User{}, nil
	}

	current, err := s.accounts.Search(ctx, term)
	if err != nil {
		return nil, err
	}
	historic, err := s.history.Search(ctx, term, audit.SearchableFields)
	if err != nil {
		return nil, fmt.Errorf("failed to search history: %w", err)
	}

	seen := make(map[int64]bool, len(current)+len(historic))
	ids := make([]int64, 0, len(current)+len(historic))
	for _, set := range [][]int64{current, historic} {
		for _, id := range set {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	users, err := s.accounts.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []*accounts.User{}
	}
	return users, nil
}

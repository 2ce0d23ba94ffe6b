package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/async"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/suspension"
)

const archiveTimeout = 5 * time.Minute

// Handlers provides the administrative HTTP endpoints
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates administrative handlers
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers the administrative routes. Every route requires
// an authenticated caller with the users:read or users:write capability.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	read := middleware.RequireScope(auth.ScopeUsersRead)
	write := middleware.RequireScope(auth.ScopeUsersWrite)

	router.Handle("/users/search", read(http.HandlerFunc(h.Search))).Methods("GET")

	// History
	router.Handle("/users/{id:[0-9]+}/history", read(http.HandlerFunc(h.History))).Methods("GET")
	router.Handle("/users/{id:[0-9]+}/history", write(http.HandlerFunc(h.Purge))).Methods("DELETE")
	router.Handle("/users/{id:[0-9]+}/history/count", read(http.HandlerFunc(h.Count))).Methods("GET")
	router.Handle("/users/{id:[0-9]+}/history/export", read(http.HandlerFunc(h.Export))).Methods("GET")
	router.Handle("/users/{id:[0-9]+}/history/archive", write(http.HandlerFunc(h.Archive))).Methods("POST")

	// Suspension
	router.Handle("/users/{id:[0-9]+}/lock", read(http.HandlerFunc(h.Status))).Methods("GET")
	router.Handle("/users/{id:[0-9]+}/lock", write(http.HandlerFunc(h.Lock))).Methods("POST")
	router.Handle("/users/{id:[0-9]+}/unlock", write(http.HandlerFunc(h.Unlock))).Methods("POST")

	router.Handle("/users/{id:[0-9]+}/login-name", write(http.HandlerFunc(h.RenameLogin))).Methods("POST")
}

// History handles GET /users/{id}/history?limit=&offset=
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", audit.DefaultPageSize)
	if !ok {
		return
	}
	offset, ok := httputil.ParseQueryIntOrError(w, r, "offset", 0)
	if !ok {
		return
	}

	page, err := h.service.History(r.Context(), id, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// Count handles GET /users/{id}/history/count
func (h *Handlers) Count(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	count, err := h.service.Count(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"id":    id,
		"count": count,
	})
}

// Purge handles DELETE /users/{id}/history
func (h *Handlers) Purge(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	deleted, err := h.service.Purge(r.Context(), actorID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccessMessage(w, http.StatusOK, "history purged", map[string]interface{}{
		"id":      id,
		"deleted": deleted,
	})
}

// Export handles GET /users/{id}/history/export?format=
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	data, err := h.service.Export(r.Context(), id, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=history-%d.%s", id, format.Extension()))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Archive handles POST /users/{id}/history/archive?format=. The upload runs
// in the background; the response only acknowledges it.
func (h *Handlers) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !h.service.ArchiveEnabled() {
		httputil.WriteServiceUnavailable(w, ErrArchiveDisabled.Error())
		return
	}

	async.SafeGo(r.Context(), archiveTimeout, "history archive", func(ctx context.Context) error {
		_, err := h.service.Archive(ctx, id, format)
		return err
	})

	httputil.WriteSuccessMessage(w, http.StatusAccepted, "archive started", map[string]interface{}{
		"id":     id,
		"format": format,
	})
}

// Status handles GET /users/{id}/lock
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	status, err := h.service.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, status)
}

// Lock handles POST /users/{id}/lock
func (h *Handlers) Lock(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Lock, "account locked", "account already locked")
}

// Unlock handles POST /users/{id}/unlock
func (h *Handlers) Unlock(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Unlock, "account unlocked", "account is not locked")
}

func (h *Handlers) toggle(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, actorID, subjectID int64) (suspension.Result, error),
	changed, unchanged string) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	result, err := op(r.Context(), actorID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	message := changed
	if !result.Changed {
		message = unchanged
	}
	httputil.WriteSuccessMessage(w, http.StatusOK, message, map[string]interface{}{
		"id":      id,
		"locked":  result.Locked,
		"changed": result.Changed,
	})
}

type renameRequest struct {
	Login string `json:"login"`
}

// RenameLogin handles POST /users/{id}/login-name
func (h *Handlers) RenameLogin(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req renameRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	u, err := h.service.RenameLogin(r.Context(), actorID, id, req.Login)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccessMessage(w, http.StatusOK, "login name changed", u)
}

// Search handles GET /users/search?q=
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	term := r.URL.Query().Get("q")
	if term == "" {
		httputil.WriteBadRequest(w, "q is required")
		return
	}

	users, err := h.service.Search(r.Context(), term)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"users": users,
		"count": len(users),
	})
}

func requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := auth.ActorFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return 0, false
	}
	return actorID, true
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, accounts.ErrUserNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, suspension.ErrSelfLock), validationError(err):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, suspension.ErrProtectedSubject):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, ErrLoginUnavailable):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrArchiveDisabled):
		httputil.WriteServiceUnavailable(w, err.Error())
	default:
		observability.FromContextOr(r.Context(), h.logger).WithError(err).Error("admin request failed")
		httputil.WriteInternalError(w, err)
	}
}

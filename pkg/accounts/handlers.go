package accounts

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/suspension"
)

// PasswordAuthenticator verifies login names and passwords
type PasswordAuthenticator interface {
	Password(ctx context.Context, login, password string) (*auth.AuthContext, error)
}

// SessionIssuer creates and ends session tokens
type SessionIssuer interface {
	Create(ctx context.Context, userID int64) (string, error)
	Destroy(ctx context.Context, token string) error
}

// Handlers provides the host HTTP endpoints for accounts
type Handlers struct {
	service       *Service
	authenticator PasswordAuthenticator
	sessions      SessionIssuer
	loginThrottle func(http.Handler) http.Handler
	logger        *observability.Logger

	// attribute keys only writable through their dedicated operations
	reserved map[string]bool
}

// NewHandlers creates account handlers. loginThrottle may be nil.
func NewHandlers(service *Service, authenticator PasswordAuthenticator, sessions SessionIssuer, loginThrottle func(http.Handler) http.Handler, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{
		service:       service,
		authenticator: authenticator,
		sessions:      sessions,
		loginThrottle: loginThrottle,
		logger:        logger,
		reserved: map[string]bool{
			service.RoleKey():        true,
			suspension.LockAttribute: true,
		},
	}
}

// RegisterRoutes registers the account routes. The router is expected to
// run the authentication middleware in optional mode.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	read := middleware.RequireScopeOrSelf(auth.ScopeUsersRead, "id")
	writeSelf := middleware.RequireScopeOrSelf(auth.ScopeUsersWrite, "id")
	write := middleware.RequireScope(auth.ScopeUsersWrite)

	router.HandleFunc("/users", h.CreateUser).Methods("POST")
	router.Handle("/users/{id:[0-9]+}", read(http.HandlerFunc(h.GetUser))).Methods("GET")
	router.Handle("/users/{id:[0-9]+}", writeSelf(http.HandlerFunc(h.UpdateUser))).Methods("PATCH")

	// Roles
	router.Handle("/users/{id:[0-9]+}/role", write(http.HandlerFunc(h.AssignRole))).Methods("PUT")
	router.Handle("/users/{id:[0-9]+}/roles", write(http.HandlerFunc(h.AddRole))).Methods("POST")
	router.Handle("/users/{id:[0-9]+}/roles/{role}", write(http.HandlerFunc(h.RemoveRole))).Methods("DELETE")

	// Sessions
	var login http.Handler = http.HandlerFunc(h.Login)
	if h.loginThrottle != nil {
		login = h.loginThrottle(login)
	}
	router.Handle("/login", login).Methods("POST")
	router.HandleFunc("/logout", h.Logout).Methods("POST")
}

// UserResponse is a record together with its roles
type UserResponse struct {
	*User
	Roles []auth.Role `json:"roles"`
}

// CreateUser registers an account. Anonymous callers may register; the
// requested role is only honored for callers holding users:write.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req NewUser
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.Role != "" {
		authCtx := middleware.GetAuthContext(r)
		if !authCtx.HasScope(auth.ScopeUsersWrite) {
			req.Role = ""
		} else if !req.Role.Valid() {
			httputil.WriteBadRequest(w, "invalid role: "+string(req.Role))
			return
		}
	}

	u, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondUser(w, r, http.StatusCreated, u)
}

// GetUser returns one account
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	u, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondUser(w, r, http.StatusOK, u)
}

// UpdateUser applies a profile update. The password is only accepted through
// the password field, login names only through the administrative rename,
// and the role and lock attributes only through their own endpoints.
func (h *Handlers) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req Update
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	delete(req.Fields, ColumnPassword)
	if _, ok := req.Fields[ColumnLogin]; ok {
		httputil.WriteBadRequest(w, "login names cannot be changed through a profile update")
		return
	}
	for key := range req.Attributes {
		if h.reserved[key] {
			httputil.WriteBadRequest(w, "attribute cannot be written through a profile update: "+key)
			return
		}
	}

	u, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondUser(w, r, http.StatusOK, u)
}

// AssignRole replaces the role set with a single role
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Role auth.Role `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		httputil.WriteBadRequest(w, "invalid role: "+string(req.Role))
		return
	}

	if err := h.service.AssignRole(r.Context(), id, req.Role); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondRoles(w, r, id)
}

// AddRole grants one more role
func (h *Handlers) AddRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Role auth.Role `json:"role"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		httputil.WriteBadRequest(w, "invalid role: "+string(req.Role))
		return
	}

	if err := h.service.AddRole(r.Context(), id, req.Role); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondRoles(w, r, id)
}

// RemoveRole revokes one role
func (h *Handlers) RemoveRole(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	name, ok := httputil.ParsePathStringOrError(w, r, "role")
	if !ok {
		return
	}
	role, err := auth.ParseRole(name)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.RemoveRole(r.Context(), id, role); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondRoles(w, r, id)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// Login exchanges a login name and password for a session token
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "login and password are required")
		return
	}

	ctx := r.Context()
	authCtx, err := h.authenticator.Password(ctx, req.Login, req.Password)
	if err != nil {
		var locked *suspension.LockedError
		switch {
		case errors.As(err, &locked):
			httputil.WriteForbidden(w, locked.Message)
		case errors.Is(err, auth.ErrInvalidLogin):
			httputil.WriteUnauthorized(w, err.Error())
		default:
			h.writeError(w, r, err)
		}
		return
	}

	token, err := h.sessions.Create(ctx, authCtx.User.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	u, err := h.service.Get(ctx, authCtx.User.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	httputil.WriteSuccess(w, loginResponse{
		Token: token,
		User:  UserResponse{User: u, Roles: authCtx.User.Roles},
	})
}

// Logout ends the session the request was authenticated with
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)
	if authCtx == nil || authCtx.Method != auth.MethodSession {
		httputil.WriteUnauthorized(w, "session required")
		return
	}

	if err := h.sessions.Destroy(r.Context(), authCtx.SessionToken); err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	httputil.WriteNoContent(w)
}

func (h *Handlers) respondUser(w http.ResponseWriter, r *http.Request, status int, u *User) {
	roles, err := h.service.Roles(r.Context(), u.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, status, httputil.Response{
		Success: true,
		Data:    UserResponse{User: u, Roles: roles},
	})
}

func (h *Handlers) respondRoles(w http.ResponseWriter, r *http.Request, id int64) {
	roles, err := h.service.Roles(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"id":    id,
		"roles": roles,
		"label": auth.FormatRoles(roles),
	})
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrLoginTaken):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrInvalidField), errors.Is(err, ErrInvalidRecord):
		httputil.WriteBadRequest(w, err.Error())
	default:
		observability.FromContextOr(r.Context(), h.logger).WithError(err).Error("account request failed")
		httputil.WriteInternalError(w, err)
	}
}

package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/platform/httpx"
)

// Handler exposes the role administration API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	guard   authz.Middleware
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service, guard authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, guard: guard}
}

// MountRoutes registers the JSON routes on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/session", h.session)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAPI(authz.RequireAll(authz.PermRolesView)))
		r.Get("/permissions", h.listPermissions)
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAPI(authz.RequireAll(authz.PermRolesManage)))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{id}", h.updateRole)
		r.Put("/roles/{id}/permissions", h.setPermissions)
		r.Delete("/roles/{id}", h.deleteRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAPI(authz.RequireAny(authz.PermRolesView, authz.PermStaffView)))
		r.Get("/users/{id}/assignments", h.listAssignments)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAPI(authz.RequireAny(authz.PermStaffManage, authz.PermRolesManage)))
		r.Post("/users/{id}/assignments", h.assign)
		r.Delete("/assignments/{id}", h.revoke)
	})
}

type roleRequest struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"omitempty,dive,required"`
}

type rolePatch struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type assignRequest struct {
	RoleID     int64      `json:"role_id" validate:"required,gt=0"`
	ValidFrom  *time.Time `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until"`
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	snap := authz.FromContext(r.Context()).Snapshot()
	if !snap.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "no active session")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"identity":      snap.Identity,
		"roles":         snap.Roles,
		"permissions":   snap.Permissions,
		"administrator": snap.IsAdministrator(),
	})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	defs := authz.ListPermissions()
	httpx.JSON(w, http.StatusOK, map[string]any{
		"permissions": defs,
		"groups":      authz.GroupPermissions(defs),
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if roles == nil {
		roles = []authz.Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), authz.ActorID(r.Context()), RoleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req rolePatch
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), authz.ActorID(r.Context()), id, req.Name, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req permissionsRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.SetRolePermissions(r.Context(), authz.ActorID(r.Context()), id, req.Permissions)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteRole(r.Context(), authz.ActorID(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := h.service.ListAssignments(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []authz.Assignment{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": items})
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.AssignRole(r.Context(), authz.ActorID(r.Context()), AssignInput{
		UserID:     userID,
		RoleID:     req.RoleID,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := h.service.RevokeAssignment(r.Context(), authz.ActorID(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if IsValidationError(err) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.logger.Warn("rbac request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, false
	}
	return id, true
}

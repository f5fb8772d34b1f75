// Package rbac administers roles and role assignments.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/platform/httpx"
	"github.com/staykit/staykit/internal/shared"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrDuplicateRole indicates a role name already in use.
	ErrDuplicateRole = fmt.Errorf("rbac: role name %w", httpx.ErrDuplicate)
	// ErrSystemRole indicates an attempt to delete a built-in role.
	ErrSystemRole = fmt.Errorf("rbac: system roles cannot be deleted: %w", httpx.ErrConflict)
	// ErrRoleInUse indicates a role referenced by assignments.
	ErrRoleInUse = fmt.Errorf("rbac: role has assignments: %w", httpx.ErrConflict)
	// ErrUnknownUser indicates an assignment for a user that does not exist.
	ErrUnknownUser = fmt.Errorf("rbac: unknown user: %w", httpx.ErrValidation)
	// ErrInvalidWindow indicates a validity window that ends before it starts.
	ErrInvalidWindow = fmt.Errorf("rbac: valid_until must be after valid_from: %w", httpx.ErrValidation)
)

// Repository defines persistence for roles and assignments.
type Repository interface {
	ListRoles(ctx context.Context) ([]authz.Role, error)
	GetRole(ctx context.Context, id int64) (authz.Role, error)
	CreateRole(ctx context.Context, role authz.Role) (authz.Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) error
	DeleteRole(ctx context.Context, id int64) error
	SetRolePermissions(ctx context.Context, roleID int64, perms []authz.Permission) error
	CreateAssignment(ctx context.Context, a authz.Assignment) (authz.Assignment, error)
	DeactivateAssignment(ctx context.Context, id int64, at time.Time) (authz.Assignment, error)
	ListAssignments(ctx context.Context, userID int64) ([]authz.Assignment, error)
}

// Service orchestrates RBAC operations.
type Service struct {
	repo   Repository
	audit  shared.Auditor
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, audit shared.Auditor, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]authz.Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (authz.Role, error) {
	return s.repo.GetRole(ctx, id)
}

// RoleInput carries a role definition as submitted by an administrator.
type RoleInput struct {
	Name        string
	Description string
	Permissions []string
}

// CreateRole validates and inserts a new custom role.
func (s *Service) CreateRole(ctx context.Context, actorID int64, in RoleInput) (authz.Role, error) {
	perms, err := authz.ValidateRoleDefinition(in.Name, in.Permissions)
	if err != nil {
		return authz.Role{}, err
	}
	role, err := s.repo.CreateRole(ctx, authz.Role{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Permissions: perms,
	})
	if err != nil {
		return authz.Role{}, err
	}
	s.record(ctx, actorID, shared.AuditRoleCreate, "role", role.ID, map[string]any{
		"name":        role.Name,
		"permissions": keysOf(perms),
	})
	return role, nil
}

// UpdateRole renames a role or changes its description.
func (s *Service) UpdateRole(ctx context.Context, actorID, id int64, name, description string) (authz.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return authz.Role{}, authz.ErrRoleNameRequired
	}
	if err := s.repo.UpdateRole(ctx, id, name, strings.TrimSpace(description)); err != nil {
		return authz.Role{}, err
	}
	s.record(ctx, actorID, shared.AuditRoleUpdate, "role", id, map[string]any{"name": name})
	return s.repo.GetRole(ctx, id)
}

// DeleteRole removes a custom role. System roles are refused.
func (s *Service) DeleteRole(ctx context.Context, actorID, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actorID, shared.AuditRoleDelete, "role", id, map[string]any{"name": role.Name})
	return nil
}

// SetRolePermissions replaces a role's permissions after checking every key
// against the catalog.
func (s *Service) SetRolePermissions(ctx context.Context, actorID, roleID int64, keys []string) (authz.Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return authz.Role{}, err
	}
	perms, err := authz.ValidateRoleDefinition(role.Name, keys)
	if err != nil {
		return authz.Role{}, err
	}
	if err := s.repo.SetRolePermissions(ctx, roleID, perms); err != nil {
		return authz.Role{}, err
	}
	s.record(ctx, actorID, shared.AuditRolePermissions, "role", roleID, map[string]any{
		"before": keysOf(role.Permissions),
		"after":  keysOf(perms),
	})
	role.Permissions = perms
	return role, nil
}

// AssignInput describes a new role assignment.
type AssignInput struct {
	UserID     int64
	RoleID     int64
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// AssignRole grants a role to a user for the requested window. A missing
// start means now.
func (s *Service) AssignRole(ctx context.Context, actorID int64, in AssignInput) (authz.Assignment, error) {
	from := s.now().UTC()
	if in.ValidFrom != nil {
		from = in.ValidFrom.UTC()
	}
	if in.ValidUntil != nil && !in.ValidUntil.After(from) {
		return authz.Assignment{}, ErrInvalidWindow
	}
	if _, err := s.repo.GetRole(ctx, in.RoleID); err != nil {
		return authz.Assignment{}, err
	}
	a, err := s.repo.CreateAssignment(ctx, authz.Assignment{
		UserID:     in.UserID,
		RoleID:     in.RoleID,
		ValidFrom:  from,
		ValidUntil: in.ValidUntil,
		IsActive:   true,
		AssignedBy: actorID,
	})
	if err != nil {
		return authz.Assignment{}, err
	}
	s.record(ctx, actorID, shared.AuditAssignmentGrant, "user_role", a.ID, map[string]any{
		"user_id": a.UserID,
		"role_id": a.RoleID,
	})
	return a, nil
}

// RevokeAssignment deactivates an assignment, keeping the row for history.
func (s *Service) RevokeAssignment(ctx context.Context, actorID, assignmentID int64) (authz.Assignment, error) {
	a, err := s.repo.DeactivateAssignment(ctx, assignmentID, s.now().UTC())
	if err != nil {
		return authz.Assignment{}, err
	}
	s.record(ctx, actorID, shared.AuditAssignmentRevoke, "user_role", a.ID, map[string]any{
		"user_id": a.UserID,
		"role_id": a.RoleID,
	})
	return a, nil
}

// ListAssignments returns a user's assignments including revoked ones.
func (s *Service) ListAssignments(ctx context.Context, userID int64) ([]authz.Assignment, error) {
	return s.repo.ListAssignments(ctx, userID)
}

func (s *Service) record(ctx context.Context, actorID int64, action, entity string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func keysOf(perms []authz.Permission) []string {
	keys := make([]string, len(perms))
	for i, p := range perms {
		keys[i] = p.String()
	}
	return keys
}

// IsValidationError reports whether err stems from invalid input.
func IsValidationError(err error) bool {
	return errors.Is(err, httpx.ErrValidation) ||
		errors.Is(err, authz.ErrUnknownPermission) ||
		errors.Is(err, authz.ErrRoleNameRequired)
}

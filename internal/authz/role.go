package authz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// ErrRoleNameRequired indicates a role definition without a name.
var ErrRoleNameRequired = errors.New("authz: role name required")

// Role is a named bundle of permissions.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"is_system"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// PermissionSet returns the role permissions as a Set.
func (r Role) PermissionSet() Set {
	return NewSet(r.Permissions...)
}

// Assignment links a user to a role for a validity window.
type Assignment struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	RoleID     int64      `json:"role_id"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	IsActive   bool       `json:"is_active"`
	AssignedBy int64      `json:"assigned_by,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Effective reports whether the assignment grants its role at now.
func (a Assignment) Effective(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if now.Before(a.ValidFrom) {
		return false
	}
	if a.ValidUntil != nil && !now.Before(*a.ValidUntil) {
		return false
	}
	return true
}

// ValidateRoleDefinition checks a role name and its permission keys. Unknown
// keys are rejected; duplicates collapse while keeping first-seen order.
func ValidateRoleDefinition(name string, keys []string) ([]Permission, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrRoleNameRequired
	}
	perms := make([]Permission, 0, len(keys))
	seen := make(map[Permission]struct{}, len(keys))
	for _, key := range keys {
		p, err := ParsePermission(key)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", strings.TrimSpace(name), err)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}
	return perms, nil
}

// foldName normalises a role name for caseless comparison. Casers keep state,
// so one is built per call.
func foldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// HasRole reports whether roles contains a role called name, ignoring case.
func HasRole(roles []Role, name string) bool {
	want := foldName(name)
	if want == "" {
		return false
	}
	for _, r := range roles {
		if foldName(r.Name) == want {
			return true
		}
	}
	return false
}

// Administrative role names.
const (
	RoleAdmin         = "admin"
	RoleAdministrator = "Administrator"
)

// IsAdministrator reports whether the holder of roles and perms may run
// administrative operations such as backup and restore.
func IsAdministrator(roles []Role, perms Set) bool {
	if HasRole(roles, RoleAdmin) || HasRole(roles, RoleAdministrator) {
		return true
	}
	return perms.Has(PermSettingsManage) || perms.Has(PermStaffManage)
}

// DefaultRoles returns the system role templates seeded on install.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:        RoleAdministrator,
			Description: "Full access to every area",
			Permissions: All(),
			IsSystem:    true,
		},
		{
			Name:        "Manager",
			Description: "Runs daily operations and reviews finance",
			Permissions: []Permission{
				PermDashboardView,
				PermRoomsView, PermRoomsManage,
				PermGuestsView, PermGuestsManage,
				PermBookingsView, PermBookingsCreate, PermBookingsManage,
				PermPOSView, PermPOSCreate, PermPOSManage,
				PermHousekeepingView, PermHousekeepingManage,
				PermMaintenanceView, PermMaintenanceManage,
				PermInventoryView, PermInventoryManage,
				PermFinanceView,
				PermReportsView, PermReportsExport,
				PermAIChat,
				PermStaffView,
			},
			IsSystem: true,
		},
		{
			Name:        "Front Desk",
			Description: "Handles reservations, guests and sales",
			Permissions: []Permission{
				PermDashboardView,
				PermRoomsView,
				PermGuestsView, PermGuestsManage,
				PermBookingsView, PermBookingsCreate, PermBookingsManage,
				PermPOSView, PermPOSCreate,
			},
			IsSystem: true,
		},
		{
			Name:        "Housekeeping Supervisor",
			Description: "Coordinates cleaning and linen stock",
			Permissions: []Permission{
				PermRoomsView,
				PermHousekeepingView, PermHousekeepingManage,
				PermInventoryView,
			},
			IsSystem: true,
		},
		{
			Name:        "Maintenance",
			Description: "Resolves maintenance requests",
			Permissions: []Permission{
				PermRoomsView,
				PermMaintenanceView, PermMaintenanceManage,
			},
			IsSystem: true,
		},
		{
			Name:        "Accountant",
			Description: "Keeps the books",
			Permissions: []Permission{
				PermDashboardView,
				PermFinanceView, PermFinanceManage,
				PermReportsView, PermReportsExport,
			},
			IsSystem: true,
		},
	}
}

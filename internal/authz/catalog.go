// Package authz holds the permission catalog, role resolution and the guards
// that gate routes and actions on the resolved effective permission set.
package authz

import (
	"errors"
	"fmt"
)

// ErrUnknownPermission indicates a permission key that is not part of the catalog.
var ErrUnknownPermission = errors.New("authz: unknown permission")

// Permission is one independently grantable capability.
type Permission uint8

// Catalog permissions. The zero value is reserved so an unset Permission is never valid.
const (
	permInvalid Permission = iota

	PermDashboardView

	PermRoomsView
	PermRoomsManage

	PermGuestsView
	PermGuestsManage

	PermBookingsView
	PermBookingsCreate
	PermBookingsManage

	PermPOSView
	PermPOSCreate
	PermPOSManage

	PermHousekeepingView
	PermHousekeepingManage

	PermMaintenanceView
	PermMaintenanceManage

	PermInventoryView
	PermInventoryManage

	PermFinanceView
	PermFinanceManage

	PermReportsView
	PermReportsExport

	PermAIChat

	PermStaffView
	PermStaffManage

	PermRolesView
	PermRolesManage

	PermSettingsView
	PermSettingsManage

	permSentinel
)

// Group is the functional area a permission is listed under. Groups cluster
// permissions for display only and carry no authorization meaning.
type Group string

// Permission groups in display order.
const (
	GroupDashboard    Group = "Dashboard"
	GroupRooms        Group = "Rooms"
	GroupGuests       Group = "Guests"
	GroupBookings     Group = "Bookings"
	GroupPOS          Group = "Point of Sale"
	GroupHousekeeping Group = "Housekeeping"
	GroupMaintenance  Group = "Maintenance"
	GroupInventory    Group = "Inventory"
	GroupFinance      Group = "Finance"
	GroupReports      Group = "Reports"
	GroupAssistant    Group = "Assistant"
	GroupStaff        Group = "Staff"
	GroupSettings     Group = "Settings"
)

// Definition describes a catalog entry.
type Definition struct {
	Permission  Permission `json:"-"`
	Key         string     `json:"key"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
	Group       Group      `json:"group"`
}

var definitions = [permSentinel]Definition{
	PermDashboardView: {Key: "dashboard.view", Label: "View dashboard", Description: "Open the occupancy and revenue dashboard", Group: GroupDashboard},

	PermRoomsView:   {Key: "rooms.view", Label: "View rooms", Description: "Browse rooms, room types and their status", Group: GroupRooms},
	PermRoomsManage: {Key: "rooms.manage", Label: "Manage rooms", Description: "Create, edit and retire rooms and room types", Group: GroupRooms},

	PermGuestsView:   {Key: "guests.view", Label: "View guests", Description: "Browse guest profiles and stay history", Group: GroupGuests},
	PermGuestsManage: {Key: "guests.manage", Label: "Manage guests", Description: "Create and edit guest profiles", Group: GroupGuests},

	PermBookingsView:   {Key: "bookings.view", Label: "View bookings", Description: "Browse reservations and the booking calendar", Group: GroupBookings},
	PermBookingsCreate: {Key: "bookings.create", Label: "Create bookings", Description: "Take new reservations and walk-ins", Group: GroupBookings},
	PermBookingsManage: {Key: "bookings.manage", Label: "Manage bookings", Description: "Modify, check in, check out and cancel reservations", Group: GroupBookings},

	PermPOSView:   {Key: "pos.view", Label: "View sales", Description: "Browse point-of-sale orders", Group: GroupPOS},
	PermPOSCreate: {Key: "pos.create", Label: "Ring up sales", Description: "Create point-of-sale orders and charge them to rooms", Group: GroupPOS},
	PermPOSManage: {Key: "pos.manage", Label: "Manage sales catalog", Description: "Edit POS categories, items and void orders", Group: GroupPOS},

	PermHousekeepingView:   {Key: "housekeeping.view", Label: "View housekeeping", Description: "Browse cleaning tasks and room readiness", Group: GroupHousekeeping},
	PermHousekeepingManage: {Key: "housekeeping.manage", Label: "Manage housekeeping", Description: "Assign and close cleaning tasks", Group: GroupHousekeeping},

	PermMaintenanceView:   {Key: "maintenance.view", Label: "View maintenance", Description: "Browse maintenance requests", Group: GroupMaintenance},
	PermMaintenanceManage: {Key: "maintenance.manage", Label: "Manage maintenance", Description: "Log, assign and resolve maintenance requests", Group: GroupMaintenance},

	PermInventoryView:   {Key: "inventory.view", Label: "View inventory", Description: "Browse stock levels and movements", Group: GroupInventory},
	PermInventoryManage: {Key: "inventory.manage", Label: "Manage inventory", Description: "Adjust stock and maintain inventory items", Group: GroupInventory},

	PermFinanceView:   {Key: "finance.view", Label: "View finance", Description: "Browse payments, expenses and revenue", Group: GroupFinance},
	PermFinanceManage: {Key: "finance.manage", Label: "Manage finance", Description: "Record expenses and adjust payments", Group: GroupFinance},

	PermReportsView:   {Key: "reports.view", Label: "View reports", Description: "Open operational and financial reports", Group: GroupReports},
	PermReportsExport: {Key: "reports.export", Label: "Export reports", Description: "Download reports as spreadsheets", Group: GroupReports},

	PermAIChat: {Key: "ai.chat", Label: "Use assistant", Description: "Ask the assistant about hotel data", Group: GroupAssistant},

	PermStaffView:   {Key: "staff.view", Label: "View staff", Description: "Browse staff accounts", Group: GroupStaff},
	PermStaffManage: {Key: "staff.manage", Label: "Manage staff", Description: "Provision staff accounts and assign roles", Group: GroupStaff},

	PermRolesView:   {Key: "roles.view", Label: "View roles", Description: "Browse roles and their permissions", Group: GroupStaff},
	PermRolesManage: {Key: "roles.manage", Label: "Manage roles", Description: "Create, edit and delete roles", Group: GroupStaff},

	PermSettingsView:   {Key: "settings.view", Label: "View settings", Description: "Browse hotel settings", Group: GroupSettings},
	PermSettingsManage: {Key: "settings.manage", Label: "Manage settings", Description: "Change hotel settings and run backups", Group: GroupSettings},
}

var groupOrder = []Group{
	GroupDashboard,
	GroupRooms,
	GroupGuests,
	GroupBookings,
	GroupPOS,
	GroupHousekeeping,
	GroupMaintenance,
	GroupInventory,
	GroupFinance,
	GroupReports,
	GroupAssistant,
	GroupStaff,
	GroupSettings,
}

var byKey = func() map[string]Permission {
	m := make(map[string]Permission, len(definitions))
	for p := PermDashboardView; p < permSentinel; p++ {
		m[definitions[p].Key] = p
	}
	return m
}()

// Valid reports whether p is a catalog permission.
func (p Permission) Valid() bool {
	return p > permInvalid && p < permSentinel
}

// String returns the permission key.
func (p Permission) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Permission(%d)", uint8(p))
	}
	return definitions[p].Key
}

// Definition returns the catalog entry for p.
func (p Permission) Definition() Definition {
	if !p.Valid() {
		return Definition{}
	}
	def := definitions[p]
	def.Permission = p
	return def
}

// MarshalText encodes the permission as its key.
func (p Permission) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPermission, uint8(p))
	}
	return []byte(definitions[p].Key), nil
}

// UnmarshalText decodes a permission key.
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePermission resolves a permission key. Keys are matched exactly,
// surrounding whitespace included.
func ParsePermission(key string) (Permission, error) {
	if p, ok := byKey[key]; ok {
		return p, nil
	}
	return permInvalid, fmt.Errorf("%w: %q", ErrUnknownPermission, key)
}

// ParsePermissions resolves a list of keys, failing on the first unknown key.
func ParsePermissions(keys []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(keys))
	for _, key := range keys {
		p, err := ParsePermission(key)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// ListPermissions returns the full catalog in declaration order.
func ListPermissions() []Definition {
	defs := make([]Definition, 0, len(definitions)-1)
	for p := PermDashboardView; p < permSentinel; p++ {
		defs = append(defs, p.Definition())
	}
	return defs
}

// All returns every catalog permission.
func All() []Permission {
	perms := make([]Permission, 0, len(definitions)-1)
	for p := PermDashboardView; p < permSentinel; p++ {
		perms = append(perms, p)
	}
	return perms
}

// GroupedPermissions is one display cluster of the catalog.
type GroupedPermissions struct {
	Group       Group        `json:"group"`
	Permissions []Definition `json:"permissions"`
}

// GroupPermissions partitions defs by group, keeping groups in display order
// and definitions in their input order. Groups without entries are omitted.
func GroupPermissions(defs []Definition) []GroupedPermissions {
	buckets := GroupPermissionsMap(defs)
	out := make([]GroupedPermissions, 0, len(buckets))
	seen := make(map[Group]struct{}, len(buckets))
	for _, g := range groupOrder {
		if perms, ok := buckets[g]; ok {
			out = append(out, GroupedPermissions{Group: g, Permissions: perms})
			seen[g] = struct{}{}
		}
	}
	// Groups outside the display order keep their first-seen order.
	for _, def := range defs {
		if _, ok := seen[def.Group]; ok {
			continue
		}
		seen[def.Group] = struct{}{}
		out = append(out, GroupedPermissions{Group: def.Group, Permissions: buckets[def.Group]})
	}
	return out
}

// GroupPermissionsMap partitions defs by group.
func GroupPermissionsMap(defs []Definition) map[Group][]Definition {
	buckets := make(map[Group][]Definition)
	for _, def := range defs {
		buckets[def.Group] = append(buckets[def.Group], def)
	}
	return buckets
}

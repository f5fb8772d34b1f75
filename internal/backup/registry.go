package backup

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/staykit/staykit/internal/shared"
)

// ErrInvalidRegistry reports a registry that cannot produce a safe ordering.
var ErrInvalidRegistry = errors.New("backup: invalid registry")

// Table is one entity collection and the collections its rows reference.
type Table struct {
	Name      string
	DependsOn []string
}

// Registry is the ordered list of collections moved by export and restore.
// Insertion order lists every table after the tables it depends on; deletion
// order is its exact reverse.
type Registry struct {
	tables    map[string]Table
	insertion []string
	deletion  []string
}

// NewRegistry validates tables and derives both orderings. Ties are broken by
// declaration order so the result is deterministic.
func NewRegistry(tables ...Table) (*Registry, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no tables", ErrInvalidRegistry)
	}
	byName := make(map[string]Table, len(tables))
	for _, t := range tables {
		if !validIdentifier(t.Name) {
			return nil, fmt.Errorf("%w: bad table name %q", ErrInvalidRegistry, t.Name)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate table %q", ErrInvalidRegistry, t.Name)
		}
		byName[t.Name] = Table{Name: t.Name, DependsOn: slices.Clone(t.DependsOn)}
	}
	for _, t := range tables {
		for _, dep := range t.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on unregistered table %q", ErrInvalidRegistry, t.Name, dep)
			}
			if dep == t.Name {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrInvalidRegistry, t.Name)
			}
		}
	}

	placed := make(map[string]bool, len(tables))
	insertion := make([]string, 0, len(tables))
	for len(insertion) < len(tables) {
		progressed := false
		for _, t := range tables {
			if placed[t.Name] || !allPlaced(t.DependsOn, placed) {
				continue
			}
			placed[t.Name] = true
			insertion = append(insertion, t.Name)
			progressed = true
			break
		}
		if !progressed {
			var stuck []string
			for _, t := range tables {
				if !placed[t.Name] {
					stuck = append(stuck, t.Name)
				}
			}
			return nil, fmt.Errorf("%w: dependency cycle among %s", ErrInvalidRegistry, strings.Join(stuck, ", "))
		}
	}

	deletion := slices.Clone(insertion)
	slices.Reverse(deletion)
	return &Registry{tables: byName, insertion: insertion, deletion: deletion}, nil
}

// MustRegistry is NewRegistry for static definitions.
func MustRegistry(tables ...Table) *Registry {
	r, err := NewRegistry(tables...)
	if err != nil {
		panic(err)
	}
	return r
}

// InsertionOrder returns table names with dependencies first.
func (r *Registry) InsertionOrder() []string {
	return slices.Clone(r.insertion)
}

// DeletionOrder returns table names with dependents first.
func (r *Registry) DeletionOrder() []string {
	return slices.Clone(r.deletion)
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	return len(r.insertion)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tables[name]
	return ok
}

// Table returns the registered definition of name.
func (r *Registry) Table(name string) (Table, bool) {
	t, ok := r.tables[name]
	if !ok {
		return Table{}, false
	}
	t.DependsOn = slices.Clone(t.DependsOn)
	return t, true
}

// Select resolves a caller's table subset. An empty subset selects every table.
func (r *Registry) Select(names []string) (map[string]bool, error) {
	selected := make(map[string]bool, len(r.insertion))
	if len(names) == 0 {
		for _, name := range r.insertion {
			selected[name] = true
		}
		return selected, nil
	}
	var unknown []string
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if !r.Has(name) {
			unknown = append(unknown, raw)
			continue
		}
		selected[name] = true
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, strings.Join(unknown, ", "))
	}
	return selected, nil
}

func allPlaced(deps []string, placed map[string]bool) bool {
	for _, dep := range deps {
		if !placed[dep] {
			return false
		}
	}
	return true
}

func validIdentifier(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// DefaultRegistry lists the hotel tables in declaration order.
func DefaultRegistry() *Registry {
	return MustRegistry(
		Table{Name: "roles"},
		Table{Name: "role_permissions", DependsOn: []string{"roles"}},
		Table{Name: "users"},
		Table{Name: "user_roles", DependsOn: []string{"users", "roles"}},
		Table{Name: "room_types"},
		Table{Name: "rooms", DependsOn: []string{"room_types"}},
		Table{Name: "guests"},
		Table{Name: "bookings", DependsOn: []string{"rooms", "guests", "users"}},
		Table{Name: "payments", DependsOn: []string{"bookings", "users"}},
		Table{Name: "pos_categories"},
		Table{Name: "pos_items", DependsOn: []string{"pos_categories"}},
		Table{Name: "pos_orders", DependsOn: []string{"bookings", "guests", "users"}},
		Table{Name: "pos_order_items", DependsOn: []string{"pos_orders", "pos_items"}},
		Table{Name: "inventory_items"},
		Table{Name: "inventory_movements", DependsOn: []string{"inventory_items", "users"}},
		Table{Name: "housekeeping_tasks", DependsOn: []string{"rooms", "users"}},
		Table{Name: "maintenance_requests", DependsOn: []string{"rooms", "users"}},
		Table{Name: "expenses", DependsOn: []string{"users"}},
		Table{Name: "hotel_settings"},
		Table{Name: shared.AuditTable, DependsOn: []string{"users"}},
	)
}

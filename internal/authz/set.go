package authz

import (
	"encoding/json"
	"sort"
)

// Set is an immutable set of permissions. The zero value is the empty set.
type Set struct {
	bits uint64
}

// NewSet builds a set from perms, ignoring values outside the catalog.
func NewSet(perms ...Permission) Set {
	var s Set
	for _, p := range perms {
		if p.Valid() {
			s.bits |= 1 << uint(p)
		}
	}
	return s
}

// Union returns the set of permissions present in any of sets.
func Union(sets ...Set) Set {
	var out Set
	for _, s := range sets {
		out.bits |= s.bits
	}
	return out
}

// Has reports whether p is in the set.
func (s Set) Has(p Permission) bool {
	return p.Valid() && s.bits&(1<<uint(p)) != 0
}

// Len returns the number of permissions in the set.
func (s Set) Len() int {
	n := 0
	for p := PermDashboardView; p < permSentinel; p++ {
		if s.Has(p) {
			n++
		}
	}
	return n
}

// Empty reports whether the set grants nothing.
func (s Set) Empty() bool {
	return s.bits == 0
}

// Permissions lists the members in catalog order.
func (s Set) Permissions() []Permission {
	perms := make([]Permission, 0, s.Len())
	for p := PermDashboardView; p < permSentinel; p++ {
		if s.Has(p) {
			perms = append(perms, p)
		}
	}
	return perms
}

// Keys lists the member keys sorted alphabetically.
func (s Set) Keys() []string {
	perms := s.Permissions()
	keys := make([]string, len(perms))
	for i, p := range perms {
		keys[i] = p.String()
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the set as a sorted list of keys.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

// HasPermission reports whether key names a permission held in set. Matching is
// exact: there are no wildcards and no implied permissions, so unknown keys
// such as "*" are never granted.
func HasPermission(set Set, key string) bool {
	p, err := ParsePermission(key)
	if err != nil {
		return false
	}
	return set.Has(p)
}

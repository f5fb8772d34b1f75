package authz

import (
	"net/url"
	"strings"
)

// State is the outcome of evaluating a guard.
type State int

// Guard states, in evaluation order.
const (
	StateLoading State = iota
	StateUnauthenticated
	StatePasswordResetRequired
	StateForbidden
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StatePasswordResetRequired:
		return "password_reset_required"
	case StateForbidden:
		return "forbidden"
	case StateAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Requirement declares what a route or action needs beyond authentication.
// Permissions must all be held unless AnyPermission is set; when Roles is set
// at least one of them must be held; Administrator requires IsAdministrator.
type Requirement struct {
	Permissions   []Permission
	AnyPermission bool
	Roles         []string
	Administrator bool
}

// RequireAll builds a requirement for every permission in perms.
func RequireAll(perms ...Permission) Requirement {
	return Requirement{Permissions: perms}
}

// RequireAny builds a requirement for at least one permission in perms.
func RequireAny(perms ...Permission) Requirement {
	return Requirement{Permissions: perms, AnyPermission: true}
}

// RequireRole builds a requirement for at least one of the named roles.
func RequireRole(names ...string) Requirement {
	return Requirement{Roles: names}
}

// RequireAdministrator builds the requirement used by administrative operations.
func RequireAdministrator() Requirement {
	return Requirement{Administrator: true}
}

// Missing lists what snap lacks to satisfy r. An empty result means satisfied.
func (r Requirement) Missing(snap Snapshot) []string {
	var missing []string
	if len(r.Permissions) > 0 {
		if r.AnyPermission {
			held := false
			keys := make([]string, 0, len(r.Permissions))
			for _, p := range r.Permissions {
				keys = append(keys, p.String())
				if snap.Permissions.Has(p) {
					held = true
				}
			}
			if !held {
				missing = append(missing, "one of "+strings.Join(keys, ", "))
			}
		} else {
			for _, p := range r.Permissions {
				if !snap.Permissions.Has(p) {
					missing = append(missing, p.String())
				}
			}
		}
	}
	if len(r.Roles) > 0 {
		held := false
		for _, name := range r.Roles {
			if HasRole(snap.Roles, name) {
				held = true
				break
			}
		}
		if !held {
			missing = append(missing, "role "+strings.Join(r.Roles, " or "))
		}
	}
	if r.Administrator && !IsAdministrator(snap.Roles, snap.Permissions) {
		missing = append(missing, "administrator role or "+PermSettingsManage.String()+" or "+PermStaffManage.String())
	}
	return missing
}

// Decision is the result of a guard evaluation.
type Decision struct {
	State    State
	Redirect string
	Missing  []string
}

// Guard evaluates route requirements against a session snapshot.
type Guard struct {
	LoginPath string
	ResetPath string
}

// Default entry points for the redirect states.
const (
	DefaultLoginPath = "/auth/login"
	DefaultResetPath = "/auth/password/reset"
)

// NewGuard returns a Guard with the default entry points.
func NewGuard() Guard {
	return Guard{LoginPath: DefaultLoginPath, ResetPath: DefaultResetPath}
}

// Evaluate decides how a navigation to path proceeds. Checks run in a fixed
// order on every call and nothing is remembered between calls.
func (g Guard) Evaluate(snap Snapshot, req Requirement, path string) Decision {
	if snap.Loading {
		return Decision{State: StateLoading}
	}
	if !snap.Authenticated() {
		return Decision{State: StateUnauthenticated, Redirect: g.loginRedirect(path)}
	}
	if snap.Identity.MustResetPassword {
		if !g.isResetPath(path) {
			return Decision{State: StatePasswordResetRequired, Redirect: g.resetPath()}
		}
		return Decision{State: StateAuthorized}
	}
	if missing := req.Missing(snap); len(missing) > 0 {
		return Decision{State: StateForbidden, Missing: missing}
	}
	return Decision{State: StateAuthorized}
}

func (g Guard) loginRedirect(path string) string {
	login := g.LoginPath
	if login == "" {
		login = DefaultLoginPath
	}
	if path == "" || path == login {
		return login
	}
	return login + "?next=" + url.QueryEscape(path)
}

func (g Guard) resetPath() string {
	if g.ResetPath == "" {
		return DefaultResetPath
	}
	return g.ResetPath
}

func (g Guard) isResetPath(path string) bool {
	reset := g.resetPath()
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return path == reset || strings.HasPrefix(path, reset+"/")
}

// SafeNext returns next when it is a same-site relative path, otherwise "/".
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	return next
}

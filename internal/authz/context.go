package authz

import (
	"context"
	"sync"
)

// Identity is the authenticated actor behind a session.
type Identity struct {
	UserID            int64  `json:"user_id"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	MustResetPassword bool   `json:"must_reset_password"`
}

// PermissionResolver resolves a user's effective permissions.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID int64) Resolution
}

// Ticket identifies one resolution attempt. A result is only applied when its
// ticket is still the newest one issued by the Context.
type Ticket struct {
	generation uint64
}

// Context holds the identity and effective permissions of one session. It is
// created per session owner and handed to consumers explicitly.
//
// Lifecycle: Init on session start, Recompute on session change, Clear on
// sign-out. Each of these bumps the generation so that a slow resolution
// started earlier can no longer overwrite newer state.
type Context struct {
	mu         sync.Mutex
	generation uint64
	identity   *Identity
	resolution Resolution
	loading    bool
}

// NewContext returns an empty, unauthenticated Context.
func NewContext() *Context {
	return &Context{}
}

// Init starts a session for id and returns the ticket for the first resolution.
func (c *Context) Init(id Identity) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	ident := id
	c.identity = &ident
	c.resolution = Resolution{UserID: id.UserID}
	c.loading = true
	return Ticket{generation: c.generation}
}

// Recompute marks the permission set stale and returns a fresh ticket.
func (c *Context) Recompute() Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.loading = c.identity != nil
	return Ticket{generation: c.generation}
}

// Clear drops the identity and permissions.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.identity = nil
	c.resolution = Resolution{}
	c.loading = false
}

// Commit applies res if t is still current and res belongs to the current
// identity. It reports whether the result was applied.
func (c *Context) Commit(t Ticket, res Resolution) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.generation != c.generation || c.identity == nil {
		return false
	}
	if res.UserID != c.identity.UserID {
		return false
	}
	c.resolution = res
	c.loading = false
	return true
}

// Refresh recomputes the permission set through r. The resolution is sequenced
// after the identity update that preceded it by call order alone.
func (c *Context) Refresh(ctx context.Context, r PermissionResolver) bool {
	t := c.Recompute()
	c.mu.Lock()
	var userID int64
	if c.identity != nil {
		userID = c.identity.UserID
	}
	c.mu.Unlock()
	if userID == 0 {
		return false
	}
	return c.Commit(t, r.Resolve(ctx, userID))
}

// Snapshot is an immutable view of a Context.
type Snapshot struct {
	Identity    *Identity `json:"identity,omitempty"`
	Roles       []Role    `json:"roles"`
	Permissions Set       `json:"permissions"`
	Loading     bool      `json:"loading"`
}

// Snapshot returns the current state.
func (c *Context) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Loading: c.loading, Permissions: c.resolution.Permissions}
	if c.identity != nil {
		ident := *c.identity
		snap.Identity = &ident
	}
	snap.Roles = append([]Role(nil), c.resolution.Roles...)
	return snap
}

// Authenticated reports whether the snapshot carries an identity.
func (s Snapshot) Authenticated() bool {
	return s.Identity != nil && s.Identity.UserID > 0
}

// HasPermission reports whether the snapshot grants p.
func (s Snapshot) HasPermission(p Permission) bool {
	return s.Permissions.Has(p)
}

// HasRole reports whether the snapshot holds a role called name.
func (s Snapshot) HasRole(name string) bool {
	return HasRole(s.Roles, name)
}

// IsAdministrator reports whether the snapshot may run administrative operations.
func (s Snapshot) IsAdministrator() bool {
	return s.Authenticated() && IsAdministrator(s.Roles, s.Permissions)
}

type contextKey struct{}

// WithContext stores c in ctx.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext extracts the Context stored in ctx, or nil.
func FromContext(ctx context.Context) *Context {
	c, _ := ctx.Value(contextKey{}).(*Context)
	return c
}

// ActorID returns the user ID of the identity stored in ctx, or 0.
func ActorID(ctx context.Context) int64 {
	snap := FromContext(ctx).Snapshot()
	if snap.Identity == nil {
		return 0
	}
	return snap.Identity.UserID
}

package authz

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

// lookupTimeout bounds a shared grant lookup. The lookup outlives the caller
// that started it, since other callers may be waiting on the same user.
const lookupTimeout = 5 * time.Second

// Grant is one stored role assignment joined with its role. PermissionKeys
// holds the raw keys persisted for the role.
type Grant struct {
	Assignment     Assignment
	Role           Role
	PermissionKeys []string
}

// AssignmentStore loads every role assignment held by a user, active or not.
type AssignmentStore interface {
	UserGrants(ctx context.Context, userID int64) ([]Grant, error)
}

// Resolution is the outcome of resolving a user's effective permissions.
type Resolution struct {
	UserID      int64  `json:"user_id"`
	Roles       []Role `json:"roles"`
	Permissions Set    `json:"permissions"`
}

// Resolver computes effective permission sets from role assignments.
type Resolver struct {
	store  AssignmentStore
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

// NewResolver constructs a Resolver backed by store.
func NewResolver(store AssignmentStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger, now: time.Now}
}

// SetClock overrides the time source used to evaluate validity windows.
func (r *Resolver) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Resolve returns the union of permissions granted by every active,
// unexpired assignment of userID. Any lookup failure yields an empty
// resolution; absence of data never widens access.
func (r *Resolver) Resolve(ctx context.Context, userID int64) Resolution {
	empty := Resolution{UserID: userID}
	if r == nil || r.store == nil || userID <= 0 {
		return empty
	}

	ch := r.group.DoChan(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.store.UserGrants(lookupCtx, userID)
	})
	var grants []Grant
	select {
	case <-ctx.Done():
		r.logger.Warn("resolve permissions cancelled", slog.Int64("user_id", userID), slog.Any("error", ctx.Err()))
		return empty
	case res := <-ch:
		if res.Err != nil {
			r.logger.Error("resolve permissions", slog.Int64("user_id", userID), slog.Any("error", res.Err))
			return empty
		}
		grants, _ = res.Val.([]Grant)
	}

	now := r.now()
	sets := make([]Set, 0, len(grants))
	roles := make([]Role, 0, len(grants))
	seenRoles := make(map[int64]struct{}, len(grants))
	for _, g := range grants {
		if !g.Assignment.Effective(now) {
			continue
		}
		role := g.Role
		role.Permissions = r.parseStored(role, g.PermissionKeys)
		sets = append(sets, role.PermissionSet())
		if _, dup := seenRoles[role.ID]; dup {
			continue
		}
		seenRoles[role.ID] = struct{}{}
		roles = append(roles, role)
	}
	return Resolution{UserID: userID, Roles: roles, Permissions: Union(sets...)}
}

func (r *Resolver) parseStored(role Role, keys []string) []Permission {
	if len(keys) == 0 {
		return role.Permissions
	}
	perms := make([]Permission, 0, len(keys))
	for _, key := range keys {
		p, err := ParsePermission(key)
		if err != nil {
			r.logger.Warn("ignoring stored permission outside catalog",
				slog.Int64("role_id", role.ID), slog.String("permission", key))
			continue
		}
		perms = append(perms, p)
	}
	return perms
}

package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/platform/db"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const roleColumns = `r.id, r.name, r.description, r.is_system, r.created_at, r.updated_at,
	COALESCE(array_agg(rp.permission ORDER BY rp.permission) FILTER (WHERE rp.permission IS NOT NULL), '{}')`

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]authz.Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+`
		FROM roles r LEFT JOIN role_permissions rp ON rp.role_id = r.id
		GROUP BY r.id ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []authz.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (authz.Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+`
		FROM roles r LEFT JOIN role_permissions rp ON rp.role_id = r.id
		WHERE r.id = $1 GROUP BY r.id`, id)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return authz.Role{}, ErrNotFound
	}
	return role, err
}

// CreateRole inserts a role together with its permissions.
func (r *PGRepository) CreateRole(ctx context.Context, role authz.Role) (authz.Role, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `INSERT INTO roles (name, description, is_system) VALUES ($1, $2, $3)
			RETURNING id, created_at, updated_at`, role.Name, role.Description, role.IsSystem).
			Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return err
		}
		return insertPermissions(ctx, tx, role.ID, role.Permissions)
	})
	if err != nil {
		return authz.Role{}, translate(err)
	}
	return role, nil
}

// UpdateRole changes the name and description of a role.
func (r *PGRepository) UpdateRole(ctx context.Context, id int64, name, description string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE roles SET name = $2, description = $3, updated_at = NOW() WHERE id = $1`, id, name, description)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRole removes a non-system role.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND NOT is_system`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			// Assignments are kept for audit, so a role that was ever assigned stays.
			return ErrRoleInUse
		}
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRolePermissions replaces the permissions of a role with perms.
func (r *PGRepository) SetRolePermissions(ctx context.Context, roleID int64, perms []authz.Permission) error {
	keys := make([]string, len(perms))
	for i, p := range perms {
		keys[i] = p.String()
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND NOT (permission = ANY($2))`, roleID, keys); err != nil {
			return err
		}
		return insertPermissions(ctx, tx, roleID, perms)
	})
	return translate(err)
}

const assignmentColumns = `ur.id, ur.user_id, ur.role_id, ur.valid_from, ur.valid_until, ur.is_active, COALESCE(ur.assigned_by, 0), ur.revoked_at`

// CreateAssignment stores a new role assignment.
func (r *PGRepository) CreateAssignment(ctx context.Context, a authz.Assignment) (authz.Assignment, error) {
	var assignedBy *int64
	if a.AssignedBy > 0 {
		assignedBy = &a.AssignedBy
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO user_roles AS ur (user_id, role_id, valid_from, valid_until, is_active, assigned_by)
		VALUES ($1, $2, $3, $4, TRUE, $5) RETURNING `+assignmentColumns,
		a.UserID, a.RoleID, a.ValidFrom, a.ValidUntil, assignedBy)
	out, err := scanAssignment(row)
	if err != nil {
		return authz.Assignment{}, translate(err)
	}
	return out, nil
}

// DeactivateAssignment marks an assignment inactive. Rows are never deleted.
func (r *PGRepository) DeactivateAssignment(ctx context.Context, id int64, at time.Time) (authz.Assignment, error) {
	row := r.pool.QueryRow(ctx, `UPDATE user_roles AS ur SET is_active = FALSE, revoked_at = COALESCE(ur.revoked_at, $2)
		WHERE ur.id = $1 RETURNING `+assignmentColumns, id, at)
	out, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return authz.Assignment{}, ErrNotFound
	}
	return out, err
}

// ListAssignments returns every assignment of a user, newest first.
func (r *PGRepository) ListAssignments(ctx context.Context, userID int64) ([]authz.Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM user_roles ur WHERE ur.user_id = $1 ORDER BY ur.valid_from DESC, ur.id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []authz.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UserGrants loads every assignment of a user joined with its role.
func (r *PGRepository) UserGrants(ctx context.Context, userID int64) ([]authz.Grant, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+`, `+roleColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		WHERE ur.user_id = $1
		GROUP BY ur.id, r.id
		ORDER BY ur.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []authz.Grant
	for rows.Next() {
		var g authz.Grant
		if err := rows.Scan(
			&g.Assignment.ID, &g.Assignment.UserID, &g.Assignment.RoleID, &g.Assignment.ValidFrom,
			&g.Assignment.ValidUntil, &g.Assignment.IsActive, &g.Assignment.AssignedBy, &g.Assignment.RevokedAt,
			&g.Role.ID, &g.Role.Name, &g.Role.Description, &g.Role.IsSystem, &g.Role.CreatedAt, &g.Role.UpdatedAt,
			&g.PermissionKeys,
		); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

var _ Repository = (*PGRepository)(nil)
var _ authz.AssignmentStore = (*PGRepository)(nil)

func insertPermissions(ctx context.Context, tx pgx.Tx, roleID int64, perms []authz.Permission) error {
	if len(perms) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range perms {
		batch.Queue(`INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, p.String())
	}
	return tx.SendBatch(ctx, batch).Close()
}

func scanRole(row pgx.Row) (authz.Role, error) {
	var role authz.Role
	var keys []string
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt, &keys); err != nil {
		return authz.Role{}, err
	}
	role.Permissions = make([]authz.Permission, 0, len(keys))
	for _, key := range keys {
		if p, err := authz.ParsePermission(key); err == nil {
			role.Permissions = append(role.Permissions, p)
		}
	}
	return role, nil
}

func scanAssignment(row pgx.Row) (authz.Assignment, error) {
	var a authz.Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.ValidFrom, &a.ValidUntil, &a.IsActive, &a.AssignedBy, &a.RevokedAt)
	return a, err
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicateRole
		case pgForeignKeyViolation:
			if pgErr.ConstraintName == "user_roles_user_id_fkey" {
				return ErrUnknownUser
			}
			return ErrNotFound
		}
	}
	return err
}

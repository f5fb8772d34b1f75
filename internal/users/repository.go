package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staykit/staykit/internal/platform/db"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, is_active, must_reset_password, created_at, updated_at`

// ListUsers returns all users.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser fetches a single account.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

// CreateUser inserts the account and its role assignments in one transaction.
func (r *Repository) CreateUser(ctx context.Context, in NewUser) (User, error) {
	var user User
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		user, err = scanUser(tx.QueryRow(ctx, `INSERT INTO users (email, name, password_hash, is_active, must_reset_password)
			VALUES ($1, $2, $3, TRUE, TRUE) RETURNING `+userColumns, in.Email, in.Name, in.PasswordHash))
		if err != nil {
			return err
		}
		if len(in.RoleIDs) == 0 {
			return nil
		}
		var assignedBy *int64
		if in.AssignedBy > 0 {
			assignedBy = &in.AssignedBy
		}
		batch := &pgx.Batch{}
		for _, roleID := range in.RoleIDs {
			batch.Queue(`INSERT INTO user_roles (user_id, role_id, valid_from, is_active, assigned_by) VALUES ($1, $2, $3, TRUE, $4)`,
				user.ID, roleID, in.At, assignedBy)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return User{}, translate(err)
	}
	return user, nil
}

// SetPassword stores a new hash and the reset flag.
func (r *Repository) SetPassword(ctx context.Context, id int64, hash string, mustReset bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET password_hash = $2, must_reset_password = $3, updated_at = NOW() WHERE id = $1`, id, hash, mustReset)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive enables or disables an account.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) (User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1 RETURNING `+userColumns, id, active))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

var _ RepositoryPort = (*Repository)(nil)

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.IsActive, &u.MustResetPassword, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicateEmail
		case pgForeignKeyViolation:
			return ErrUnknownRole
		}
	}
	return err
}

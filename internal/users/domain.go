package users

import "time"

// User represents a staff account for management.
type User struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	IsActive          bool      `json:"is_active"`
	MustResetPassword bool      `json:"must_reset_password"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewUser is the row written when an account is provisioned.
type NewUser struct {
	Email        string
	Name         string
	PasswordHash string
	RoleIDs      []int64
	AssignedBy   int64
	At           time.Time
}

// ProvisionInput is the administrator's request to create an account.
type ProvisionInput struct {
	Email   string
	Name    string
	RoleIDs []int64
}

// Provisioned carries the new account and its one-time temporary password.
type Provisioned struct {
	User              User   `json:"user"`
	TemporaryPassword string `json:"temporary_password"`
}

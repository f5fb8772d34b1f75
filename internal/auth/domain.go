package auth

import "time"

// User represents a staff account able to sign in.
type User struct {
	ID                int64
	Email             string
	Name              string
	PasswordHash      string
	IsActive          bool
	MustResetPassword bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

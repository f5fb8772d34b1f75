package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("shared: not found")
	// ErrInvalidCredentials is returned for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("shared: invalid credentials")
	// ErrInactiveAccount indicates a deactivated staff account.
	ErrInactiveAccount = errors.New("shared: account inactive")
	// ErrSessionMissing means the request reached a handler without a loaded session.
	ErrSessionMissing = errors.New("shared: session missing")
	ErrCSRFTokenMissing  = errors.New("shared: csrf token missing")
	ErrCSRFTokenMismatch = errors.New("shared: csrf token mismatch")
)

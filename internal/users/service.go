// Package users provisions and manages staff accounts.
package users

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/staykit/staykit/internal/platform/httpx"
	"github.com/staykit/staykit/internal/shared"
)

var (
	// ErrNotFound indicates an unknown account.
	ErrNotFound = fmt.Errorf("users: %w", httpx.ErrNotFound)
	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = fmt.Errorf("users: email %w", httpx.ErrDuplicate)
	// ErrUnknownRole indicates a provisioning request naming a missing role.
	ErrUnknownRole = fmt.Errorf("users: unknown role: %w", httpx.ErrValidation)
	// ErrSelfDeactivate prevents administrators from locking themselves out.
	ErrSelfDeactivate = fmt.Errorf("users: cannot deactivate your own account: %w", httpx.ErrConflict)
)

// tempPasswordBytes yields a 24 character hex password.
const tempPasswordBytes = 12

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, in NewUser) (User, error)
	SetPassword(ctx context.Context, id int64, hash string, mustReset bool) error
	SetActive(ctx context.Context, id int64, active bool) (User, error)
}

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	audit    shared.Auditor
	logger   *slog.Logger
	now      func() time.Time
	hashCost int
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, audit shared.Auditor, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now, hashCost: bcrypt.DefaultCost}
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// ProvisionUser creates an active account with a temporary password that must
// be changed at first sign-in. The requested roles start immediately.
func (s *Service) ProvisionUser(ctx context.Context, actorID int64, in ProvisionInput) (Provisioned, error) {
	email := normalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	if email == "" || name == "" {
		return Provisioned{}, fmt.Errorf("%w: email and name are required", httpx.ErrValidation)
	}
	password, hash, err := s.temporaryPassword()
	if err != nil {
		return Provisioned{}, err
	}
	roleIDs := slices.Clone(in.RoleIDs)
	slices.Sort(roleIDs)
	roleIDs = slices.Compact(roleIDs)

	user, err := s.repo.CreateUser(ctx, NewUser{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		RoleIDs:      roleIDs,
		AssignedBy:   actorID,
		At:           s.now().UTC(),
	})
	if err != nil {
		return Provisioned{}, err
	}
	s.record(ctx, actorID, shared.AuditUserProvision, user.ID, map[string]any{
		"email":    user.Email,
		"role_ids": roleIDs,
	})
	return Provisioned{User: user, TemporaryPassword: password}, nil
}

// ResetPassword replaces a user's password with a new temporary one and
// forces a change at next sign-in.
func (s *Service) ResetPassword(ctx context.Context, actorID, userID int64) (string, error) {
	password, hash, err := s.temporaryPassword()
	if err != nil {
		return "", err
	}
	if err := s.repo.SetPassword(ctx, userID, hash, true); err != nil {
		return "", err
	}
	s.record(ctx, actorID, shared.AuditPasswordChange, userID, map[string]any{"forced": true, "by_admin": true})
	return password, nil
}

// SetActive enables or disables an account. Disabled accounts fail to load
// an identity, so their sessions stop authorizing on the next request.
func (s *Service) SetActive(ctx context.Context, actorID, userID int64, active bool) (User, error) {
	if !active && actorID == userID {
		return User{}, ErrSelfDeactivate
	}
	user, err := s.repo.SetActive(ctx, userID, active)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, actorID, shared.AuditUserStatus, userID, map[string]any{"active": active})
	return user, nil
}

func (s *Service) temporaryPassword() (string, string, error) {
	buf := make([]byte, tempPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("users: generate password: %w", err)
	}
	password := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return "", "", fmt.Errorf("users: hash password: %w", err)
	}
	return password, string(hash), nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, userID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

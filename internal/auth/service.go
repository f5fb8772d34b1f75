package auth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/shared"
)

// MinPasswordLength is the shortest password accepted on reset.
const MinPasswordLength = 8

var (
	// ErrPasswordTooShort indicates a new password below MinPasswordLength.
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	// ErrPasswordUnchanged indicates a reset that reuses the current password.
	ErrPasswordUnchanged = errors.New("new password must differ from the current one")
	// ErrPasswordResetRequired indicates an account that must reset before API use.
	ErrPasswordResetRequired = errors.New("password reset required")
)

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	audit  shared.Auditor
	logger *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, audit shared.Auditor, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// LoadIdentity returns the identity of an active user.
func (s *Service) LoadIdentity(ctx context.Context, userID int64) (authz.Identity, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return authz.Identity{}, err
	}
	if !user.IsActive {
		return authz.Identity{}, shared.ErrInactiveAccount
	}
	return authz.Identity{
		UserID:            user.ID,
		Email:             user.Email,
		Name:              user.Name,
		MustResetPassword: user.MustResetPassword,
	}, nil
}

// ChangePassword replaces the password of userID after checking the current
// one. A successful change clears the reset requirement.
func (s *Service) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if len(next) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if current == next {
		return ErrPasswordUnchanged
	}
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return shared.ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  userID,
		Action:   shared.AuditPasswordChange,
		Entity:   "user",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     map[string]any{"forced": user.MustResetPassword},
	}); err != nil {
		s.logger.Warn("audit password change", slog.Any("error", err))
	}
	return nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

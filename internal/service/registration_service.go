package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/horizon/horizon/internal/mailer"
	"github.com/horizon/horizon/internal/models"
	"github.com/horizon/horizon/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdatePending(ctx context.Context, user *models.User) error
	MarkVerified(ctx context.Context, email string, at time.Time) error
	ClaimUsername(ctx context.Context, username, email string) error
	ReleaseUsername(ctx context.Context, username, email string) error
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type VerifyResult struct {
	Tokens *models.TokenPair
	User   *models.User
}

// RegistrationService owns the sign-up flow: pending user, emailed code,
// verification and first session.
type RegistrationService struct {
	users        UserStore
	otp          *OTPService
	sessions     *SessionService
	sender       mailer.Sender
	logger       *logrus.Logger
	passwordCost int
}

func NewRegistrationService(
	users UserStore,
	otp *OTPService,
	sessions *SessionService,
	sender mailer.Sender,
	logger *logrus.Logger,
) *RegistrationService {
	return &RegistrationService{
		users:        users,
		otp:          otp,
		sessions:     sessions,
		sender:       sender,
		logger:       logger,
		passwordCost: bcrypt.DefaultCost,
	}
}

// SetPasswordCost overrides the bcrypt cost for password hashes.
func (s *RegistrationService) SetPasswordCost(cost int) {
	s.passwordCost = cost
}

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an unverified user, or refreshes the credentials of one
// that never verified, and emails a verification code.
func (s *RegistrationService) Register(ctx context.Context, in RegisterInput) error {
	email := NormalizeEmail(in.Email)
	username := strings.TrimSpace(in.Username)
	if len(in.Password) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}

	existing, err := s.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		existing = nil
	case err != nil:
		return fmt.Errorf("failed to look up user: %w", err)
	case existing.Verified:
		return ErrUserExists
	}

	if existing != nil {
		if err := s.otp.CheckCooldown(ctx, email); err != nil {
			return err
		}
	}

	if err := s.users.ClaimUsername(ctx, username, email); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return ErrUsernameTaken
		}
		return err
	}

	renamed := existing != nil && !strings.EqualFold(existing.Username, username)
	claimedNew := existing == nil || renamed

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.passwordCost)
	if err != nil {
		s.releaseOnFailure(ctx, claimedNew, username, email)
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
	}

	if existing == nil {
		err = s.users.Create(ctx, user)
	} else {
		err = s.users.UpdatePending(ctx, user)
	}
	if err != nil {
		s.releaseOnFailure(ctx, claimedNew, username, email)
		if errors.Is(err, repository.ErrAlreadyExists) {
			return ErrUserExists
		}
		return err
	}

	if renamed {
		if err := s.users.ReleaseUsername(ctx, existing.Username, email); err != nil {
			s.logger.WithError(err).WithField("username", existing.Username).Warn("Failed to release previous username")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"email":    email,
		"username": username,
		"pending":  existing != nil,
	}).Info("User registered, awaiting verification")

	return s.sendCode(ctx, email)
}

func (s *RegistrationService) releaseOnFailure(ctx context.Context, claimed bool, username, email string) {
	if !claimed {
		return
	}
	if err := s.users.ReleaseUsername(ctx, username, email); err != nil {
		s.logger.WithError(err).WithField("username", username).Warn("Failed to release username")
	}
}

// VerifyOTP consumes the emailed code, marks the user verified and opens a
// session.
func (s *RegistrationService) VerifyOTP(ctx context.Context, email, code string) (*VerifyResult, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)

	user, err := s.pendingUser(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := s.otp.Verify(ctx, email, code); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.users.MarkVerified(ctx, email, now); err != nil {
		return nil, fmt.Errorf("failed to mark user verified: %w", err)
	}
	user.Verified = true
	user.VerifiedAt = &now

	tokens, err := s.sessions.Issue(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("email", email).Info("Email verified")

	return &VerifyResult{Tokens: tokens, User: user}, nil
}

// ResendOTP issues and sends a new code, subject to the resend cooldown.
func (s *RegistrationService) ResendOTP(ctx context.Context, email string) error {
	email = NormalizeEmail(email)

	if _, err := s.pendingUser(ctx, email); err != nil {
		return err
	}

	return s.sendCode(ctx, email)
}

// Profile returns the stored user for an authenticated email.
func (s *RegistrationService) Profile(ctx context.Context, email string) (*models.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *RegistrationService) pendingUser(ctx context.Context, email string) (*models.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user.Verified {
		return nil, ErrAlreadyVerified
	}
	return user, nil
}

func (s *RegistrationService) sendCode(ctx context.Context, email string) error {
	code, err := s.otp.Issue(ctx, email)
	if err != nil {
		return err
	}

	if err := s.sender.SendOTP(ctx, email, code); err != nil {
		return err
	}

	return nil
}

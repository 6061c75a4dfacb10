package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/horizon/horizon/internal/config"
	"github.com/horizon/horizon/internal/models"
	"github.com/horizon/horizon/internal/repository"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// OTPStore keeps at most one pending code per email. Get, IncrementAttempts
// and Consume return repository.ErrNotFound when nothing is stored.
// IncrementAttempts and Consume must be atomic in the backing store.
type OTPStore interface {
	Save(ctx context.Context, otpData models.OTPData, ttl time.Duration) error
	Get(ctx context.Context, email string) (*models.OTPData, error)
	IncrementAttempts(ctx context.Context, email string) (int, error)
	Consume(ctx context.Context, email string) (*models.OTPData, error)
	Delete(ctx context.Context, email string) error
}

type OTPService struct {
	store    OTPStore
	cfg      *config.OTPConfig
	logger   *logrus.Logger
	now      func() time.Time
	hashCost int
}

type OTPOption func(*OTPService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OTPOption {
	return func(s *OTPService) { s.now = now }
}

func WithOTPHashCost(cost int) OTPOption {
	return func(s *OTPService) { s.hashCost = cost }
}

func NewOTPService(store OTPStore, cfg *config.OTPConfig, logger *logrus.Logger, opts ...OTPOption) *OTPService {
	s := &OTPService{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		hashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckCooldown returns a *CooldownError if a code was issued for email less
// than ResendCooldown ago.
func (s *OTPService) CheckCooldown(ctx context.Context, email string) error {
	existing, err := s.store.Get(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load OTP: %w", err)
	}

	if wait := existing.CreatedAt.Add(s.cfg.ResendCooldown).Sub(s.now()); wait > 0 {
		return &CooldownError{RetryAfter: wait.Round(time.Second)}
	}
	return nil
}

// Issue generates a fresh code for email and stores its hash, replacing and
// invalidating any previous code. The plain code is returned for delivery.
func (s *OTPService) Issue(ctx context.Context, email string) (string, error) {
	if err := s.CheckCooldown(ctx, email); err != nil {
		return "", err
	}

	otp, err := s.generateRandomOTP(s.cfg.Length)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}

	hashedOTP, err := bcrypt.GenerateFromPassword([]byte(otp), s.hashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash OTP: %w", err)
	}

	now := s.now().UTC()
	otpData := models.OTPData{
		OTPHash:   string(hashedOTP),
		Email:     email,
		Attempts:  0,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Expiry),
	}

	if err := s.store.Save(ctx, otpData, s.cfg.Expiry); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"email":      email,
		"expires_at": otpData.ExpiresAt,
	}).Info("OTP issued")

	return otp, nil
}

// Verify checks code against the pending OTP for email. Every check uses
// up one of MaxAttempts before the hash is compared, so concurrent guesses
// cannot exceed the cap. A correct code is consumed exactly once.
func (s *OTPService) Verify(ctx context.Context, email, code string) error {
	otpData, err := s.store.Get(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrOTPNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get OTP: %w", err)
	}

	if otpData.Expired(s.now()) {
		s.deleteQuietly(ctx, email)
		return ErrOTPExpired
	}

	attempts, err := s.store.IncrementAttempts(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrOTPNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to record OTP attempt: %w", err)
	}
	if attempts > s.cfg.MaxAttempts {
		s.deleteQuietly(ctx, email)
		return ErrTooManyAttempts
	}

	if err := bcrypt.CompareHashAndPassword([]byte(otpData.OTPHash), []byte(code)); err != nil {
		if attempts >= s.cfg.MaxAttempts {
			s.deleteQuietly(ctx, email)
			s.logger.WithField("email", email).Warn("OTP attempts exhausted")
			return ErrTooManyAttempts
		}
		return ErrInvalidOTP
	}

	consumed, err := s.store.Consume(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrOTPNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to consume OTP: %w", err)
	}
	// a resend may have replaced the code after it was read
	if consumed.OTPHash != otpData.OTPHash {
		return ErrOTPNotFound
	}

	return nil
}

func (s *OTPService) deleteQuietly(ctx context.Context, email string) {
	if err := s.store.Delete(ctx, email); err != nil {
		s.logger.WithError(err).WithField("email", email).Warn("Failed to delete OTP")
	}
}

func (s *OTPService) generateRandomOTP(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		sb.WriteString(num.String())
	}
	return sb.String(), nil
}

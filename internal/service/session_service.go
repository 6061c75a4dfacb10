package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/horizon/horizon/internal/models"
	"github.com/horizon/horizon/internal/repository"
	"github.com/sirupsen/logrus"
)

// SessionStore persists refresh tokens so they can be rotated and revoked.
type SessionStore interface {
	Store(ctx context.Context, tokenData models.RefreshTokenData) error
	Get(ctx context.Context, jti string) (*models.RefreshTokenData, error)
	Revoke(ctx context.Context, jti string) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	FamilyMembers(ctx context.Context, familyID string) ([]string, error)
}

type SessionService struct {
	jwt    *JWTService
	store  SessionStore
	logger *logrus.Logger
}

func NewSessionService(jwtService *JWTService, store SessionStore, logger *logrus.Logger) *SessionService {
	return &SessionService{
		jwt:    jwtService,
		store:  store,
		logger: logger,
	}
}

// Issue starts a new session for user.
func (s *SessionService) Issue(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	return s.issue(ctx, user.Email, user.Username, "")
}

func (s *SessionService) issue(ctx context.Context, email, username, familyID string) (*models.TokenPair, error) {
	pair, refreshClaims, err := s.jwt.GenerateTokenPair(email, username, familyID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Store(ctx, models.RefreshTokenData{
		JTI:       refreshClaims.ID,
		Email:     email,
		FamilyID:  refreshClaims.Family,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: refreshClaims.ExpiresAt.Time,
	}); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return pair, nil
}

// Authenticate validates an access token.
func (s *SessionService) Authenticate(tokenString string) (*Claims, error) {
	claims, err := s.jwt.VerifyToken(tokenString)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated or revoked revokes its whole family.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, err := s.jwt.VerifyToken(refreshToken)
	if err != nil || claims.Type != TokenTypeRefresh {
		return nil, ErrInvalidToken
	}

	revoked, err := s.store.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		s.logger.WithFields(logrus.Fields{
			"email":     claims.Email,
			"family_id": claims.Family,
		}).Warn("Refresh token reuse detected, revoking family")
		s.revokeFamily(ctx, claims.Family)
		return nil, ErrTokenRevoked
	}

	if _, err := s.store.Get(ctx, claims.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if err := s.store.Revoke(ctx, claims.ID); err != nil {
		return nil, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return s.issue(ctx, claims.Email, claims.Username, claims.Family)
}

// Logout revokes refreshToken when it belongs to the same user as the access
// claims. An empty or foreign token is ignored.
func (s *SessionService) Logout(ctx context.Context, access *Claims, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	claims, err := s.jwt.VerifyToken(refreshToken)
	if err != nil || claims.Type != TokenTypeRefresh || claims.Subject != access.Subject {
		return nil
	}

	if err := s.store.Revoke(ctx, claims.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *SessionService) revokeFamily(ctx context.Context, familyID string) {
	if familyID == "" {
		return
	}

	members, err := s.store.FamilyMembers(ctx, familyID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list token family")
		return
	}

	for _, jti := range members {
		if err := s.store.Revoke(ctx, jti); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.WithError(err).WithField("jti", jti).Error("Failed to revoke token in family")
		}
	}
}

package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/horizon/horizon/internal/config"
	"github.com/horizon/horizon/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"

	tokenIssuer = "horizon"
)

type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	logger        *logrus.Logger
}

func NewJWTService(cfg *config.JWTConfig, logger *logrus.Logger) (*JWTService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &JWTService{
		secretKey:     secretKey,
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		logger:        logger,
	}, nil
}

type Claims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Type     string `json:"type"`
	Family   string `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// GenerateTokenPair signs an access and a refresh token for the user. An
// empty familyID starts a new refresh family. The refresh claims are returned
// so callers can persist the JTI.
func (s *JWTService) GenerateTokenPair(email, username, familyID string) (*models.TokenPair, *Claims, error) {
	if familyID == "" {
		familyID = uuid.New().String()
	}

	now := time.Now()

	accessClaims := s.newClaims(email, username, TokenTypeAccess, "", now, s.accessExpiry)
	accessTokenString, err := s.sign(accessClaims)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign access token")
		return nil, nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshClaims := s.newClaims(email, username, TokenTypeRefresh, familyID, now, s.refreshExpiry)
	refreshTokenString, err := s.sign(refreshClaims)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign refresh token")
		return nil, nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &models.TokenPair{
		AccessToken:  accessTokenString,
		RefreshToken: refreshTokenString,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessExpiry.Seconds()),
	}, refreshClaims, nil
}

func (s *JWTService) newClaims(email, username, tokenType, familyID string, now time.Time, ttl time.Duration) *Claims {
	return &Claims{
		Email:    email,
		Username: username,
		Type:     tokenType,
		Family:   familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
	}
}

func (s *JWTService) sign(claims *Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
}

// VerifyToken checks signature, issuer and expiry. The token type is left to
// the caller.
func (s *JWTService) VerifyToken(tokenString string) (*Claims, error) {
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return s.secretKey, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/horizon/horizon/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisSessionRepository stores refresh tokens under refresh_token:<jti>, a
// revocation marker under revoked_token:<jti> and family membership in the
// set token_family:<family_id>.
type RedisSessionRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisSessionRepository(client *redis.Client, logger *logrus.Logger) *RedisSessionRepository {
	return &RedisSessionRepository{
		client: client,
		logger: logger,
	}
}

func refreshKey(jti string) string { return fmt.Sprintf("refresh_token:%s", jti) }
func revokedKey(jti string) string { return fmt.Sprintf("revoked_token:%s", jti) }
func familyKey(id string) string   { return fmt.Sprintf("token_family:%s", id) }

func ttlUntil(t time.Time) time.Duration {
	ttl := time.Until(t)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (r *RedisSessionRepository) Store(ctx context.Context, tokenData models.RefreshTokenData) error {
	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := ttlUntil(tokenData.ExpiresAt)

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, refreshKey(tokenData.JTI), dataJSON, ttl)
	pipe.SAdd(ctx, familyKey(tokenData.FamilyID), tokenData.JTI)
	pipe.Expire(ctx, familyKey(tokenData.FamilyID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WithError(err).Error("Failed to store refresh token")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) Get(ctx context.Context, jti string) (*models.RefreshTokenData, error) {
	dataJSON, err := r.client.Get(ctx, refreshKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var tokenData models.RefreshTokenData
	if err := json.Unmarshal([]byte(dataJSON), &tokenData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	return &tokenData, nil
}

func (r *RedisSessionRepository) Revoke(ctx context.Context, jti string) error {
	tokenData, err := r.Get(ctx, jti)
	if err != nil {
		return err
	}

	tokenData.Revoked = true
	dataJSON, err := json.Marshal(tokenData)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := ttlUntil(tokenData.ExpiresAt)

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, refreshKey(jti), dataJSON, ttl)
	pipe.Set(ctx, revokedKey(jti), "1", ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return nil
}

func (r *RedisSessionRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (r *RedisSessionRepository) FamilyMembers(ctx context.Context, familyID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, familyKey(familyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list token family: %w", err)
	}
	return members, nil
}

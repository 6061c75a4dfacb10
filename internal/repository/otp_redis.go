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

// RedisOTPRepository stores the code record as JSON under otp:<email> and
// the attempt count as a plain counter beside it, so failed guesses can be
// counted with INCR instead of a read-modify-write.
type RedisOTPRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewRedisOTPRepository(client *redis.Client, logger *logrus.Logger) *RedisOTPRepository {
	return &RedisOTPRepository{
		client: client,
		logger: logger,
	}
}

func otpKey(email string) string {
	return fmt.Sprintf("otp:%s", email)
}

func otpAttemptsKey(email string) string {
	return fmt.Sprintf("otp:%s:attempts", email)
}

// Save replaces any pending code for the email and resets its counter.
func (r *RedisOTPRepository) Save(ctx context.Context, otpData models.OTPData, ttl time.Duration) error {
	dataJSON, err := json.Marshal(otpData)
	if err != nil {
		return fmt.Errorf("failed to marshal OTP data: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Second
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, otpKey(otpData.Email), dataJSON, ttl)
		pipe.Set(ctx, otpAttemptsKey(otpData.Email), otpData.Attempts, ttl)
		return nil
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store OTP in Redis")
		return fmt.Errorf("failed to store OTP: %w", err)
	}

	return nil
}

func (r *RedisOTPRepository) Get(ctx context.Context, email string) (*models.OTPData, error) {
	var dataCmd, attemptsCmd *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		dataCmd = pipe.Get(ctx, otpKey(email))
		attemptsCmd = pipe.Get(ctx, otpAttemptsKey(email))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.WithError(err).Error("Failed to get OTP from Redis")
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	dataJSON, err := dataCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	otpData, err := decodeOTP(dataJSON)
	if err != nil {
		return nil, err
	}

	attempts, err := attemptsCmd.Int()
	switch {
	case err == nil:
		otpData.Attempts = attempts
	case !errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("failed to get OTP attempts: %w", err)
	}

	return otpData, nil
}

// IncrementAttempts atomically adds one to the attempt counter and returns
// the new count. It returns ErrNotFound when no code is pending.
func (r *RedisOTPRepository) IncrementAttempts(ctx context.Context, email string) (int, error) {
	var incrCmd *redis.IntCmd
	var ttlCmd *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incrCmd = pipe.Incr(ctx, otpAttemptsKey(email))
		ttlCmd = pipe.PTTL(ctx, otpKey(email))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record OTP attempt: %w", err)
	}

	// PTTL is negative when the code key is missing
	if ttlCmd.Val() <= 0 {
		if err := r.client.Del(ctx, otpAttemptsKey(email)).Err(); err != nil {
			r.logger.WithError(err).Warn("Failed to drop orphaned OTP counter")
		}
		return 0, ErrNotFound
	}

	return int(incrCmd.Val()), nil
}

// Consume removes the pending code and returns it. Of several concurrent
// callers only one gets the record; the rest get ErrNotFound.
func (r *RedisOTPRepository) Consume(ctx context.Context, email string) (*models.OTPData, error) {
	var dataCmd *redis.StringCmd
	var attemptsCmd *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		dataCmd = pipe.GetDel(ctx, otpKey(email))
		attemptsCmd = pipe.GetDel(ctx, otpAttemptsKey(email))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to consume OTP: %w", err)
	}

	dataJSON, err := dataCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume OTP: %w", err)
	}

	otpData, err := decodeOTP(dataJSON)
	if err != nil {
		return nil, err
	}
	if attempts, err := attemptsCmd.Int(); err == nil {
		otpData.Attempts = attempts
	}

	return otpData, nil
}

func (r *RedisOTPRepository) Delete(ctx context.Context, email string) error {
	if err := r.client.Del(ctx, otpKey(email), otpAttemptsKey(email)).Err(); err != nil {
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

func decodeOTP(dataJSON []byte) (*models.OTPData, error) {
	var otpData models.OTPData
	if err := json.Unmarshal(dataJSON, &otpData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OTP data: %w", err)
	}
	return &otpData, nil
}

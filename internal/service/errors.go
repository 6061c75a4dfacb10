package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrUserNotFound    = errors.New("user not found")
	ErrAlreadyVerified = errors.New("email already verified")
	ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

	ErrOTPNotFound     = errors.New("OTP not found or expired")
	ErrOTPExpired      = errors.New("OTP expired")
	ErrInvalidOTP      = errors.New("invalid OTP")
	ErrTooManyAttempts = errors.New("maximum attempts exceeded")
	ErrResendTooSoon   = errors.New("OTP requested too recently")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// CooldownError is returned when a new code is requested before the resend
// cooldown has elapsed. It matches ErrResendTooSoon.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrResendTooSoon, e.RetryAfter)
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrResendTooSoon
}

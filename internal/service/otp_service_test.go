package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sixDigits = regexp.MustCompile(`^\d{6}$`)

func TestOTPService_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	svc := newTestOTPService(t, newFakeClock())

	code, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Regexp(t, sixDigits, code)

	require.NoError(t, svc.Verify(ctx, "a@example.com", code))

	// single use
	assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", code), ErrOTPNotFound)
}

func TestOTPService_WrongCodeCountsAttempts(t *testing.T) {
	ctx := context.Background()
	svc := newTestOTPService(t, newFakeClock())

	code, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", wrong), ErrInvalidOTP)
	assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", wrong), ErrInvalidOTP)
	assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", wrong), ErrTooManyAttempts)

	// exhausted codes are gone, even the right one
	assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", code), ErrOTPNotFound)
}

func TestOTPService_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestOTPService(t, clock)

	code, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", code), ErrOTPExpired)
	assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", code), ErrOTPNotFound)
}

func TestOTPService_ResendCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestOTPService(t, clock)

	first, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	_, err = svc.Issue(ctx, "a@example.com")
	require.ErrorIs(t, err, ErrResendTooSoon)

	var cooldown *CooldownError
	require.True(t, errors.As(err, &cooldown))
	assert.Equal(t, 40*time.Second, cooldown.RetryAfter)

	clock.Advance(40 * time.Second)
	second, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)

	if first != second {
		assert.ErrorIs(t, svc.Verify(ctx, "a@example.com", first), ErrInvalidOTP, "resend invalidates the previous code")
	}
	require.NoError(t, svc.Verify(ctx, "a@example.com", second))
}

func TestOTPService_ResendRestartsWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestOTPService(t, clock)

	_, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)

	clock.Advance(9 * time.Minute)
	code, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)

	clock.Advance(9 * time.Minute)
	require.NoError(t, svc.Verify(ctx, "a@example.com", code))
}

func TestOTPService_CodesAreIndependentPerEmail(t *testing.T) {
	ctx := context.Background()
	svc := newTestOTPService(t, newFakeClock())

	a, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)
	b, err := svc.Issue(ctx, "b@example.com")
	require.NoError(t, err)

	require.NoError(t, svc.Verify(ctx, "b@example.com", b))
	require.NoError(t, svc.Verify(ctx, "a@example.com", a))
}

func TestOTPService_ConcurrentWrongGuessesHitTheCap(t *testing.T) {
	ctx := context.Background()
	svc := newTestOTPService(t, newFakeClock())

	code, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	const guesses = 30
	results := make(chan error, guesses)
	var wg sync.WaitGroup
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.Verify(ctx, "a@example.com", wrong)
		}()
	}
	wg.Wait()
	close(results)

	invalid := 0
	for err := range results {
		if errors.Is(err, ErrInvalidOTP) {
			invalid++
			continue
		}
		assert.True(t, errors.Is(err, ErrTooManyAttempts) || errors.Is(err, ErrOTPNotFound), "unexpected error %v", err)
	}
	assert.LessOrEqual(t, invalid, otpConfig().MaxAttempts-1)

	assert.Error(t, svc.Verify(ctx, "a@example.com", code), "the code is burned once the cap is reached")
}

func TestOTPService_ConcurrentCorrectCodeConsumedOnce(t *testing.T) {
	ctx := context.Background()
	svc := newTestOTPService(t, newFakeClock())

	code, err := svc.Issue(ctx, "a@example.com")
	require.NoError(t, err)

	const submissions = 3
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Verify(ctx, "a@example.com", code); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrOTPNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
}

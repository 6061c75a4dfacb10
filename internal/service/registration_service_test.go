package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/horizon/horizon/internal/mailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type registrationFixture struct {
	svc    *RegistrationService
	users  *memUsers
	sender *recordingSender
	clock  *fakeClock
}

func newRegistrationFixture(t *testing.T) *registrationFixture {
	t.Helper()
	clock := newFakeClock()
	users := newMemUsers()
	sender := &recordingSender{}

	svc := NewRegistrationService(users, newTestOTPService(t, clock), newTestSessions(t), sender, testLogger())
	svc.SetPasswordCost(bcrypt.MinCost)

	return &registrationFixture{svc: svc, users: users, sender: sender, clock: clock}
}

func TestRegistration_FullFlow(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)

	err := f.svc.Register(ctx, RegisterInput{Username: "alice", Email: "  Alice@Example.com ", Password: "secret1"})
	require.NoError(t, err)

	sent := f.sender.last(t)
	assert.Equal(t, "alice@example.com", sent.to)
	assert.Regexp(t, sixDigits, sent.code)

	stored, err := f.users.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, stored.Verified)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret1")))

	result, err := f.svc.VerifyOTP(ctx, "ALICE@example.com", sent.code)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.True(t, result.User.Verified)

	stored, err = f.users.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.True(t, stored.Verified)

	_, err = f.svc.VerifyOTP(ctx, "alice@example.com", sent.code)
	assert.ErrorIs(t, err, ErrAlreadyVerified)

	err = f.svc.Register(ctx, RegisterInput{Username: "alice2", Email: "alice@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestRegistration_UsernameTaken(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)

	require.NoError(t, f.svc.Register(ctx, RegisterInput{Username: "neo", Email: "neo@example.com", Password: "secret1"}))

	err := f.svc.Register(ctx, RegisterInput{Username: "NEO", Email: "trinity@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = f.users.GetByEmail(ctx, "trinity@example.com")
	assert.Error(t, err, "no user is created on conflict")
}

func TestRegistration_PendingUserCanReregister(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)

	require.NoError(t, f.svc.Register(ctx, RegisterInput{Username: "morpheus", Email: "m@example.com", Password: "secret1"}))

	err := f.svc.Register(ctx, RegisterInput{Username: "morph", Email: "m@example.com", Password: "secret2"})
	assert.ErrorIs(t, err, ErrResendTooSoon)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.Register(ctx, RegisterInput{Username: "morph", Email: "m@example.com", Password: "secret2"}))
	assert.Equal(t, 2, f.sender.count())

	stored, err := f.users.GetByEmail(ctx, "m@example.com")
	require.NoError(t, err)
	assert.Equal(t, "morph", stored.Username)

	// the old name was released
	require.NoError(t, f.svc.Register(ctx, RegisterInput{Username: "morpheus", Email: "other@example.com", Password: "secret1"}))
}

func TestRegistration_Resend(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)

	err := f.svc.ResendOTP(ctx, "ghost@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, f.svc.Register(ctx, RegisterInput{Username: "bob", Email: "bob@example.com", Password: "secret1"}))
	first := f.sender.last(t)

	assert.ErrorIs(t, f.svc.ResendOTP(ctx, "bob@example.com"), ErrResendTooSoon)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ResendOTP(ctx, "bob@example.com"))
	second := f.sender.last(t)
	assert.Equal(t, 2, f.sender.count())

	if first.code != second.code {
		_, err = f.svc.VerifyOTP(ctx, "bob@example.com", first.code)
		assert.ErrorIs(t, err, ErrInvalidOTP)
	}

	_, err = f.svc.VerifyOTP(ctx, "bob@example.com", second.code)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.ResendOTP(ctx, "bob@example.com"), ErrAlreadyVerified)
}

func TestRegistration_DeliveryFailurePropagates(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)
	f.sender.err = fmt.Errorf("%w: dial tcp: connection refused", mailer.ErrDelivery)

	err := f.svc.Register(ctx, RegisterInput{Username: "carol", Email: "carol@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, mailer.ErrDelivery)

	// the pending user survives so the code can be resent
	_, err = f.users.GetByEmail(ctx, "carol@example.com")
	require.NoError(t, err)

	f.sender.err = nil
	f.clock.Advance(time.Minute)
	require.NoError(t, f.svc.ResendOTP(ctx, "carol@example.com"))
}

func TestRegistration_VerifyUnknownUser(t *testing.T) {
	f := newRegistrationFixture(t)
	_, err := f.svc.VerifyOTP(context.Background(), "nobody@example.com", "123456")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRegistration_Profile(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)

	_, err := f.svc.Profile(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, f.svc.Register(ctx, RegisterInput{Username: "dave", Email: "dave@example.com", Password: "secret1"}))
	user, err := f.svc.Profile(ctx, "dave@example.com")
	require.NoError(t, err)
	assert.Equal(t, "dave", user.Username)
}

func TestRegistration_PasswordByteLimit(t *testing.T) {
	ctx := context.Background()
	f := newRegistrationFixture(t)

	// 40 runes, 80 bytes
	err := f.svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: strings.Repeat("é", 40)})
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	assert.Empty(t, f.sender.sent)

	_, err = f.users.GetByEmail(ctx, "alice@example.com")
	assert.Error(t, err, "nothing stored")

	require.NoError(t, f.svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: strings.Repeat("é", 36)}))
}

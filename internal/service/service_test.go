package service

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/horizon/horizon/internal/config"
	"github.com/horizon/horizon/internal/models"
	"github.com/horizon/horizon/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func otpConfig() *config.OTPConfig {
	return &config.OTPConfig{
		Length:         6,
		Expiry:         10 * time.Minute,
		MaxAttempts:    3,
		ResendCooldown: time.Minute,
		Store:          config.StoreRedis,
	}
}

func newTestOTPService(t *testing.T, clock *fakeClock) *OTPService {
	t.Helper()
	store := repository.NewRedisOTPRepository(newRedis(t), testLogger())
	return NewOTPService(store, otpConfig(), testLogger(),
		WithClock(clock.Now),
		WithOTPHashCost(bcrypt.MinCost),
	)
}

func newTestJWT(t *testing.T) *JWTService {
	t.Helper()
	svc, err := NewJWTService(&config.JWTConfig{
		SecretKey:     testSecret,
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 24 * time.Hour,
	}, testLogger())
	require.NoError(t, err)
	return svc
}

func newTestSessions(t *testing.T) *SessionService {
	t.Helper()
	store := repository.NewRedisSessionRepository(newRedis(t), testLogger())
	return NewSessionService(newTestJWT(t), store, testLogger())
}

// memUsers is an in-memory UserStore with the same conflict rules as the
// DynamoDB repository.
type memUsers struct {
	mu        sync.Mutex
	users     map[string]*models.User
	usernames map[string]string
}

func newMemUsers() *memUsers {
	return &memUsers{users: map[string]*models.User{}, usernames: map[string]string{}}
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Email]; ok {
		return repository.ErrAlreadyExists
	}
	cp := *user
	m.users[user.Email] = &cp
	return nil
}

func (m *memUsers) UpdatePending(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[user.Email]
	if !ok || u.Verified {
		return repository.ErrAlreadyExists
	}
	u.Username = user.Username
	u.PasswordHash = user.PasswordHash
	return nil
}

func (m *memUsers) MarkVerified(_ context.Context, email string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return repository.ErrNotFound
	}
	u.Verified = true
	u.VerifiedAt = &at
	return nil
}

func (m *memUsers) ClaimUsername(_ context.Context, username, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(username)
	if owner, ok := m.usernames[key]; ok && owner != email {
		return repository.ErrUsernameTaken
	}
	m.usernames[key] = email
	return nil
}

func (m *memUsers) ReleaseUsername(_ context.Context, username, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(username)
	if m.usernames[key] == email {
		delete(m.usernames, key)
	}
	return nil
}

type sentOTP struct {
	to   string
	code string
}

// recordingSender captures codes instead of emailing them.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentOTP
	err  error
}

func (r *recordingSender) SendOTP(_ context.Context, to, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentOTP{to: to, code: code})
	return nil
}

func (r *recordingSender) last(t *testing.T) sentOTP {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sent, "no OTP sent")
	return r.sent[len(r.sent)-1]
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

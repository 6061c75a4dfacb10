package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 6, cfg.OTP.Length)
	assert.Equal(t, 10*time.Minute, cfg.OTP.Expiry)
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.OTP.ResendCooldown)
	assert.Equal(t, StoreRedis, cfg.OTP.Store)
	assert.Equal(t, StoreRedis, cfg.Session.Store)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.False(t, cfg.SMTP.Secure)
	assert.False(t, cfg.SMTP.Enabled())
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Empty(t, cfg.Server.TrustedProxies, "X-Forwarded-For is ignored unless proxies are configured")
}

func TestLoad_TrustedProxies(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.9"}, cfg.Server.TrustedProxies)
}

func TestLoad_SMTP(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_USER", "mailer@example.com")
	t.Setenv("SMTP_PASS", "hunter2")
	t.Setenv("SMTP_PORT", "465")
	t.Setenv("SMTP_SECURE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.SMTP.Enabled())
	assert.True(t, cfg.SMTP.Secure)
	assert.Equal(t, 465, cfg.SMTP.Port)
	assert.Equal(t, "mailer@example.com", cfg.SMTP.From, "From falls back to SMTP_USER")

	t.Setenv("SMTP_FROM", "Horizon <no-reply@example.com>")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "Horizon <no-reply@example.com>", cfg.SMTP.From)
}

func TestLoad_SMTPSecureOnlyExactTrue(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("SMTP_SECURE", "TRUE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.SMTP.Secure)
}

func TestLoad_SMTPPartialIsDisabled(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_USER", "mailer@example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.SMTP.Enabled())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing secret", env: map[string]string{}},
		{name: "short secret", env: map[string]string{"JWT_SECRET_KEY": "short"}},
		{name: "bad otp store", env: map[string]string{"JWT_SECRET_KEY": testSecret, "OTP_STORE": "memcached"}},
		{name: "bad session store", env: map[string]string{"JWT_SECRET_KEY": testSecret, "SESSION_STORE": "files"}},
		{name: "bad otp length", env: map[string]string{"JWT_SECRET_KEY": testSecret, "OTP_LENGTH": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvAsList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvAsList("CORS_ALLOWED_ORIGINS", nil))
}

// Package mailer delivers verification codes by email.
//
// A Sender is picked once at startup by New: SMTP when the SMTP settings are
// complete, otherwise a console sender that writes the code to the log.
package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/horizon/horizon/internal/config"
	"github.com/sirupsen/logrus"
)

// ErrDelivery wraps every transport failure returned by a Sender.
var ErrDelivery = errors.New("failed to deliver email")

const (
	ProductName = "pwngrid Horizon"
	OTPSubject  = "Email Verification - Your OTP Code"
)

type Sender interface {
	SendOTP(ctx context.Context, to, code string) error
}

// New returns an SMTPSender when cfg is complete and a ConsoleSender otherwise.
// validFor is the code lifetime quoted to the recipient.
func New(cfg config.SMTPConfig, validFor time.Duration, logger *logrus.Logger) Sender {
	if cfg.Enabled() {
		logger.WithFields(logrus.Fields{
			"host":   cfg.Host,
			"port":   cfg.Port,
			"secure": cfg.Secure,
		}).Info("SMTP mailer configured")
		return NewSMTPSender(cfg, validFor, logger)
	}

	logger.Warn("SMTP not configured, OTP codes will be written to the log")
	return NewConsoleSender(validFor, logger)
}

var otpTemplate = template.Must(template.New("otp").Parse(`
<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <h2 style="color: #333;">Email Verification</h2>
  <p>Welcome to <strong>{{.Product}}</strong>!</p>
  <p>Your One-Time Password (OTP) is:</p>
  <div style="background: #f0f0f0; padding: 20px; text-align: center; border-radius: 5px; margin: 20px 0;">
    <h1 style="color: #007bff; letter-spacing: 3px; margin: 0;">{{.Code}}</h1>
  </div>
  <p style="color: #666;">This code is valid for <strong>{{.ValidFor}}</strong>.</p>
  <p style="color: #666;">If you didn't request this code, please ignore this email.</p>
  <hr style="border: none; border-top: 1px solid #ddd; margin: 20px 0;">
  <p style="color: #999; font-size: 12px;">This is an automated email, please do not reply.</p>
</div>
`))

// RenderOTPBody renders the HTML body of a verification email.
func RenderOTPBody(code string, validFor time.Duration) (string, error) {
	var buf bytes.Buffer
	err := otpTemplate.Execute(&buf, struct {
		Product  string
		Code     string
		ValidFor string
	}{
		Product:  ProductName,
		Code:     code,
		ValidFor: humanizeDuration(validFor),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render OTP email: %w", err)
	}
	return buf.String(), nil
}

func humanizeDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

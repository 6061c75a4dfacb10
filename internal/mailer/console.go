package mailer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ConsoleSender logs codes instead of sending them. Used when SMTP is not
// configured; it never fails.
type ConsoleSender struct {
	validFor time.Duration
	logger   *logrus.Logger
}

func NewConsoleSender(validFor time.Duration, logger *logrus.Logger) *ConsoleSender {
	return &ConsoleSender{
		validFor: validFor,
		logger:   logger,
	}
}

func (s *ConsoleSender) SendOTP(_ context.Context, to, code string) error {
	s.logger.WithFields(logrus.Fields{
		"to":        to,
		"otp":       code,
		"valid_for": humanizeDuration(s.validFor),
	}).Info("OTP email (no SMTP configured)")
	return nil
}

package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/horizon/horizon/internal/config"
	"github.com/sirupsen/logrus"
)

const dialTimeout = 10 * time.Second

// transport hands a fully formed message to the mail server.
type transport func(ctx context.Context, envelopeFrom string, to []string, msg []byte) error

type SMTPSender struct {
	cfg      config.SMTPConfig
	validFor time.Duration
	logger   *logrus.Logger
	send     transport
}

func NewSMTPSender(cfg config.SMTPConfig, validFor time.Duration, logger *logrus.Logger) *SMTPSender {
	s := &SMTPSender{
		cfg:      cfg,
		validFor: validFor,
		logger:   logger,
	}
	s.send = s.deliver
	return s
}

func (s *SMTPSender) SendOTP(ctx context.Context, to, code string) error {
	body, err := RenderOTPBody(code, s.validFor)
	if err != nil {
		return err
	}

	from := s.cfg.From
	if from == "" {
		from = s.cfg.User
	}

	envelopeFrom := from
	if addr, err := mail.ParseAddress(from); err == nil {
		envelopeFrom = addr.Address
	}

	msg := buildMessage(from, to, OTPSubject, body)

	if err := s.send(ctx, envelopeFrom, []string{to}, msg); err != nil {
		s.logger.WithError(err).WithField("to", to).Error("Error sending OTP email")
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	s.logger.WithField("to", to).Info("OTP email sent successfully")
	return nil
}

func buildMessage(from, to, subject, htmlBody string) []byte {
	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		fmt.Sprintf("Date: %s", time.Now().Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + htmlBody)
}

// deliver speaks SMTP to the configured server. Secure selects implicit TLS;
// otherwise STARTTLS is used when the server offers it.
func (s *SMTPSender) deliver(ctx context.Context, envelopeFrom string, to []string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.Secure {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if !s.cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(envelopeFrom); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}

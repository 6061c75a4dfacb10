package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/horizon/horizon/internal/client"
	"github.com/horizon/horizon/internal/registration"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

func main() {
	apiURL := flag.String("api", envOr("HORIZON_API_URL", "http://localhost:8080"), "registration API base URL")
	sessionFile := flag.String("session-file", "", "write the session here after verification")
	timeout := flag.Duration("timeout", 15*time.Second, "per-request timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	api := client.New(*apiURL)
	session := client.NewSession()
	flow := registration.New(api, session)

	p := &prompter{in: bufio.NewReader(os.Stdin), out: os.Stdout, fd: int(os.Stdin.Fd())}

	fmt.Fprintln(p.out, "Join pwngrid Horizon")
	fmt.Fprintln(p.out, "Create an account to start your hacking journey")

	redirect, err := run(flow, p, *timeout)
	if err != nil {
		if errors.Is(err, io.EOF) {
			os.Exit(1)
		}
		logger.WithError(err).Fatal("Registration aborted")
	}

	fmt.Fprintln(p.out, flow.SuccessMessage())

	if *sessionFile != "" {
		if err := session.Save(*sessionFile); err != nil {
			logger.WithError(err).Error("Failed to save session")
		} else {
			logger.WithField("path", *sessionFile).Debug("Session saved")
		}
	}

	logger.WithField("path", redirect.Path).Debugf("Redirecting in %s", redirect.After)
	time.Sleep(redirect.After)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	me, err := api.Me(ctx, session)
	if err != nil {
		logger.WithError(err).Error("Failed to load profile")
		os.Exit(1)
	}
	fmt.Fprintf(p.out, "Logged in as %s <%s>\n", me.Username, me.Email)
}

func run(flow *registration.Flow, p *prompter, timeout time.Duration) (*registration.Redirect, error) {
	for flow.Step() == registration.StepRegistration {
		var d registration.Draft
		var err error
		if d.Username, err = p.ask("Username"); err != nil {
			return nil, err
		}
		if d.Email, err = p.ask("Email"); err != nil {
			return nil, err
		}
		if d.Password, err = p.askSecret("Password"); err != nil {
			return nil, err
		}
		if d.ConfirmPassword, err = p.askSecret("Confirm password"); err != nil {
			return nil, err
		}
		flow.SetDraft(d)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		flow.SubmitRegistration(ctx)
		cancel()
		p.report(flow)
	}

	fmt.Fprintf(p.out, "We sent a 6-digit code to %s. Type \"resend\" for a new one.\n", flow.Email())

	for {
		code, err := p.ask("OTP")
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if strings.EqualFold(code, "resend") {
			flow.ResendOTP(ctx)
			cancel()
			p.report(flow)
			continue
		}

		flow.SetOTP(code)
		redirect, err := flow.SubmitOTP(ctx)
		cancel()
		if err == nil {
			return redirect, nil
		}
		p.report(flow)
	}
}

type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	line, err := p.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// askSecret reads without echo on a terminal and falls back to ask when
// input is piped.
func (p *prompter) askSecret(label string) (string, error) {
	if !term.IsTerminal(p.fd) {
		return p.ask(label)
	}
	fmt.Fprintf(p.out, "%s: ", label)
	secret, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func (p *prompter) report(flow *registration.Flow) {
	if msg := flow.ErrorMessage(); msg != "" {
		fmt.Fprintf(p.out, "error: %s\n", msg)
		return
	}
	if msg := flow.SuccessMessage(); msg != "" {
		fmt.Fprintln(p.out, msg)
	}
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Package registration drives the two-step sign-up form: registration
// details first, then the emailed code.
//
// A Flow is not safe for concurrent use; it models a single form that
// handles one user action at a time.
package registration

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/horizon/horizon/internal/client"
)

const (
	OTPLength        = 6
	MinPasswordLen   = 6
	RedirectPath     = "/"
	RedirectDelay    = 1500 * time.Millisecond
	msgEmptyFields   = "Please enter all fields"
	msgPasswordMatch = "Passwords do not match"
	msgPasswordShort = "Password must be at least 6 characters"
	msgRegistered    = "Registration successful! OTP sent to your email."
	msgRegisterFail  = "Registration failed. Please try again."
	msgEmptyOTP      = "Please enter OTP"
	msgOTPLength     = "OTP must be 6 digits"
	msgVerified      = "Email verified! Logging you in..."
	msgVerifyFail    = "OTP verification failed. Please try again."
	msgResent        = "OTP resent to your email"
	msgResendFail    = "Failed to resend OTP"
)

// ErrWrongStep is returned when an action is not available in the current
// step.
var ErrWrongStep = errors.New("action not available in this step")

// API is the part of the client the flow calls.
type API interface {
	Register(ctx context.Context, req client.RegisterRequest) (*client.MessageResponse, error)
	VerifyOTP(ctx context.Context, email, otp string) (*client.VerifyResponse, error)
	ResendOTP(ctx context.Context, email string) (*client.MessageResponse, error)
}

type Step int

const (
	StepRegistration Step = iota
	StepOTP
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepRegistration:
		return "registration"
	case StepOTP:
		return "otp"
	case StepDone:
		return "done"
	}
	return "unknown"
}

// Draft is the registration form.
type Draft struct {
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// Redirect tells the caller where to go once verification succeeds.
type Redirect struct {
	Path  string
	After time.Duration
}

// FormError is a user-facing message. Validation failures and server
// failures both surface as one.
type FormError struct {
	Message string
	Err     error
}

func (e *FormError) Error() string { return e.Message }

func (e *FormError) Unwrap() error { return e.Err }

type Flow struct {
	api     API
	session *client.Session

	step       Step
	draft      Draft
	otp        string
	email      string
	errMsg     string
	successMsg string
	submitting bool
}

// New starts a flow in the registration step. Tokens issued on verification
// are stored in session.
func New(api API, session *client.Session) *Flow {
	return &Flow{
		api:     api,
		session: session,
		step:    StepRegistration,
	}
}

func (f *Flow) Step() Step {
	return f.step
}

func (f *Flow) Draft() Draft {
	return f.draft
}

func (f *Flow) OTP() string {
	return f.otp
}

func (f *Flow) Email() string {
	return f.email
}

func (f *Flow) ErrorMessage() string {
	return f.errMsg
}

func (f *Flow) SuccessMessage() string {
	return f.successMsg
}

func (f *Flow) Submitting() bool {
	return f.submitting
}

func (f *Flow) Session() *client.Session {
	return f.session
}

// SetDraft replaces the form contents. Editing the form clears the error.
func (f *Flow) SetDraft(d Draft) {
	f.draft = d
	f.errMsg = ""
}

// SetOTP replaces the code field. Editing the field clears the error.
func (f *Flow) SetOTP(code string) {
	f.otp = code
	f.errMsg = ""
}

// SubmitRegistration validates the draft and, if it passes, registers it.
// Nothing is sent when validation fails.
func (f *Flow) SubmitRegistration(ctx context.Context) error {
	if f.step != StepRegistration {
		return ErrWrongStep
	}
	f.clearMessages()

	d := f.draft
	if d.Username == "" || d.Email == "" || d.Password == "" {
		return f.fail(msgEmptyFields, nil)
	}
	if d.Password != d.ConfirmPassword {
		return f.fail(msgPasswordMatch, nil)
	}
	if len(d.Password) < MinPasswordLen {
		return f.fail(msgPasswordShort, nil)
	}

	f.submitting = true
	defer func() { f.submitting = false }()

	resp, err := f.api.Register(ctx, client.RegisterRequest{
		Username: d.Username,
		Email:    d.Email,
		Password: d.Password,
	})
	if err != nil {
		return f.fail(client.MessageOf(err, msgRegisterFail), err)
	}
	if !resp.Success {
		return f.fail(messageOr(resp.Message, msgRegisterFail), nil)
	}

	f.email = d.Email
	f.draft = Draft{}
	f.step = StepOTP
	f.successMsg = msgRegistered
	return nil
}

// SubmitOTP verifies the code entered for the registered email. On success
// the session is filled and the returned Redirect says where to go next.
func (f *Flow) SubmitOTP(ctx context.Context) (*Redirect, error) {
	if f.step != StepOTP {
		return nil, ErrWrongStep
	}
	f.clearMessages()

	code := f.otp
	if code == "" {
		return nil, f.fail(msgEmptyOTP, nil)
	}
	if len(code) != OTPLength || !allDigits(code) {
		return nil, f.fail(msgOTPLength, nil)
	}

	f.submitting = true
	defer func() { f.submitting = false }()

	resp, err := f.api.VerifyOTP(ctx, f.email, code)
	if err != nil {
		return nil, f.fail(client.MessageOf(err, msgVerifyFail), err)
	}
	if !resp.Success || resp.Token == "" {
		return nil, f.fail(messageOr(resp.Message, msgVerifyFail), nil)
	}

	user := resp.User
	f.session.Set(resp.Token, resp.RefreshToken, &user)

	f.otp = ""
	f.step = StepDone
	f.successMsg = msgVerified
	return &Redirect{Path: RedirectPath, After: RedirectDelay}, nil
}

// ResendOTP asks for a new code for the registered email.
func (f *Flow) ResendOTP(ctx context.Context) error {
	if f.step != StepOTP {
		return ErrWrongStep
	}
	f.clearMessages()

	f.submitting = true
	defer func() { f.submitting = false }()

	resp, err := f.api.ResendOTP(ctx, f.email)
	if err != nil {
		return f.fail(client.MessageOf(err, msgResendFail), err)
	}
	if !resp.Success {
		return f.fail(messageOr(resp.Message, msgResendFail), nil)
	}

	f.successMsg = msgResent
	return nil
}

func (f *Flow) clearMessages() {
	f.errMsg = ""
	f.successMsg = ""
}

func (f *Flow) fail(message string, cause error) error {
	f.errMsg = message
	return &FormError{Message: message, Err: cause}
}

func messageOr(message, fallback string) string {
	if strings.TrimSpace(message) != "" {
		return message
	}
	return fallback
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Package client talks to the registration API. Authenticated calls take an
// explicit *Session instead of reading a token from ambient storage.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// APIError is returned for any non-2xx response. Message is the server's
// "message" field and may be empty.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type User struct {
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

type VerifyResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	User         User   `json:"user"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Register(ctx context.Context, req RegisterRequest) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyOTP(ctx context.Context, email, otp string) (*VerifyResponse, error) {
	var out VerifyResponse
	body := map[string]string{"email": email, "otp": otp}
	if err := c.do(ctx, http.MethodPost, "/api/auth/verify-otp", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResendOTP(ctx context.Context, email string) (*MessageResponse, error) {
	var out MessageResponse
	body := map[string]string{"email": email}
	if err := c.do(ctx, http.MethodPost, "/api/auth/resend-otp", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh rotates the session's refresh token and stores the new pair on s.
func (c *Client) Refresh(ctx context.Context, s *Session) error {
	refresh := s.RefreshToken()
	if refresh == "" {
		return ErrNoSession
	}

	var out VerifyResponse
	body := map[string]string{"refresh_token": refresh}
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", nil, body, &out); err != nil {
		return err
	}

	s.Set(out.Token, out.RefreshToken, s.User())
	return nil
}

func (c *Client) Me(ctx context.Context, s *Session) (*User, error) {
	var out struct {
		Success bool `json:"success"`
		User    User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", s, nil, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// Logout revokes the session server-side and clears it locally. The local
// session is cleared even when the request fails.
func (c *Client) Logout(ctx context.Context, s *Session) error {
	defer s.Clear()

	body := map[string]string{"refresh_token": s.RefreshToken()}
	return c.do(ctx, http.MethodPost, "/api/auth/logout", s, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, s *Session, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s != nil {
		if err := s.Authorize(req); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Message
		}
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// MessageOf returns the server-provided message carried by err, or fallback.
func MessageOf(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

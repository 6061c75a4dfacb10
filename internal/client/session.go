package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
)

var ErrNoSession = errors.New("not logged in")

// Session holds the credentials issued at verification. It starts empty,
// is filled by Set after a successful verify and emptied by Clear on logout.
type Session struct {
	mu           sync.RWMutex
	token        string
	refreshToken string
	user         *User
}

type sessionFile struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         *User  `json:"user,omitempty"`
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) Set(token, refreshToken string, user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.refreshToken = refreshToken
	s.user = user
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken
}

func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// Authorize attaches the bearer token to req.
func (s *Session) Authorize(req *http.Request) error {
	token := s.Token()
	if token == "" {
		return ErrNoSession
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (s *Session) Clear() {
	s.Set("", "", nil)
}

// Save writes the session to path with owner-only permissions.
func (s *Session) Save(path string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(sessionFile{
		Token:        s.token,
		RefreshToken: s.refreshToken,
		User:         s.user,
	}, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// LoadSession reads a session written by Save. A missing file yields an
// empty session.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSession(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	s := NewSession()
	s.Set(f.Token, f.RefreshToken, f.User)
	return s, nil
}

// Package session supplies the authenticated identity for the push feed.
//
// Credentials come out of a prior login exchange and are opaque here:
// nothing in this package derives, signs, or refreshes tokens.
package session

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Credentials is the authenticated identity: immutable once built.
type Credentials struct {
	UserID    string // login user id
	AccountID string // trading account id
	Token     string // session token from the login exchange
}

// Validate checks that every field is set.
func (c Credentials) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if c.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if c.Token == "" {
		return fmt.Errorf("session token is required")
	}
	return nil
}

// Provider yields credentials on demand. Implementations may read them
// from config, the environment, or a token file written by a login tool.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Static wraps fixed credentials.
type Static struct {
	creds Credentials
}

// NewStatic creates a provider returning c verbatim.
func NewStatic(c Credentials) *Static {
	return &Static{creds: c}
}

// Credentials returns the wrapped credentials.
func (s *Static) Credentials(ctx context.Context) (Credentials, error) {
	if err := s.creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return s.creds, nil
}

// Env reads credentials from environment variables.
type Env struct {
	// Prefix defaults to "NOREN", giving NOREN_USER_ID, NOREN_ACCOUNT_ID,
	// and NOREN_SESSION_TOKEN.
	Prefix string
}

// Credentials reads and validates the environment variables.
func (e *Env) Credentials(ctx context.Context) (Credentials, error) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "NOREN"
	}

	c := Credentials{
		UserID:    os.Getenv(prefix + "_USER_ID"),
		AccountID: os.Getenv(prefix + "_ACCOUNT_ID"),
		Token:     os.Getenv(prefix + "_SESSION_TOKEN"),
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("credentials from env %s_*: %w", prefix, err)
	}
	return c, nil
}

// TokenFile reads the session token from a file (as written by a login
// tool) and takes the identity fields verbatim.
type TokenFile struct {
	UserID    string
	AccountID string
	Path      string
}

// Credentials loads and validates the token file.
func (f *TokenFile) Credentials(ctx context.Context) (Credentials, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read token file: %w", err)
	}

	c := Credentials{
		UserID:    f.UserID,
		AccountID: f.AccountID,
		Token:     strings.TrimSpace(string(data)),
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("token file %s: %w", f.Path, err)
	}
	return c, nil
}

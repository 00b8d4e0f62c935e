package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated means no identity is available yet.
var ErrNotAuthenticated = errors.New("auth: not authenticated")

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Identity is the authenticated participant. ID routes realtime channels and
// does not change for the lifetime of a session.
type Identity struct {
	ID          string
	DisplayName string
	Role        Role
}

// IsClinician reports whether the identity ends calls by completing the
// appointment.
func (i Identity) IsClinician() bool {
	return i.Role == RoleDoctor
}

func (c *Claims) Identity() Identity {
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return Identity{ID: c.Subject, DisplayName: name, Role: c.Role}
}

// ParseUnverified decodes a token's claims without checking its signature.
// Clients use it to learn their own identity from a token the portal issued.
func ParseUnverified(tokenStr string) (Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return Identity{}, fmt.Errorf("decode token: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("token has no subject")
	}
	return claims.Identity(), nil
}

// Provider supplies the session's identity and bearer token.
type Provider interface {
	Identity(ctx context.Context) (Identity, error)
	Token() string
}

// TokenProvider derives the identity from a bearer token. When a Verifier is
// set the token is validated, otherwise it is only decoded.
type TokenProvider struct {
	token    string
	verifier *Verifier
}

func NewTokenProvider(token string, verifier *Verifier) *TokenProvider {
	return &TokenProvider{token: token, verifier: verifier}
}

func (p *TokenProvider) Token() string { return p.token }

func (p *TokenProvider) Identity(_ context.Context) (Identity, error) {
	if p.token == "" {
		return Identity{}, ErrNotAuthenticated
	}
	if p.verifier == nil {
		return ParseUnverified(p.token)
	}
	claims, err := p.verifier.Parse(p.token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	return claims.Identity(), nil
}

// StaticProvider returns a fixed identity. Useful for tests and tooling.
type StaticProvider struct {
	ID     Identity
	Bearer string
}

func (p StaticProvider) Token() string { return p.Bearer }

func (p StaticProvider) Identity(context.Context) (Identity, error) {
	if p.ID.ID == "" {
		return Identity{}, ErrNotAuthenticated
	}
	return p.ID, nil
}

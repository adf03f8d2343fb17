// Package auth resolves bearer tokens to callers.
//
// It carries no policy beyond the site-admin capability bit.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

const AnonymousName = "anonymous"

// Principal is the resolved identity of an admin-surface caller.
type Principal struct {
	Name      string
	SiteAdmin bool
}

// Anonymous is the principal for requests without a recognized token.
var Anonymous = Principal{Name: AnonymousName}

// DisplayName returns Name, or "anonymous" when unset.
func (p Principal) DisplayName() string {
	if name := strings.TrimSpace(p.Name); name != "" {
		return name
	}
	return AnonymousName
}

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken validates a single shared token, used for agent connections.
// An empty stored token rejects everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// Credential binds one admin-surface token to a principal.
type Credential struct {
	Token     string
	Principal Principal
}

// TokenTable resolves bearer tokens to principals. It is immutable after construction.
type TokenTable struct {
	entries []Credential
}

func NewTokenTable(creds ...Credential) *TokenTable {
	out := &TokenTable{}
	for _, c := range creds {
		token := strings.TrimSpace(c.Token)
		if token == "" {
			continue
		}
		c.Token = token
		out.entries = append(out.entries, c)
	}
	return out
}

// Len returns the number of usable credentials.
func (t *TokenTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Resolve compares token against every entry in constant time per entry.
func (t *TokenTable) Resolve(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if t == nil || token == "" {
		return Anonymous, ErrUnauthorized
	}
	match := -1
	for i, c := range t.entries {
		if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Anonymous, ErrUnauthorized
	}
	return t.entries[match].Principal, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

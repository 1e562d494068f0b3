// Package auth guards the ops API with static bearer tokens. Every token
// may read; only operator tokens may start cycles or cancel orders.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Token is one configured credential.
type Token struct {
	Name     string `yaml:"name"`
	Value    string `yaml:"value"`
	Operator bool   `yaml:"operator"`
}

// Subject is the caller a request was authenticated as.
type Subject struct {
	Name     string
	Operator bool
}

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Authenticator checks bearer tokens. A nil Authenticator, or one built
// from no tokens, lets every request through.
type Authenticator struct {
	creds []credential
}

// New ignores tokens with an empty value.
func New(tokens []Token) *Authenticator {
	a := &Authenticator{}
	for _, t := range tokens {
		value := strings.TrimSpace(t.Value)
		if value == "" {
			continue
		}
		a.creds = append(a.creds, credential{
			digest:  sha256.Sum256([]byte(value)),
			subject: Subject{Name: t.Name, Operator: t.Operator},
		})
	}
	return a
}

// Enabled reports whether any token is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.creds) > 0
}

// Authenticate resolves an Authorization header value. Every credential
// is compared so the timing does not reveal which one matched.
func (a *Authenticator) Authenticate(header string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var found *Subject
	for i := range a.creds {
		if subtle.ConstantTimeCompare(digest[:], a.creds[i].digest[:]) == 1 {
			found = &a.creds[i].subject
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	out := *found
	return &out, nil
}

// Authorize fails for non-operators on mutating calls.
func (s *Subject) Authorize(mutating bool) error {
	if mutating && (s == nil || !s.Operator) {
		return ErrPermissionDenied
	}
	return nil
}

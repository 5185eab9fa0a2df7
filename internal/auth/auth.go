// Package auth resolves bearer tokens to principals with scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes granted to tokens. ScopeAll is held only by the admin key.
const (
	ScopeAll            = "*"
	ScopeExecute        = "execute"
	ScopeExecutionsRead = "executions:ro"
)

var (
	ErrMissingToken    = errors.New("missing Authorization header")
	ErrMalformedHeader = errors.New("invalid Authorization header format")
)

// TokenConfig is a bearer token with a set of scopes. Name labels the caller in
// logs; when empty the token fingerprint is used.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. It never carries the raw token.
type Principal struct {
	Name        string
	Fingerprint string
	Scopes      map[string]struct{}
}

// Can reports whether p holds any of the scopes. No scopes means no requirement.
func (p Principal) Can(scopes ...string) bool {
	if len(scopes) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range scopes {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedHeader
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Fingerprint is a short, non-reversible token identifier for logs.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

type credential struct {
	token     []byte
	principal Principal
}

// Authenticator matches presented tokens against the configured set.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds the credential set. adminKey, when set, gets ScopeAll.
// Tokens with an empty value are skipped.
func NewAuthenticator(adminKey string, tokens []TokenConfig) *Authenticator {
	a := &Authenticator{}
	if adminKey != "" {
		a.add(adminKey, "admin", map[string]struct{}{ScopeAll: {}})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.add(t.Token, t.Name, normalizeScopes(t.Scopes))
	}
	return a
}

func (a *Authenticator) add(token, name string, scopes map[string]struct{}) {
	fp := Fingerprint(token)
	if name == "" {
		name = "token:" + fp
	}
	a.creds = append(a.creds, credential{
		token:     []byte(token),
		principal: Principal{Name: name, Fingerprint: fp, Scopes: scopes},
	})
}

// Len is the number of usable credentials.
func (a *Authenticator) Len() int {
	return len(a.creds)
}

// Authenticate compares presented against every credential in constant time
// per comparison and returns the first match.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	p := []byte(presented)
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare(p, c.token) == 1 && !ok {
			found, ok = c.principal, true
		}
	}
	return found, ok
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || s == ScopeAll {
			continue
		}
		out[s] = struct{}{}
	}

	// Submitting executions implies reading them back.
	if _, ok := out[ScopeExecute]; ok {
		out[ScopeExecutionsRead] = struct{}{}
	}
	return out
}

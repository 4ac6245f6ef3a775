package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
)

// CookieName carries the bearer token on the local HTTP surface.
const CookieName = "agentdeck_token"

// TokenIssuer mints opaque bearer tokens bound to this server process.
// Tokens live only in memory, so every restart rotates the entire set
// and clients must log in again.
type TokenIssuer struct {
	mu     sync.Mutex
	tokens map[string]struct{}
}

// NewTokenIssuer creates an empty issuer.
func NewTokenIssuer() *TokenIssuer {
	return &TokenIssuer{tokens: make(map[string]struct{})}
}

// Issue mints a fresh token.
func (t *TokenIssuer) Issue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	t.mu.Lock()
	t.tokens[token] = struct{}{}
	t.mu.Unlock()
	return token, nil
}

// Valid reports whether the token was issued by this process.
func (t *TokenIssuer) Valid(token string) bool {
	if token == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tokens[token]
	return ok
}

// Revoke invalidates one token (logout).
func (t *TokenIssuer) Revoke(token string) {
	t.mu.Lock()
	delete(t.tokens, token)
	t.mu.Unlock()
}

// RevokeAll invalidates every outstanding token (password change or
// disable).
func (t *TokenIssuer) RevokeAll() {
	t.mu.Lock()
	t.tokens = make(map[string]struct{})
	t.mu.Unlock()
}

// InjectToken wraps a handler so every request carries the token cookie.
// Frame transports authenticate once per connection; requests tunneled
// from that connection inherit its credential through this wrapper.
func InjectToken(h http.Handler, token string) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.AddCookie(&http.Cookie{Name: CookieName, Value: token})
		h.ServeHTTP(w, r)
	})
}

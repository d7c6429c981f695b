// Package auth implements the bearer-token gate in front of every mutating
// endpoint. There is one shared secret for the single status owner; no
// sessions, scopes or lockout.
package auth

import (
	"crypto/hmac"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned for a missing, malformed or wrong credential.
// Callers never learn which of the three it was.
var ErrUnauthorized = errors.New("unauthorized")

const bearerPrefix = "Bearer "

// Gate validates Authorization headers against the configured secret.
type Gate struct {
	secret []byte
}

// NewGate creates a Gate. An empty secret rejects every request.
func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(secret)}
}

// Check validates a raw Authorization header value.
func (g *Gate) Check(header string) error {
	if len(g.secret) == 0 {
		return ErrUnauthorized
	}
	token, ok := ParseBearer(header)
	if !ok {
		return ErrUnauthorized
	}
	// hmac.Equal compares in constant time; the match itself is exact.
	if !hmac.Equal([]byte(token), g.secret) {
		return ErrUnauthorized
	}
	return nil
}

// ParseBearer extracts the token from "Bearer <token>". The scheme is matched
// case-insensitively; the token is taken verbatim.
func ParseBearer(header string) (string, bool) {
	if len(header) <= len(bearerPrefix) {
		return "", false
	}
	if !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := header[len(bearerPrefix):]
	if token == "" {
		return "", false
	}
	return token, true
}

// Middleware rejects requests that fail Check with onDenied, otherwise it
// hands the request to next.
func (g *Gate) Middleware(onDenied http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := g.Check(r.Header.Get("Authorization")); err != nil {
				onDenied(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Package auth guards the status API with bearer tokens.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenGuard accepts requests carrying any of its tokens. Only bcrypt hashes
// are held.
type TokenGuard struct {
	hashes [][]byte
	exempt map[string]bool
}

// NewTokenGuard builds a guard from tokens. Each entry is either a bcrypt
// hash (as printed by HashToken) or a plaintext token, which is hashed here.
func NewTokenGuard(tokens []string, exemptPaths ...string) (*TokenGuard, error) {
	g := &TokenGuard{exempt: make(map[string]bool, len(exemptPaths))}
	for _, p := range exemptPaths {
		g.exempt[p] = true
	}

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(tok)); err == nil {
			g.hashes = append(g.hashes, []byte(tok))
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(tok), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash token: %w", err)
		}
		g.hashes = append(g.hashes, hash)
	}
	if len(g.hashes) == 0 {
		return nil, errors.New("no API tokens configured")
	}
	return g, nil
}

// Validate checks token against every configured hash
func (g *TokenGuard) Validate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	for _, hash := range g.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return nil
		}
	}
	return ErrInvalidToken
}

// Middleware rejects requests without a valid "Authorization: Bearer" or
// X-API-Key token. Exempt paths pass through.
func (g *TokenGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		if err := g.Validate(TokenFromRequest(r)); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vmwatch"`)
			http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TokenFromRequest extracts the bearer token or API key
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// GenerateToken returns a new random token
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the bcrypt hash to put in configuration instead of the
// token itself
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

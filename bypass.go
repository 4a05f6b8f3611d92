package pocketfence

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
)

// DefaultBypassHeader carries a parent override token.
const DefaultBypassHeader = "X-PocketFence-Bypass"

// Bypass lets a parent skip scoring for a request by sending a secret
// token in a header. The header is removed before the request is
// forwarded. Bypassed requests are still counted and logged.
//
//	curl -H "X-PocketFence-Bypass: <token>" -x http://127.0.0.1:8888 http://example.com
type Bypass struct {
	// Header that carries the token. Defaults to DefaultBypassHeader.
	Header string

	// Logger for granted bypasses (optional).
	Logger *slog.Logger

	mu     sync.RWMutex
	tokens map[string]bool
}

// NewBypass creates a Bypass with the given tokens.
func NewBypass(tokens ...string) *Bypass {
	b := &Bypass{Header: DefaultBypassHeader, tokens: make(map[string]bool)}
	for _, t := range tokens {
		if t != "" {
			b.tokens[t] = true
		}
	}
	return b
}

// AddToken registers a token.
func (b *Bypass) AddToken(token string) {
	b.mu.Lock()
	b.tokens[token] = true
	b.mu.Unlock()
}

// RevokeAll removes every token.
func (b *Bypass) RevokeAll() {
	b.mu.Lock()
	b.tokens = make(map[string]bool)
	b.mu.Unlock()
}

// TokenCount returns the number of registered tokens.
func (b *Bypass) TokenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tokens)
}

// GenerateToken registers and returns a random 32-byte hex token.
func (b *Bypass) GenerateToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf[:])
	b.AddToken(token)
	return token, nil
}

// ShouldBypass reports whether req carries a valid token. The header is
// always stripped so tokens never reach an origin.
func (b *Bypass) ShouldBypass(req *http.Request) bool {
	header := b.Header
	if header == "" {
		header = DefaultBypassHeader
	}

	token := req.Header.Get(header)
	req.Header.Del(header)
	if token == "" || !b.matchToken(token) {
		return false
	}

	if b.Logger != nil {
		b.Logger.Info("bypass granted", "host", req.Host, "path", req.URL.Path, "remote", req.RemoteAddr)
	}
	return true
}

func (b *Bypass) matchToken(candidate string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for token := range b.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

package pocketfence

import (
	"errors"
	"fmt"
	"net/http"
)

// Body size units.
const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultAdminBodyLimit caps admin API request bodies.
const DefaultAdminBodyLimit = 64 * KB

// ErrBodyTooLarge is returned when a request body exceeds its limit.
var ErrBodyTooLarge = errors.New("request body too large")

// BodyLimiter rejects request bodies larger than MaxSize. Zero means no
// limit.
type BodyLimiter struct {
	MaxSize int64
}

// NewBodyLimiter creates a BodyLimiter.
func NewBodyLimiter(maxSize int64) *BodyLimiter {
	return &BodyLimiter{MaxSize: maxSize}
}

// Check rejects a declared Content-Length over the limit and caps the
// body for chunked requests.
func (bl *BodyLimiter) Check(w http.ResponseWriter, req *http.Request) error {
	if bl.MaxSize <= 0 || req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.ContentLength > bl.MaxSize {
		return fmt.Errorf("%w: content-length %d exceeds limit %d", ErrBodyTooLarge, req.ContentLength, bl.MaxSize)
	}
	req.Body = http.MaxBytesReader(w, req.Body, bl.MaxSize)
	return nil
}

// Middleware answers 413 for oversized bodies.
func (bl *BodyLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := bl.Check(w, r); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		next.ServeHTTP(w, r)
	})
}

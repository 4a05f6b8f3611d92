package pocketfence

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client IP with a token bucket per
// client.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	// Rate is the sustained requests per second per client.
	Rate float64

	// Burst is the largest burst a client may send.
	Burst int

	// CleanupInterval controls how often idle clients are forgotten.
	CleanupInterval time.Duration

	done chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients:         make(map[string]*clientLimiter),
		Rate:            rps,
		Burst:           burst,
		CleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from addr may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	c, ok := rl.clients[host]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.Rate), rl.Burst)}
		rl.clients[host] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// AllowHTTP writes a 429 response and returns false when r is throttled.
func (rl *RateLimiter) AllowHTTP(w http.ResponseWriter, r *http.Request) bool {
	if rl.Allow(r.RemoteAddr) {
		return true
	}

	w.Header().Set("Retry-After", "1")
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			stale := now.Add(-2 * interval)
			rl.mu.Lock()
			for key, c := range rl.clients {
				if c.lastSeen.Before(stale) {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

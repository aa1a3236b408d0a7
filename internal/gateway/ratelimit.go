package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client requests-per-minute cap to inbound WS
// frames. rpm <= 0 disables limiting.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:      rpm,
		burst:    5,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether a client may process another frame now.
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[clientID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Forget drops a client's limiter state on disconnect.
func (r *RateLimiter) Forget(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, clientID)
}

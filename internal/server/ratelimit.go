package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clients map[string]*clientLimiter
}

// NewRateLimiter allows rps requests per second per client with the given
// burst. Buckets unused for idleTTL are dropped by Cleanup.
func NewRateLimiter(rps float64, burst int, idleTTL time.Duration) *RateLimiter {
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a request from clientIP may proceed now.
func (r *RateLimiter) Allow(clientIP string) bool {
	r.mu.Lock()
	c, ok := r.clients[clientIP]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[clientIP] = c
	}
	c.lastSeen = time.Now()
	r.mu.Unlock()
	return c.limiter.Allow()
}

// SetLimit changes the rate of every existing and future bucket.
func (r *RateLimiter) SetLimit(rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = rate.Limit(rps)
	r.burst = burst
	for _, c := range r.clients {
		c.limiter.SetLimit(r.limit)
		c.limiter.SetBurst(burst)
	}
}

// Cleanup drops buckets idle since before now minus the idle TTL and returns
// how many were removed.
func (r *RateLimiter) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.idleTTL)
	removed := 0
	for ip, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, ip)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Run cleans up idle buckets periodically until ctx is done.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Cleanup(now)
		}
	}
}

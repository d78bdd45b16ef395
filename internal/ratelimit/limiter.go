// Package ratelimit implements a per-client sliding-window request limiter.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultMax is the default number of requests a client may make per window.
	DefaultMax = 20
	// DefaultWindow is the default length of the sliding window.
	DefaultWindow = 60 * time.Second

	// purgeThreshold is the number of tracked clients above which idle
	// clients are dropped on the next call.
	purgeThreshold = 1000
)

// Limiter allows at most max requests per client in any trailing window.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	clients map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter. Non-positive arguments fall back to the defaults.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		max:     limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request from clientID and reports whether it is within the
// limit. Rejected requests are not recorded.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	if len(l.clients) > purgeThreshold {
		l.purge(cutoff)
	}

	hits := prune(l.clients[clientID], cutoff)
	if len(hits) >= l.max {
		l.clients[clientID] = hits
		return false
	}
	l.clients[clientID] = append(hits, now)
	return true
}

// Tracked returns the number of clients currently held in memory.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) purge(cutoff time.Time) {
	for id, hits := range l.clients {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(l.clients, id)
			continue
		}
		l.clients[id] = hits
	}
}

// prune drops timestamps at or before cutoff. hits is kept in ascending order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

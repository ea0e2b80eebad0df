// Package ratelimit limits chat turns per caller with one token bucket per key.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds how many idle buckets are kept before pruning.
const DefaultMaxKeys = 10000

// Config configures rate limiting behavior.
type Config struct {
	// PerMinute is the sustained number of requests allowed per minute per key.
	// Zero or less disables limiting.
	PerMinute float64
	// Burst is the maximum number of requests allowed at once.
	Burst int
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.PerMinute > 0
}

func (c Config) limit() rate.Limit {
	return rate.Limit(c.PerMinute / 60)
}

func (c Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return 1
}

// Limiter manages rate limits for many keys (callers, addresses).
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]*rate.Limiter
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		entries: make(map[string]*rate.Limiter),
		config:  config,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
	}
}

// Enabled reports whether l limits anything. A nil limiter does not.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Enabled()
}

// Allow reports whether a request for key may proceed now and consumes a
// token if so.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.now()
	return l.get(key, now).AllowN(now, 1)
}

// WaitTime returns how long key has to wait before a request would be allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	now := l.now()
	r := l.get(key, now).ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// get returns or creates the bucket for key.
func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, ok = l.entries[key]; ok {
		return limiter
	}
	if len(l.entries) >= l.maxKeys {
		l.prune(now)
	}
	limiter = rate.NewLimiter(l.config.limit(), l.config.burst())
	l.entries[key] = limiter
	return limiter
}

// prune drops keys whose bucket has refilled completely (must be called with
// lock held).
func (l *Limiter) prune(now time.Time) {
	full := float64(l.config.burst())
	for key, limiter := range l.entries {
		if limiter.TokensAt(now) >= full {
			delete(l.entries, key)
		}
	}
}

// Status is the rate limit state of one key.
type Status struct {
	Key             string        `json:"key"`
	AllowedNow      bool          `json:"allowed_now"`
	TokensRemaining float64       `json:"tokens_remaining"`
	WaitTime        time.Duration `json:"wait_time"`
}

// GetStatus returns the rate limit status for a key without consuming tokens.
func (l *Limiter) GetStatus(key string) Status {
	if !l.Enabled() {
		return Status{Key: key, AllowedNow: true}
	}
	now := l.now()
	tokens := l.get(key, now).TokensAt(now)
	return Status{
		Key:             key,
		AllowedNow:      tokens >= 1,
		TokensRemaining: tokens,
		WaitTime:        l.WaitTime(key),
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}

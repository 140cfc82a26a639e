// Package ratelimit provides the retry backoff policy for queued operations
// and helpers for handling remote rate-limit responses.
package ratelimit

import (
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"listsync/backend"
)

const (
	DefaultBaseDelay          = 30 * time.Second
	DefaultRateLimitBaseDelay = 60 * time.Second
	DefaultMaxDelay           = time.Hour
	DefaultMaxJitter          = time.Second
)

// Backoff computes how long a failed operation waits before its next attempt.
type Backoff struct {
	// BaseDelay is the first retry delay for ordinary retryable errors.
	BaseDelay time.Duration

	// RateLimitBaseDelay replaces BaseDelay when the remote signalled backpressure.
	RateLimitBaseDelay time.Duration

	// MaxDelay caps every delay, jitter included.
	MaxDelay time.Duration

	// MaxJitter is the upper bound of the random spread added by Next.
	MaxJitter time.Duration

	// Rand returns a float in [0,1). Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoff returns the 30s/60s/120s/240s/480s schedule capped at one hour.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:          DefaultBaseDelay,
		RateLimitBaseDelay: DefaultRateLimitBaseDelay,
		MaxDelay:           DefaultMaxDelay,
		MaxJitter:          DefaultMaxJitter,
	}
}

func (b Backoff) withDefaults() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = DefaultBaseDelay
	}
	if b.RateLimitBaseDelay <= 0 {
		b.RateLimitBaseDelay = b.BaseDelay * 2
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = DefaultMaxDelay
	}
	if b.MaxJitter < 0 {
		b.MaxJitter = 0
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Delay returns min(base * 2^(attempt-1), MaxDelay) without jitter.
// attempt is the retry number, starting at 1.
func (b Backoff) Delay(attempt int, kind backend.ErrorKind) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := b.BaseDelay
	if kind == backend.KindRateLimited {
		delay = b.RateLimitBaseDelay
	}

	for i := 1; i < attempt; i++ {
		if delay >= b.MaxDelay/2 {
			return b.MaxDelay
		}
		delay *= 2
	}

	if delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Next returns the scheduled wait for a retry: Delay plus up to MaxJitter of
// random spread, raised to retryAfter when the server asked for longer, and
// never above MaxDelay.
func (b Backoff) Next(attempt int, kind backend.ErrorKind, retryAfter time.Duration) time.Duration {
	b = b.withDefaults()

	delay := b.Delay(attempt, kind)
	if b.MaxJitter > 0 {
		delay += time.Duration(b.Rand() * float64(b.MaxJitter))
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

// ParseRetryAfter parses the Retry-After header value.
// It supports both seconds format (integer) and HTTP-date format.
// Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string, now time.Time) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks rate limit statistics for a remote.
type Stats struct {
	mu              sync.RWMutex
	rateLimitCount  int64
	lastRateLimitAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit records a rate limit event at the given time.
func (s *Stats) RecordRateLimit(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitCount++
	s.lastRateLimitAt = at
}

// RateLimitCount returns the total number of rate limit events.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimitCount
}

// LastRateLimitTime returns the time of the last rate limit event.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRateLimitAt
}

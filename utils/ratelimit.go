package utils

import (
	"context"
	"strings"
	"sync"
	"time"

	"mediafetch/internal"
)

// TokenBucketLimiter caps aggregate transfer throughput. A single instance is
// shared by every concurrent transfer, so the configured rate is global.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	rate     int64
	tokens   float64
	lastFill time.Time
	now      func() time.Time
}

// NewTokenBucketLimiter returns a limiter with a one-second burst; a rate of
// zero or less disables limiting
func NewTokenBucketLimiter(bytesPerSecond int64) *TokenBucketLimiter {
	l := &TokenBucketLimiter{rate: bytesPerSecond, now: time.Now}
	l.tokens = float64(bytesPerSecond)
	l.lastFill = l.now()
	return l
}

var _ internal.RateLimiter = (*TokenBucketLimiter)(nil)

// Wait blocks until n bytes may be consumed or ctx is done
func (l *TokenBucketLimiter) Wait(ctx context.Context, n int) error {
	delay := l.reserve(n)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve takes n tokens and reports how long the caller must wait for them.
// The bucket may go negative so later callers queue behind earlier ones.
func (l *TokenBucketLimiter) reserve(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rate <= 0 {
		return 0
	}

	now := l.now()
	if elapsed := now.Sub(l.lastFill); elapsed > 0 {
		l.tokens += elapsed.Seconds() * float64(l.rate)
		if burst := float64(l.rate); l.tokens > burst {
			l.tokens = burst
		}
	}
	l.lastFill = now

	l.tokens -= float64(n)
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens / float64(l.rate) * float64(time.Second))
}

// SetRate changes the limit; outstanding debt is kept
func (l *TokenBucketLimiter) SetRate(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = bytesPerSecond
	if burst := float64(bytesPerSecond); l.tokens > burst {
		l.tokens = burst
	}
}

// Rate returns the configured bytes per second
func (l *TokenBucketLimiter) Rate() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// ParseRateLimit parses values such as "500K", "2M", "1.5MB/s" or "750000".
// An empty string means unlimited.
func ParseRateLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	lower := strings.ToLower(s)
	if strings.HasSuffix(lower, "/s") {
		s = s[:len(s)-2]
	}
	return internal.ParseByteSize(s)
}

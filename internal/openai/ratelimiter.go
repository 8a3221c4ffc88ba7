package openai

import (
	"context"
	"sync"
	"time"
)

// A token bucket rate limiter for requests to the chat completions API.
type rateLimiter struct {
	mu       sync.Mutex // protect access to lastTime and tokens
	lastTime time.Time
	tokens   float64

	window time.Duration
	rate   int
	now    func() time.Time
}

// newRateLimiter creates a new rate limiter for the given number of tokens
// over the provided time window. E.g. newRateLimiter(10, time.Minute) will
// allow 10 requests over a minute, all of them immediately.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:   window,
		rate:     rate,
		lastTime: time.Now(),
		tokens:   float64(rate),
		now:      time.Now,
	}
}

// Acquire returns nil once a request can proceed. If the provided context is
// Done first, Acquire returns ctx.Err().
func (rl *rateLimiter) Acquire(ctx context.Context) error {
	for {
		wait := rl.reserve()
		if wait == 0 {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve takes a token and returns 0, or returns how long until the next
// token accumulates.
func (rl *rateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Refill proportionally to the time since last called
	now := rl.now()
	elapsed := now.Sub(rl.lastTime)
	rl.lastTime = now
	rl.tokens += elapsed.Seconds() * float64(rl.rate) / rl.window.Seconds()
	rl.tokens = min(rl.tokens, float64(rl.rate))

	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}

	perToken := rl.window / time.Duration(rl.rate)
	return time.Duration((1 - rl.tokens) * float64(perToken))
}

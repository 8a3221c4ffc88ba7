package openai

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBurstThenWait(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }
	rl.lastTime = now

	for i := range 3 {
		if wait := rl.reserve(); wait != 0 {
			t.Fatalf("Expected token %d to be free, wait %s", i, wait)
		}
	}

	// Bucket empty, next token in a third of the window
	if expected, actual := 20*time.Second, rl.reserve(); expected != actual {
		t.Errorf("Expected wait %s, got %s", expected, actual)
	}

	now = now.Add(20 * time.Second)
	if wait := rl.reserve(); wait != 0 {
		t.Errorf("Expected a token after refill, wait %s", wait)
	}
}

func TestRateLimiterRefillCapped(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }
	rl.lastTime = now

	now = now.Add(time.Hour)
	rl.reserve()
	rl.reserve()
	if wait := rl.reserve(); wait == 0 {
		t.Errorf("Expected the bucket to be capped at its rate")
	}
}

func TestRateLimiterAcquireCanceled(t *testing.T) {
	rl := newRateLimiter(1, time.Hour)
	if err := rl.Acquire(t.Context()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if err := rl.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

package router

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(3)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("send %d should be allowed", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Error("fourth send within the window should be rejected")
	}
	if !rl.Allow("u2") {
		t.Error("limits are per user")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("u1") {
		t.Error("a new window should reset the count")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	if got := NewRateLimiter(0).Limit(); got != DefaultMessagesPerMinute {
		t.Errorf("expected default limit %d, got %d", DefaultMessagesPerMinute, got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(4 * time.Minute)
	rl.Allow("recent")
	now = now.Add(2 * time.Minute)

	rl.Cleanup()
	if rl.size() != 1 {
		t.Fatalf("expected 1 tracked user after cleanup, got %d", rl.size())
	}
	if !rl.Allow("recent") {
		t.Error("recent user should still be tracked and allowed")
	}
}

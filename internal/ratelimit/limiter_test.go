package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLimiter(config Config) (*Limiter, *time.Time) {
	l := NewLimiter(config)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_AllowWithinWindow(t *testing.T) {
	l, now := newTestLimiter(Config{Max: 2, Window: time.Minute, Enabled: true})

	if !l.Allow("user-1") {
		t.Fatal("first request should pass")
	}
	if !l.Allow("user-1") {
		t.Fatal("second request should pass")
	}
	if l.Allow("user-1") {
		t.Fatal("third request should be limited")
	}

	// other keys are independent
	if !l.Allow("user-2") {
		t.Fatal("different key should pass")
	}

	*now = now.Add(time.Minute)
	if !l.Allow("user-1") {
		t.Fatal("request after window reset should pass")
	}
}

func TestLimiter_RetryAfter(t *testing.T) {
	l, now := newTestLimiter(Config{Max: 1, Window: 10 * time.Minute, Enabled: true})

	if got := l.RetryAfter("user-1"); got != 0 {
		t.Errorf("RetryAfter() before any request = %v, want 0", got)
	}

	l.Allow("user-1")
	if got := l.RetryAfter("user-1"); got != 10*time.Minute {
		t.Errorf("RetryAfter() = %v, want 10m", got)
	}

	*now = now.Add(4 * time.Minute)
	if got := l.RetryAfter("user-1"); got != 6*time.Minute {
		t.Errorf("RetryAfter() = %v, want 6m", got)
	}

	*now = now.Add(6 * time.Minute)
	if got := l.RetryAfter("user-1"); got != 0 {
		t.Errorf("RetryAfter() after window = %v, want 0", got)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(Config{Max: 1, Window: time.Minute, Enabled: false})
	for i := 0; i < 10; i++ {
		if !l.Allow("user-1") {
			t.Fatal("disabled limiter should allow everything")
		}
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(Config{Max: 1, Window: time.Hour, Enabled: true})
	l.Allow("user-1")
	if l.Allow("user-1") {
		t.Fatal("second request should be limited")
	}
	l.Reset("user-1")
	if !l.Allow("user-1") {
		t.Fatal("request after Reset should pass")
	}
}

func TestLimiter_ConcurrentSingleSlot(t *testing.T) {
	l := NewLimiter(Config{Max: 1, Window: time.Hour, Enabled: true})

	var passed int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("user-1") {
				atomic.AddInt32(&passed, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&passed); got != 1 {
		t.Errorf("%d concurrent requests passed, want exactly 1", got)
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("telegram", "12345"); got != "telegram:12345" {
		t.Errorf("CompositeKey() = %q, want telegram:12345", got)
	}
	if got := CompositeKey("one"); got != "one" {
		t.Errorf("CompositeKey() = %q, want one", got)
	}
}

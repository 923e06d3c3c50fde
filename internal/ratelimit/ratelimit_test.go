package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	bucket := newTokenBucket(2, 5, clock.Now) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	clock.Advance(time.Second)
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestTokenBucketFractionalRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	bucket := newTokenBucket(0.5, 1, clock.Now)
	if !bucket.Allow() {
		t.Fatal("Expected first request to be allowed")
	}
	clock.Advance(time.Second)
	if bucket.Allow() {
		t.Error("Expected request to be denied after half a token")
	}
	clock.Advance(time.Second)
	if !bucket.Allow() {
		t.Error("Expected request to be allowed once a whole token accumulated")
	}
}

func TestLimiterPerKey(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(1, 3)
	l.now = clock.Now

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Errorf("Expected request %d to be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("Expected request to be denied after burst")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("Expected a different key to have its own bucket")
	}
}

func TestLimiterPrune(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(1, 2)
	l.now = clock.Now

	l.Allow("a")
	l.Allow("b")
	l.Allow("b")
	if l.Len() != 2 {
		t.Fatalf("Expected 2 buckets, got %d", l.Len())
	}

	clock.Advance(1500 * time.Millisecond)
	if removed := l.Prune(); removed != 1 {
		t.Errorf("Expected 1 bucket pruned, got %d", removed)
	}
	clock.Advance(time.Second)
	l.Prune()
	if l.Len() != 0 {
		t.Errorf("Expected all buckets pruned, got %d", l.Len())
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 5)
	for i := 0; i < 100; i++ {
		if !l.Allow("client") {
			t.Errorf("Expected request %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.Allow("client") {
		t.Error("Expected nil limiter to allow")
	}
}

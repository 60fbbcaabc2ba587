package ratelimit

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l := New(5, time.Minute)
	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow() {
		t.Fatal("6th request should be denied")
	}
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	l := newLimiter(2, time.Minute, c.now)
	l.Allow()
	l.Allow()
	c.advance(20 * time.Second)
	ok, wait := l.Reserve()
	if ok {
		t.Fatal("3rd should be denied")
	}
	if wait != 40*time.Second {
		t.Fatalf("wait = %v, want 40s", wait)
	}
	c.advance(40 * time.Second)
	if !l.Allow() {
		t.Fatal("after window reset should be allowed")
	}
}

func TestLimiter_ZeroRateNeverLimits(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatalf("request %d denied with rate 0", i+1)
		}
	}
}

func TestKeyed_SeparatesKeys(t *testing.T) {
	k := NewKeyed(1, time.Minute, 0)
	if !k.Allow("p1") {
		t.Fatal("first request for p1 should be allowed")
	}
	if ok, wait := k.Reserve("p1"); ok || wait <= 0 {
		t.Fatalf("second request for p1 = (%v, %v), want denied with a wait", ok, wait)
	}
	if !k.Allow("p2") {
		t.Fatal("p2 has its own window")
	}
}

func TestKeyed_EvictsOldest(t *testing.T) {
	k := NewKeyed(1, time.Minute, 2)
	k.Allow("a")
	k.Allow("b")
	k.Allow("c")
	if n := k.Len(); n != 2 {
		t.Fatalf("Len() = %d, want 2", n)
	}
	if !k.Allow("a") {
		t.Fatal("evicted key should start a fresh window")
	}
}

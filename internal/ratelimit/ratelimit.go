// Package ratelimit throttles agent beacons with fixed-window counters.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter counts the requests of one agent or client in fixed windows.
type Limiter struct {
	mu     sync.Mutex
	rate   int
	window time.Duration
	start  time.Time
	used   int
	now    func() time.Time
}

// New creates a Limiter that allows rate requests per window. A
// non-positive rate never limits.
func New(rate int, window time.Duration) *Limiter {
	return newLimiter(rate, window, time.Now)
}

func newLimiter(rate int, window time.Duration, now func() time.Time) *Limiter {
	return &Limiter{rate: rate, window: window, start: now(), now: now}
}

// Allow consumes one request and reports whether it fits the current window.
func (l *Limiter) Allow() bool {
	ok, _ := l.Reserve()
	return ok
}

// Reserve consumes one request. A denied request reports how long until the
// next window opens.
func (l *Limiter) Reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.start) >= l.window {
		l.start = now
		l.used = 0
	}
	if l.rate <= 0 {
		return true, 0
	}
	l.used++
	if l.used <= l.rate {
		return true, 0
	}
	return false, l.start.Add(l.window).Sub(now)
}

package ratelimit

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultKeys bounds how many keys a Keyed limiter tracks.
const DefaultKeys = 4096

// Keyed is a fixed-window limiter per key (an agent paw or a client IP).
// The least recently seen keys are evicted once more than size are tracked.
type Keyed struct {
	limiters *lru.Cache[string, *Limiter]
	rate     int
	window   time.Duration
	now      func() time.Time
}

// NewKeyed creates a Keyed limiter allowing rate requests per window for
// each key.
func NewKeyed(rate int, window time.Duration, size int) *Keyed {
	if size <= 0 {
		size = DefaultKeys
	}
	cache, err := lru.New[string, *Limiter](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Keyed{limiters: cache, rate: rate, window: window, now: time.Now}
}

// Allow reports whether key is within its rate limit.
func (k *Keyed) Allow(key string) bool {
	ok, _ := k.Reserve(key)
	return ok
}

// Reserve consumes one request for key; see Limiter.Reserve.
func (k *Keyed) Reserve(key string) (bool, time.Duration) {
	l, ok := k.limiters.Get(key)
	if !ok {
		l = newLimiter(k.rate, k.window, k.now)
		if prev, ok, _ := k.limiters.PeekOrAdd(key, l); ok {
			l = prev
		}
	}
	return l.Reserve()
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	return k.limiters.Len()
}

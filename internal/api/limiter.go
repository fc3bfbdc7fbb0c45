package api

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// callerLimiter keeps one token bucket per caller. Buckets of callers idle
// for longer than ttl are evicted.
type callerLimiter struct {
	mu       sync.Mutex
	limiters *cache.Cache
	rps      rate.Limit
	burst    int
	ttl      time.Duration
}

func newCallerLimiter(rps float64, burst int, ttl time.Duration) *callerLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst < 1 {
		burst = 20
	}
	return &callerLimiter{
		limiters: cache.New(ttl, ttl/2),
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      ttl,
	}
}

func (l *callerLimiter) Allow(caller string) bool {
	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.limiters.Get(caller); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.rps, l.burst)
	}
	// refresh the idle deadline on every request
	l.limiters.Set(caller, lim, l.ttl)
	l.mu.Unlock()
	return lim.Allow()
}

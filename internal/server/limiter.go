package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool keeps one token-bucket limiter per user for the send
// endpoint. Limiters are created lazily and live for the process.
type limiterPool struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

func newLimiterPool(perSecond float64, burst int) *limiterPool {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{
		limiters:  make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	limiter, ok := p.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(p.perSecond, p.burst)
		p.limiters[key] = limiter
	}
	p.mu.Unlock()
	return limiter.Allow()
}

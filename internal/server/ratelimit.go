package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// perPeerLimiter is the inbound upgrade rate limiter of §5 "Per-peer
// inbound rate limiter: N upgrades per second per source IP; excess ⇒
// HTTP 429." One token bucket per peer IP, created lazily.
type perPeerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	n        rate.Limit
	burst    int
}

func newPerPeerLimiter(perSecond float64, burst int) *perPeerLimiter {
	return &perPeerLimiter{
		limiters: make(map[string]*rate.Limiter),
		n:        rate.Limit(perSecond),
		burst:    burst,
	}
}

func (p *perPeerLimiter) allow(peerIP string) bool {
	p.mu.Lock()
	l, ok := p.limiters[peerIP]
	if !ok {
		l = rate.NewLimiter(p.n, p.burst)
		p.limiters[peerIP] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

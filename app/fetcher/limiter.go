package fetcher

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter spaces out requests to the same origin host
type HostLimiter struct {
	limit rate.Limit

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// NewHostLimiter allows perSecond requests per host; zero disables limiting
func NewHostLimiter(perSecond float64) *HostLimiter {
	return &HostLimiter{
		limit: rate.Limit(perSecond),
		hosts: make(map[string]*rate.Limiter),
	}
}

func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	limiter, ok := l.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, 1)
		l.hosts[host] = limiter
	}
	l.mu.Unlock()

	return limiter.Wait(ctx)
}

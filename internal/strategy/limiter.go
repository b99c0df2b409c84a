package strategy

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/alvmarrod/domain-enricher/internal/domain"
)

// HostLimiter throttles requests per root domain so that probing a site's pages, its
// JSON endpoints and its rendered pages never exceeds a polite request rate
type HostLimiter struct {
	rps   rate.Limit
	burst int
	mu    sync.RWMutex
	// Map: rootDomain -> limiter
	limiters map[string]*rate.Limiter
}

// NewHostLimiter creates a limiter allowing rps requests per second per root domain.
// A non-positive rps disables throttling.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to host is allowed or ctx is done
func (hl *HostLimiter) Wait(ctx context.Context, host string) error {
	if hl == nil || hl.rps <= 0 {
		return nil
	}
	return hl.get(domain.RootDomain(host)).Wait(ctx)
}

// Count returns the number of root domains being tracked
func (hl *HostLimiter) Count() int {
	hl.mu.RLock()
	defer hl.mu.RUnlock()
	return len(hl.limiters)
}

func (hl *HostLimiter) get(root string) *rate.Limiter {
	hl.mu.RLock()
	limiter, exists := hl.limiters[root]
	hl.mu.RUnlock()
	if exists {
		return limiter
	}

	hl.mu.Lock()
	defer hl.mu.Unlock()

	// Another goroutine may have created it meanwhile
	if limiter, exists := hl.limiters[root]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(hl.rps, hl.burst)
	hl.limiters[root] = limiter
	return limiter
}

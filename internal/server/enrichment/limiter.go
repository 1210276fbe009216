package enrichment

import (
	"context"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Limiter throttles outbound calls with one token bucket per named
// label (rate and burst set by the caller), and collapses concurrent
// lookups for the same key (label+ip) into a single in-flight call via
// singleflight,
// so a burst of auth events for one attacking IP never fans out into N
// identical external requests.
type Limiter struct {
	buckets map[string]*rate.Limiter
	group   singleflight.Group
}

// NewLimiter builds a Limiter with one token-bucket per named provider,
// each allowing ratePerSecond calls/sec with a burst of burst.
func NewLimiter(ratePerSecond float64, burst int, providers ...string) *Limiter {
	l := &Limiter{buckets: make(map[string]*rate.Limiter, len(providers))}
	for _, p := range providers {
		l.buckets[p] = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return l
}

// Do waits for the provider's token bucket to admit a call, then
// executes fn, deduplicating concurrent calls sharing the same
// provider+key so only one actually runs; all callers waiting on the
// same key receive its result. A provider label with no bucket runs
// without waiting.
func (l *Limiter) Do(ctx context.Context, provider, key string, fn func() (interface{}, error)) (interface{}, error) {
	b, ok := l.buckets[provider]
	if ok {
		if err := b.Wait(ctx); err != nil {
			return nil, err
		}
	}
	v, err, _ := l.group.Do(provider+"|"+key, fn)
	return v, err
}

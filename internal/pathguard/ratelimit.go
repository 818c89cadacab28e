package pathguard

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimiter hands out a token bucket per named key. Buckets live in a
// bounded LRU so an unbounded key space cannot grow the cache without
// limit. Process-local; nothing is shared across processes.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewRateLimiter allows maxRequests per windowSeconds for each key.
func NewRateLimiter(maxRequests int, windowSeconds float64, maxKeys int) (*RateLimiter, error) {
	cache, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{
		buckets: cache,
		limit:   rate.Limit(float64(maxRequests) / windowSeconds),
		burst:   maxRequests,
	}, nil
}

// Allow reports whether the key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.buckets.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets.Add(key, limiter)
	}
	return limiter.Allow()
}

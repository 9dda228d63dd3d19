package handlers

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// defaultLimiterKeys bounds how many callers are tracked at once; the least
// recently seen caller is forgotten first
const defaultLimiterKeys = 1024

// CommandLimiter applies a token bucket per caller to published commands
type CommandLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	cache *lru.Cache[string, *rate.Limiter]
}

// NewCommandLimiter creates a limiter allowing perSec commands per caller
// with the given burst. perSec <= 0 disables limiting.
func NewCommandLimiter(perSec float64, burst int) *CommandLimiter {
	if perSec <= 0 || burst <= 0 {
		return &CommandLimiter{}
	}
	cache, err := lru.New[string, *rate.Limiter](defaultLimiterKeys)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &CommandLimiter{limit: rate.Limit(perSec), burst: burst, cache: cache}
}

// Allow reports whether the caller identified by key may send now
func (l *CommandLimiter) Allow(key string) bool {
	if l == nil || l.cache == nil {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.cache.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.cache.Add(key, limiter)
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the bucket for key
func (l *CommandLimiter) Forget(key string) {
	if l == nil || l.cache == nil {
		return
	}
	l.cache.Remove(key)
}

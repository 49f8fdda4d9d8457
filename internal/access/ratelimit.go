package access

import (
	"fmt"
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// Limiters for origins idle longer than this are dropped by the store.
const limiterIdleTTL = 10 * time.Minute

// OriginRateLimiter keeps one token bucket per request origin.
type OriginRateLimiter struct {
	store *echomw.RateLimiterMemoryStore
	rps   float64
	burst int
}

// NewOriginRateLimiter creates a limiter allowing rps requests per second per
// origin with the given burst.
func NewOriginRateLimiter(rps float64, burst int) *OriginRateLimiter {
	burst = max(burst, 1)
	return &OriginRateLimiter{
		store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(rps),
			Burst:     burst,
			ExpiresIn: limiterIdleTTL,
		}),
		rps:   rps,
		burst: burst,
	}
}

// Check consumes one token for origin. It returns "" when the request may
// proceed and a human-readable message otherwise. It satisfies RateLimitFunc.
func (l *OriginRateLimiter) Check(origin string) string {
	if ok, err := l.store.Allow(origin); ok && err == nil {
		return ""
	}
	return fmt.Sprintf("Allowed rate: %g requests per second (burst %d).", l.rps, l.burst)
}

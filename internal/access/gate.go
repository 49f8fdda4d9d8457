// Package access decides whether an inbound request may use the proxy.
package access

import (
	"fmt"
	"net/http"

	"artifact-cors-proxy/internal/config"
)

// Cache-Control values for rejections. Static decisions are cached longer.
const (
	CacheOneYear = "max-age=31536000"
	CacheOneDay  = "max-age=86400"
	CacheOneHour = "max-age=3600"
)

// Verdict is the outcome class of a gate evaluation.
type Verdict int

const (
	Allowed Verdict = iota
	Preflight
	Rejected
)

// Rejection reasons, used as metric labels.
const (
	ReasonMissingOrigin  = "missing_origin"
	ReasonBlacklisted    = "blacklisted"
	ReasonNotWhitelisted = "not_whitelisted"
	ReasonRateLimited    = "rate_limited"
)

// Decision is the result of Gate.Evaluate. Status, Body, CacheControl and
// Reason are only set for Rejected.
type Decision struct {
	Verdict      Verdict
	Status       int
	Body         string
	CacheControl string
	Reason       string
}

// RateLimitFunc returns a non-empty message when origin must be throttled.
// It is called concurrently.
type RateLimitFunc func(origin string) string

// Gate evaluates origin access rules. It is read-only after construction.
type Gate struct {
	blacklist      map[string]struct{}
	whitelist      map[string]struct{}
	checkRateLimit RateLimitFunc
}

// NewGate builds a Gate from the CORS config. check may be nil, which
// disables rate limiting.
func NewGate(cfg *config.Config, check RateLimitFunc) *Gate {
	return &Gate{
		blacklist:      toSet(cfg.CORS.OriginBlacklist),
		whitelist:      toSet(cfg.CORS.OriginWhitelist),
		checkRateLimit: check,
	}
}

// Evaluate applies, in order: preflight, missing origin, blacklist,
// whitelist, rate limit. The first matching rule wins.
func (g *Gate) Evaluate(method, origin string) Decision {
	if method == http.MethodOptions {
		return Decision{Verdict: Preflight, Status: http.StatusOK}
	}

	if origin == "" {
		return Decision{
			Verdict:      Rejected,
			Status:       http.StatusForbidden,
			Body:         "Missing Origin header.",
			CacheControl: CacheOneYear,
			Reason:       ReasonMissingOrigin,
		}
	}

	if _, ok := g.blacklist[origin]; ok {
		return Decision{
			Verdict:      Rejected,
			Status:       http.StatusForbidden,
			Body:         fmt.Sprintf("The origin %q was blacklisted by the operator of this proxy.", origin),
			CacheControl: CacheOneDay,
			Reason:       ReasonBlacklisted,
		}
	}

	if len(g.whitelist) > 0 {
		if _, ok := g.whitelist[origin]; !ok {
			return Decision{
				Verdict:      Rejected,
				Status:       http.StatusForbidden,
				Body:         fmt.Sprintf("The origin %q was not whitelisted by the operator of this proxy.", origin),
				CacheControl: CacheOneDay,
				Reason:       ReasonNotWhitelisted,
			}
		}
	}

	if g.checkRateLimit != nil {
		if msg := g.checkRateLimit(origin); msg != "" {
			return Decision{
				Verdict: Rejected,
				Status:  http.StatusTooManyRequests,
				Body:    fmt.Sprintf("The origin %q has sent too many requests.\n%s", origin, msg),
				Reason:  ReasonRateLimited,
			}
		}
	}

	return Decision{Verdict: Allowed}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

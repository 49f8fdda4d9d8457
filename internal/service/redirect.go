package service

import (
	"fmt"
	"log/slog"
	"net/http"

	"artifact-cors-proxy/internal/metrics"
	"artifact-cors-proxy/internal/model"
)

// Debug headers staged on the client response.
const (
	HeaderRequestURL     = "X-Request-Url"
	HeaderFinalURL       = "X-Final-Url"
	redirectHeaderPrefix = "X-Cors-Redirect-"
)

// RedirectHeader returns the debug header name recording the n-th followed redirect.
func RedirectHeader(n int) string {
	return fmt.Sprintf("%s%d", redirectHeaderPrefix, n)
}

// RedirectCoordinator chases 301/302/303 responses on the server side up to
// state.MaxRedirects. 307 and 308 are never chased: they require replaying
// the method and body, which the chase path does not keep.
type RedirectCoordinator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRedirectCoordinator creates a RedirectCoordinator. m may be nil.
func NewRedirectCoordinator(logger *slog.Logger, m *metrics.Metrics) *RedirectCoordinator {
	return &RedirectCoordinator{
		logger:  logger.With("component", "redirect_coordinator"),
		metrics: m,
	}
}

// Intercept implements ResponseInterceptor. It returns false after
// rewriting state and req for the next hop, true when resp is final; in the
// latter case resp.Header has already been sanitized.
func (rc *RedirectCoordinator) Intercept(state *model.RequestState, req *model.ProxyRequest, resp *model.ProxyResponse) bool {
	if state.RedirectCount == 0 {
		state.Header.Set(HeaderRequestURL, state.Location.String())
	}

	if isRedirect(resp.StatusCode) {
		if raw := resp.Header.Get("Location"); raw != "" {
			if target, err := state.Location.Parse(raw); err == nil {
				if rc.follow(state, req, resp.StatusCode, target.String(), target.Scheme) {
					state.Location = target
					return false
				}
				resp.Header.Set("Location", state.ProxyBaseURL+"/"+target.String())
			} else {
				rc.logger.Debug("unparsable redirect location", "location", raw, "err", err)
			}
		}
	}

	Sanitize(state, resp.Header)
	return true
}

// follow decides whether a redirect is chased and, if so, rewrites the
// request for a GET without body.
func (rc *RedirectCoordinator) follow(state *model.RequestState, req *model.ProxyRequest, status int, target, scheme string) bool {
	if !isFollowable(status) || (scheme != "http" && scheme != "https") {
		return false
	}
	if state.RedirectCount+1 > state.MaxRedirects {
		if rc.metrics != nil {
			rc.metrics.RedirectLimitHits.Inc()
		}
		rc.logger.Debug("redirect limit reached",
			"max_redirects", state.MaxRedirects,
			"location", target,
		)
		return false
	}

	state.RedirectCount++
	state.Header.Set(RedirectHeader(state.RedirectCount), fmt.Sprintf("%d %s", status, target))

	req.Method = http.MethodGet
	req.Body = http.NoBody
	req.ContentLength = 0
	req.Header.Del("Content-Type")
	req.Header.Del("Content-Length")

	if rc.metrics != nil {
		rc.metrics.RedirectsFollowed.Inc()
	}
	rc.logger.Debug("following redirect",
		"n", state.RedirectCount,
		"status", status,
		"location", target,
	)
	return true
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isFollowable(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		return true
	}
	return false
}

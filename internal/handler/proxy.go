package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"artifact-cors-proxy/internal/access"
	"artifact-cors-proxy/internal/config"
	"artifact-cors-proxy/internal/metrics"
	"artifact-cors-proxy/internal/model"
	"artifact-cors-proxy/internal/service"
)

var (
	// artifactPathPattern groups: 1 build number, 2 artifact path.
	artifactPathPattern = regexp.MustCompile(`^/(\d+)/(.+)`)
	httpsProtoPattern   = regexp.MustCompile(`^\s*https`)
)

// ProxyHandler serves GET /{build}/{path} and CORS preflights.
type ProxyHandler struct {
	gate         *access.Gate
	locator      *service.ArtifactLocator
	forwarder    *service.Forwarder
	maxRedirects int
	maxAge       int
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(
	gate *access.Gate,
	locator *service.ArtifactLocator,
	forwarder *service.Forwarder,
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyHandler {
	return &ProxyHandler{
		gate:         gate,
		locator:      locator,
		forwarder:    forwarder,
		maxRedirects: cfg.CORS.RedirectLimit(),
		maxAge:       cfg.CORS.MaxAge,
		logger:       logger.With("component", "proxy_handler"),
		metrics:      m,
	}
}

// Handle runs the origin gate, resolves the artifact and streams it back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	decision := h.gate.Evaluate(req.Method, req.Header.Get(echo.HeaderOrigin))
	switch decision.Verdict {
	case access.Preflight:
		return h.preflight(c)
	case access.Rejected:
		if h.metrics != nil {
			h.metrics.AccessRejections.WithLabelValues(decision.Reason).Inc()
		}
		h.logger.Debug("request rejected",
			"reason", decision.Reason,
			"origin", req.Header.Get(echo.HeaderOrigin),
		)
		return h.reply(c, decision.Status, decision.CacheControl, decision.Body)
	}

	q, ok := parseArtifactPath(req.URL.Path)
	if !ok {
		return h.reply(c, http.StatusNotFound, access.CacheOneYear, "Missing or incorrect build number.")
	}

	target, err := h.locator.Resolve(req.Context(), q)
	if err != nil {
		return h.lookupFailed(c, q, err)
	}

	state := &model.RequestState{
		Location:     target,
		ProxyBaseURL: proxyBaseURL(req),
		MaxRedirects: h.maxRedirects,
		CORSMaxAge:   h.maxAge,
		Header:       c.Response().Header(),
	}

	resp, err := h.forwarder.Forward(state, h.forwarder.NewProxyRequest(req))
	if err != nil {
		return h.guardError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	service.MergeResponseHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// Status is already on the wire; a failure here can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
			"target", state.Location.String(),
		)
	}

	return nil
}

// Preflight answers OPTIONS on any path.
func (h *ProxyHandler) Preflight(c echo.Context) error {
	return h.preflight(c)
}

func (h *ProxyHandler) preflight(c echo.Context) error {
	hdr := c.Response().Header()
	h.setCORSHeaders(hdr)
	hdr.Set(echo.HeaderAccessControlAllowMethods, "GET, OPTIONS")
	hdr.Set(echo.HeaderAccessControlAllowHeaders, "Origin")
	return c.NoContent(http.StatusOK)
}

func (h *ProxyHandler) lookupFailed(c echo.Context, q model.ArtifactQuery, err error) error {
	var lerr *service.LookupError
	if !errors.As(err, &lerr) {
		return h.guardError(c, err)
	}

	switch lerr.Kind {
	case service.KindBuildNotFound:
		return h.reply(c, http.StatusNotFound, access.CacheOneHour, fmt.Sprintf("%d not found.", q.BuildNumber))
	case service.KindArtifactNotFound:
		return h.reply(c, http.StatusNotFound, access.CacheOneHour, q.Path+" not found.")
	}

	if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
		h.logger.Debug("client went away during lookup", "build", q.BuildNumber)
		return nil
	}

	h.logger.Warn("artifact lookup failed",
		"kind", lerr.Kind.String(),
		"build", q.BuildNumber,
		"path", q.Path,
		"err", lerr.Err,
	)
	cause := "null"
	if lerr.Err != nil {
		cause = lerr.Err.Error()
	}
	return h.reply(c, http.StatusBadRequest, "",
		fmt.Sprintf("error: %s\nstatus code: %d\nbody: %s", cause, lerr.Status, lerr.Body))
}

// guardError turns a forwarding failure into a 404 with every staged header
// dropped. Once the status line is out, it only logs.
func (h *ProxyHandler) guardError(c echo.Context, err error) error {
	req := c.Request()
	res := c.Response()

	if errors.Is(err, context.Canceled) && req.Context().Err() != nil {
		h.logger.Debug("client went away", "path", req.URL.Path, "err", err)
		return nil
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", req.URL.Path,
		"committed", res.Committed,
	)
	if res.Committed {
		return nil
	}

	clear(res.Header())
	res.Header().Set(echo.HeaderAccessControlAllowOrigin, "*")
	return c.String(http.StatusNotFound, fmt.Sprintf("Not found because of proxy error: %v", err))
}

// reply writes a plain-text gate or lookup response with CORS headers.
func (h *ProxyHandler) reply(c echo.Context, status int, cacheControl, body string) error {
	hdr := c.Response().Header()
	h.setCORSHeaders(hdr)
	if cacheControl != "" {
		hdr.Set(echo.HeaderCacheControl, cacheControl)
	}
	return c.String(status, body)
}

func (h *ProxyHandler) setCORSHeaders(hdr http.Header) {
	hdr.Set(echo.HeaderAccessControlAllowOrigin, "*")
	if h.maxAge > 0 {
		hdr.Set(echo.HeaderAccessControlMaxAge, strconv.Itoa(h.maxAge))
	}
}

// parseArtifactPath splits "/<build>/<path>". Build numbers that overflow
// uint64 are rejected like any other malformed path.
func parseArtifactPath(p string) (model.ArtifactQuery, bool) {
	m := artifactPathPattern.FindStringSubmatch(p)
	if m == nil {
		return model.ArtifactQuery{}, false
	}
	build, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return model.ArtifactQuery{}, false
	}
	return model.ArtifactQuery{BuildNumber: build, Path: m[2]}, true
}

// proxyBaseURL is the scheme and host clients use to reach this proxy.
func proxyBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || httpsProtoPattern.MatchString(r.Header.Get(echo.HeaderXForwardedProto)) {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

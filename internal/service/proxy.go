// Package service implements artifact resolution and the forwarding engine
// with server-side redirect chasing.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"artifact-cors-proxy/internal/client"
	"artifact-cors-proxy/internal/config"
	"artifact-cors-proxy/internal/model"
)

// ResponseInterceptor inspects every upstream response before it is emitted.
// Returning false discards the response; the Forwarder then aborts that hop
// and starts a new one from the rewritten state and request.
type ResponseInterceptor interface {
	Intercept(state *model.RequestState, req *model.ProxyRequest, resp *model.ProxyResponse) bool
}

// Doer performs one outbound HTTP exchange.
type Doer interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// Forwarder sends the inbound request to the resolved artifact URL, one hop
// at a time.
type Forwarder struct {
	client        Doer
	interceptor   ResponseInterceptor
	removeHeaders []string
	setHeaders    map[string]string
	xfwd          bool
	logger        *slog.Logger
}

// NewForwarder creates a Forwarder whose hops are inspected by rc.
func NewForwarder(c *client.UpstreamClient, rc *RedirectCoordinator, cfg *config.Config, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:        c,
		interceptor:   rc,
		removeHeaders: cfg.CORS.CanonicalRemoveHeaders(),
		setHeaders:    cfg.CORS.SetHeaders,
		xfwd:          cfg.Upstream.ForwardedHeaders(),
		logger:        logger.With("component", "forwarder"),
	}
}

// NewProxyRequest builds the first outbound hop from an inbound request:
// configured headers are removed and set, and X-Forwarded-* are appended
// when enabled. The inbound body is passed through as a stream.
func (f *Forwarder) NewProxyRequest(r *http.Request) *model.ProxyRequest {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, name := range f.removeHeaders {
		header.Del(name)
	}
	for name, value := range f.setHeaders {
		header.Set(name, value)
	}
	if f.xfwd {
		addForwardedHeaders(header, r)
	}

	return &model.ProxyRequest{
		Ctx:           r.Context(),
		Method:        r.Method,
		Header:        header,
		Body:          r.Body,
		ContentLength: r.ContentLength,
	}
}

// Forward runs hops until the interceptor accepts a response. A superseded
// hop is cancelled and its body closed before the next one starts, so at
// most one outbound connection exists per inbound request. Errors from that
// teardown are dropped. The returned body releases its hop when closed.
func (f *Forwarder) Forward(state *model.RequestState, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	for {
		hopCtx, cancel := context.WithCancel(pr.Ctx)

		resp, err := f.hop(hopCtx, state.Location, pr)
		if err != nil {
			cancel()
			return nil, err
		}

		if f.interceptor.Intercept(state, pr, resp) {
			resp.Body = &hopBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}

		cancel()
		_ = resp.Body.Close()
	}
}

func (f *Forwarder) hop(ctx context.Context, target *url.URL, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, pr.Method, target.String(), pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = pr.Header.Clone()
	req.Host = target.Host
	if pr.ContentLength > 0 {
		req.ContentLength = pr.ContentLength
	}

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", target.String(),
	)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", target.Host, err)
	}
	return resp, nil
}

// hopBody cancels the hop's context once the emitted body is closed.
type hopBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *hopBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// addForwardedHeaders appends X-Forwarded-For/Port/Proto describing the
// inbound connection.
func addForwardedHeaders(h http.Header, r *http.Request) {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	port := ""
	if _, p, err := net.SplitHostPort(r.Host); err == nil {
		port = p
	} else if proto == "https" {
		port = "443"
	} else {
		port = "80"
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		appendHeader(h, "X-Forwarded-For", ip)
	} else if r.RemoteAddr != "" {
		appendHeader(h, "X-Forwarded-For", r.RemoteAddr)
	}
	appendHeader(h, "X-Forwarded-Port", port)
	appendHeader(h, "X-Forwarded-Proto", proto)
}

func appendHeader(h http.Header, key, value string) {
	if prior := h.Values(key); len(prior) > 0 {
		value = strings.Join(prior, ",") + "," + value
	}
	h.Set(key, value)
}

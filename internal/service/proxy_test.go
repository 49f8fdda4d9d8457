package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"artifact-cors-proxy/internal/client"
	"artifact-cors-proxy/internal/config"
	"artifact-cors-proxy/internal/model"
)

func newTestForwarder(cfg *config.Config) *Forwarder {
	if cfg.Upstream.TimeoutSeconds == 0 {
		cfg.Upstream.TimeoutSeconds = 10
		cfg.Upstream.IdleConnections = 10
	}
	logger := discardLogger()
	return NewForwarder(
		client.NewUpstreamClient(cfg, logger, nil),
		NewRedirectCoordinator(logger, nil),
		cfg,
		logger,
	)
}

// newHopServer serves /hop/N: a 302 to /hop/N-1 while N > 0, then the artifact.
func newHopServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if n > 0 {
			w.Header().Set("Location", fmt.Sprintf("/hop/%d", n-1))
			w.Header().Set("Set-Cookie", "hop=1")
			w.WriteHeader(http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Set-Cookie", "session=abc")
		_, _ = w.Write([]byte("katex();"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func getRequest(ctx context.Context) *model.ProxyRequest {
	return &model.ProxyRequest{
		Ctx:    ctx,
		Method: http.MethodGet,
		Header: make(http.Header),
		Body:   http.NoBody,
	}
}

func TestForwarder_FollowsRedirectsUpToLimit(t *testing.T) {
	srv := newHopServer(t)
	const maxRedirects = 5

	for _, k := range []int{0, 1, 3, maxRedirects} {
		t.Run(strconv.Itoa(k), func(t *testing.T) {
			f := newTestForwarder(&config.Config{})
			start := fmt.Sprintf("%s/hop/%d", srv.URL, k)
			state := newTestState(t, start, maxRedirects)

			resp, err := f.Forward(state, getRequest(context.Background()))
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			body, _ := io.ReadAll(resp.Body)
			if string(body) != "katex();" {
				t.Errorf("body = %q", body)
			}
			if state.RedirectCount != k {
				t.Errorf("RedirectCount = %d, want %d", state.RedirectCount, k)
			}
			if got := state.Header.Get(HeaderRequestURL); got != start {
				t.Errorf("%s = %q, want %q", HeaderRequestURL, got, start)
			}
			for i := 1; i <= k; i++ {
				want := fmt.Sprintf("302 %s/hop/%d", srv.URL, k-i)
				if got := state.Header.Get(RedirectHeader(i)); got != want {
					t.Errorf("%s = %q, want %q", RedirectHeader(i), got, want)
				}
			}
			if got := state.Header.Get(RedirectHeader(k + 1)); got != "" {
				t.Errorf("unexpected %s = %q", RedirectHeader(k+1), got)
			}
			if got := resp.Header.Get(HeaderFinalURL); got != srv.URL+"/hop/0" {
				t.Errorf("%s = %q, want %q", HeaderFinalURL, got, srv.URL+"/hop/0")
			}
			if got := resp.Header.Get("Set-Cookie"); got != "" {
				t.Errorf("Set-Cookie = %q, want stripped", got)
			}
		})
	}
}

func TestForwarder_RedirectLimitRewritesLocation(t *testing.T) {
	srv := newHopServer(t)
	const maxRedirects = 5

	f := newTestForwarder(&config.Config{})
	state := newTestState(t, fmt.Sprintf("%s/hop/%d", srv.URL, maxRedirects+1), maxRedirects)

	resp, err := f.Forward(state, getRequest(context.Background()))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	want := testProxyBase + "/" + srv.URL + "/hop/0"
	if got := resp.Header.Get("Location"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
	if state.RedirectCount != maxRedirects {
		t.Errorf("RedirectCount = %d, want %d", state.RedirectCount, maxRedirects)
	}
	if got := resp.Header.Get("Set-Cookie"); got != "" {
		t.Errorf("Set-Cookie = %q, want stripped", got)
	}
}

func TestForwarder_ZeroRedirectsReturnsFirstResponse(t *testing.T) {
	srv := newHopServer(t)

	f := newTestForwarder(&config.Config{})
	state := newTestState(t, srv.URL+"/hop/1", 0)

	resp, err := f.Forward(state, getRequest(context.Background()))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if got := state.Header.Get(RedirectHeader(1)); got != "" {
		t.Errorf("unexpected %s = %q", RedirectHeader(1), got)
	}
}

func TestForwarder_RedirectResetsMethodAndBody(t *testing.T) {
	type seen struct {
		method, body, contentType string
	}
	got := make(chan seen, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path == "/upload" {
			w.Header().Set("Location", "/result")
			w.WriteHeader(http.StatusSeeOther)
			return
		}
		got <- seen{r.Method, string(body), r.Header.Get("Content-Type")}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestForwarder(&config.Config{})
	state := newTestState(t, srv.URL+"/upload", 5)
	pr := &model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPost,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader("payload")),
		ContentLength: int64(len("payload")),
	}

	resp, err := f.Forward(state, pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	s := <-got
	if s.method != http.MethodGet {
		t.Errorf("method = %q, want GET", s.method)
	}
	if s.body != "" {
		t.Errorf("body = %q, want empty", s.body)
	}
	if s.contentType != "" {
		t.Errorf("Content-Type = %q, want removed", s.contentType)
	}
	if v := state.Header.Get(RedirectHeader(1)); v != "303 "+srv.URL+"/result" {
		t.Errorf("%s = %q", RedirectHeader(1), v)
	}
}

func TestForwarder_TemporaryRedirectNotFollowed(t *testing.T) {
	for _, status := range []int{http.StatusTemporaryRedirect, http.StatusPermanentRedirect} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "/elsewhere")
				w.WriteHeader(status)
			}))
			defer srv.Close()

			f := newTestForwarder(&config.Config{})
			state := newTestState(t, srv.URL+"/start", 5)

			resp, err := f.Forward(state, getRequest(context.Background()))
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != status {
				t.Errorf("status = %d, want %d", resp.StatusCode, status)
			}
			if state.RedirectCount != 0 {
				t.Errorf("RedirectCount = %d, want 0", state.RedirectCount)
			}
			want := testProxyBase + "/" + srv.URL + "/elsewhere"
			if got := resp.Header.Get("Location"); got != want {
				t.Errorf("Location = %q, want %q", got, want)
			}
		})
	}
}

func TestForwarder_AppliesHeaderRules(t *testing.T) {
	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer srv.Close()

	xfwd := true
	f := newTestForwarder(&config.Config{
		CORS: config.CORSConfig{
			RemoveHeaders: []string{"cookie", "cookie2"},
			SetHeaders:    map[string]string{"X-Proxied-By": "artifact-cors-proxy"},
		},
		Upstream: config.UpstreamConfig{XForwarded: &xfwd},
	})

	in := httptest.NewRequest(http.MethodGet, "http://proxy.test:8080/1/a.js", http.NoBody)
	in.RemoteAddr = "203.0.113.7:5555"
	in.Header.Set("Cookie", "secret=1")
	in.Header.Set("Origin", "https://app.example")
	in.Header.Set("X-Forwarded-For", "198.51.100.1")

	state := newTestState(t, srv.URL+"/a.js", 5)
	resp, err := f.Forward(state, f.NewProxyRequest(in))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	h := <-got
	if h.Get("Cookie") != "" {
		t.Errorf("Cookie = %q, want removed", h.Get("Cookie"))
	}
	if h.Get("X-Proxied-By") != "artifact-cors-proxy" {
		t.Errorf("X-Proxied-By = %q", h.Get("X-Proxied-By"))
	}
	if h.Get("Origin") != "https://app.example" {
		t.Errorf("Origin = %q, want passed through", h.Get("Origin"))
	}
	if h.Get("X-Forwarded-For") != "198.51.100.1,203.0.113.7" {
		t.Errorf("X-Forwarded-For = %q", h.Get("X-Forwarded-For"))
	}
	if h.Get("X-Forwarded-Port") != "8080" {
		t.Errorf("X-Forwarded-Port = %q, want 8080", h.Get("X-Forwarded-Port"))
	}
	if h.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", h.Get("X-Forwarded-Proto"))
	}
}

func TestForwarder_ForwardedHeadersDisabled(t *testing.T) {
	xfwd := false
	f := newTestForwarder(&config.Config{Upstream: config.UpstreamConfig{XForwarded: &xfwd}})

	in := httptest.NewRequest(http.MethodGet, "http://proxy.test/1/a.js", http.NoBody)
	pr := f.NewProxyRequest(in)

	for _, key := range []string{"X-Forwarded-For", "X-Forwarded-Port", "X-Forwarded-Proto"} {
		if v := pr.Header.Get(key); v != "" {
			t.Errorf("%s = %q, want unset", key, v)
		}
	}
}

func TestForwarder_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	f := newTestForwarder(&config.Config{})
	state := newTestState(t, target+"/a.js", 5)

	_, err := f.Forward(state, getRequest(context.Background()))
	if err == nil {
		t.Fatal("expected error for closed upstream")
	}
}

// trackingBody records Close calls.
type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

// chainDoer answers /0 with 200 and /N with a 302 to /N-1, checking that the
// previous hop was torn down before the next one starts.
type chainDoer struct {
	t      *testing.T
	bodies []*trackingBody
	ctxs   []context.Context
}

func (d *chainDoer) Do(req *http.Request) (*model.ProxyResponse, error) {
	for i, b := range d.bodies {
		if !b.closed {
			d.t.Errorf("hop %d body still open when %s started", i, req.URL)
		}
		if d.ctxs[i].Err() == nil {
			d.t.Errorf("hop %d context still live when %s started", i, req.URL)
		}
	}

	body := &trackingBody{Reader: strings.NewReader("x")}
	d.bodies = append(d.bodies, body)
	d.ctxs = append(d.ctxs, req.Context())

	n, _ := strconv.Atoi(strings.TrimPrefix(req.URL.Path, "/"))
	if n == 0 {
		return &model.ProxyResponse{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}, nil
	}
	return &model.ProxyResponse{
		StatusCode: http.StatusMovedPermanently,
		Header:     http.Header{"Location": {"/" + strconv.Itoa(n-1)}},
		Body:       body,
	}, nil
}

func TestForwarder_SupersededHopsAreReleased(t *testing.T) {
	doer := &chainDoer{t: t}
	f := &Forwarder{
		client:      doer,
		interceptor: NewRedirectCoordinator(discardLogger(), nil),
		logger:      discardLogger(),
	}
	state := newTestState(t, "http://artifacts.test/3", 5)

	resp, err := f.Forward(state, getRequest(context.Background()))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if len(doer.bodies) != 4 {
		t.Fatalf("hops = %d, want 4", len(doer.bodies))
	}

	last := doer.ctxs[len(doer.ctxs)-1]
	if last.Err() != nil {
		t.Error("final hop context cancelled before body was closed")
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !errors.Is(last.Err(), context.Canceled) {
		t.Errorf("final hop context err = %v, want canceled", last.Err())
	}
	if !doer.bodies[len(doer.bodies)-1].closed {
		t.Error("final body not closed")
	}
}

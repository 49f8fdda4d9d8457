// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Artifact downloads run
// longer than API calls, hence the wider tail.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// sizeBuckets span small JS/CSS files to multi-hundred-megabyte archives.
var sizeBuckets = prometheus.ExponentialBuckets(1024, 4, 10)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseBytes    *prometheus.HistogramVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ArtifactLookups   *prometheus.CounterVec
	RedirectsFollowed prometheus.Counter
	RedirectLimitHits prometheus.Counter
	AccessRejections  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artifact_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artifact_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "artifact_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artifact_proxy_http_response_bytes",
			Help:    "Bytes written to clients per response.",
			Buckets: sizeBuckets,
		}, []string{"path_prefix"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artifact_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artifact_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		ArtifactLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artifact_proxy_artifact_lookups_total",
			Help: "Artifact-list lookups by outcome.",
		}, []string{"outcome"}),

		RedirectsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifact_proxy_redirects_followed_total",
			Help: "Redirects followed on behalf of clients.",
		}),

		RedirectLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "artifact_proxy_redirect_limit_reached_total",
			Help: "Redirect chains handed back to the client after hitting the limit.",
		}),

		AccessRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artifact_proxy_access_rejections_total",
			Help: "Requests rejected by the origin gate, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseBytes,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ArtifactLookups,
		m.RedirectsFollowed,
		m.RedirectLimitHits,
		m.AccessRejections,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Artifact requests collapse to "/{build}".
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if isBuildPath(path) {
		return "/{build}"
	}
	return "other"
}

// isBuildPath reports whether path starts with "/<digits>/".
func isBuildPath(path string) bool {
	if len(path) < 3 || path[0] != '/' {
		return false
	}
	i := 1
	for i < len(path) && path[i] >= '0' && path[i] <= '9' {
		i++
	}
	return i > 1 && i < len(path) && path[i] == '/'
}

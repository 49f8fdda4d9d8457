// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
// Method, Header and Body describe the next outbound hop and are rewritten
// when a redirect is followed.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ArtifactQuery identifies one build artifact.
type ArtifactQuery struct {
	BuildNumber uint64
	Path        string
}

// ArtifactListing is the raw reply of the CI provider's artifact-list endpoint.
type ArtifactListing struct {
	StatusCode int
	Body       []byte
}

// Artifact is one entry of the provider's artifact list.
type Artifact struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// RequestState carries the redirect-chasing state of one inbound request.
type RequestState struct {
	// Location is the URL currently being fetched.
	Location *url.URL
	// ProxyBaseURL is the externally visible base URL of this proxy.
	ProxyBaseURL  string
	MaxRedirects  int
	RedirectCount int
	CORSMaxAge    int
	// Header holds the headers staged on the client response.
	Header http.Header
}

package service

import (
	"net/http"
	"strconv"

	"artifact-cors-proxy/internal/model"
)

// hopByHopHeaders are never copied from an upstream response to the client.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Sanitize strips cookies from an emitted upstream response and sets the
// CORS, cache and final-URL headers.
func Sanitize(state *model.RequestState, h http.Header) {
	h.Del("Set-Cookie")
	h.Del("Set-Cookie2")

	h.Set(HeaderFinalURL, state.Location.String())
	h.Set("Cache-Control", "max-age=31536000")
	h.Set("Access-Control-Allow-Origin", "*")
	if state.CORSMaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(state.CORSMaxAge))
	}
}

// MergeResponseHeaders copies upstream headers into the client response.
// Keys already staged in dst win; hop-by-hop headers are dropped.
func MergeResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		key = http.CanonicalHeaderKey(key)
		if hopByHopHeaders[key] {
			continue
		}
		if _, staged := dst[key]; staged {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
}

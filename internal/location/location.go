// Package location parses the loose URL strings handed out by the CI
// provider into absolute URLs.
package location

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidURL is returned when the input is not shaped like host[:port][/path].
var ErrInvalidURL = errors.New("invalid URL")

// urlPattern groups: 1 scheme, 2 host[:port], 3 hostname, 4 port, 5 path+query.
var urlPattern = regexp.MustCompile(`(?i)^(?:(https?:)?//)?(([^/?]+?)(?::(\d{0,5}))?)([/?][\s\S]*|$)`)

// Parse converts a possibly scheme-less URL into an absolute one. Without an
// explicit scheme, https is assumed only when the port is literally 443.
func Parse(raw string) (*url.URL, error) {
	m := urlPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	if m[1] == "" {
		if !strings.HasPrefix(raw, "//") {
			raw = "//" + raw
		}
		if m[4] == "443" {
			raw = "https:" + raw
		} else {
			raw = "http:" + raw
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u, nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"artifact-cors-proxy/internal/location"
	"artifact-cors-proxy/internal/metrics"
	"artifact-cors-proxy/internal/model"
)

// LookupKind classifies artifact resolution failures.
type LookupKind int

const (
	// KindResolution covers transport failures, malformed JSON and
	// unparsable artifact URLs.
	KindResolution LookupKind = iota
	// KindUpstream is a non-200, non-404 reply from the provider. Err is nil;
	// Status and Body carry the reply.
	KindUpstream
	KindBuildNotFound
	KindArtifactNotFound
)

func (k LookupKind) String() string {
	switch k {
	case KindResolution:
		return "resolution_error"
	case KindUpstream:
		return "upstream_error"
	case KindBuildNotFound:
		return "build_not_found"
	case KindArtifactNotFound:
		return "artifact_not_found"
	}
	return "unknown"
}

// LookupError is returned by ArtifactLocator.Resolve. Status and Body hold the
// provider reply when one was received.
type LookupError struct {
	Kind   LookupKind
	Query  model.ArtifactQuery
	Status int
	Body   string
	Err    error
}

func (e *LookupError) Error() string {
	switch e.Kind {
	case KindBuildNotFound:
		return fmt.Sprintf("build %d not found", e.Query.BuildNumber)
	case KindArtifactNotFound:
		return fmt.Sprintf("artifact %q not found in build %d", e.Query.Path, e.Query.BuildNumber)
	case KindUpstream:
		return fmt.Sprintf("provider returned status %d for build %d", e.Status, e.Query.BuildNumber)
	}
	return fmt.Sprintf("resolve build %d: %v", e.Query.BuildNumber, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// ArtifactLister fetches the raw artifact list of a build.
type ArtifactLister interface {
	FetchArtifacts(ctx context.Context, build uint64) (*model.ArtifactListing, error)
}

// ArtifactLocator maps (build, path) to the artifact's download URL.
type ArtifactLocator struct {
	lister  ArtifactLister
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewArtifactLocator creates an ArtifactLocator. m may be nil.
func NewArtifactLocator(lister ArtifactLister, logger *slog.Logger, m *metrics.Metrics) *ArtifactLocator {
	return &ArtifactLocator{
		lister:  lister,
		logger:  logger.With("component", "artifact_locator"),
		metrics: m,
	}
}

// Resolve queries the provider once and returns the URL of the first artifact
// whose path equals q.Path. Failures are always *LookupError.
func (l *ArtifactLocator) Resolve(ctx context.Context, q model.ArtifactQuery) (*url.URL, error) {
	u, err := l.resolve(ctx, q)
	if l.metrics != nil {
		outcome := "found"
		var lerr *LookupError
		if errors.As(err, &lerr) {
			outcome = lerr.Kind.String()
		}
		l.metrics.ArtifactLookups.WithLabelValues(outcome).Inc()
	}
	return u, err
}

func (l *ArtifactLocator) resolve(ctx context.Context, q model.ArtifactQuery) (*url.URL, error) {
	listing, err := l.lister.FetchArtifacts(ctx, q.BuildNumber)
	if err != nil {
		return nil, &LookupError{Kind: KindResolution, Query: q, Err: err}
	}

	if listing.StatusCode == http.StatusNotFound {
		return nil, &LookupError{Kind: KindBuildNotFound, Query: q, Status: listing.StatusCode}
	}
	if listing.StatusCode != http.StatusOK {
		return nil, &LookupError{
			Kind:   KindUpstream,
			Query:  q,
			Status: listing.StatusCode,
			Body:   string(listing.Body),
		}
	}

	var artifacts []model.Artifact
	if err := json.Unmarshal(listing.Body, &artifacts); err != nil {
		return nil, &LookupError{
			Kind:   KindResolution,
			Query:  q,
			Status: listing.StatusCode,
			Body:   string(listing.Body),
			Err:    fmt.Errorf("decode artifact list: %w", err),
		}
	}

	for _, a := range artifacts {
		if a.Path != q.Path {
			continue
		}
		u, err := location.Parse(a.URL)
		if err != nil {
			return nil, &LookupError{
				Kind:   KindResolution,
				Query:  q,
				Status: listing.StatusCode,
				Body:   string(listing.Body),
				Err:    fmt.Errorf("artifact url: %w", err),
			}
		}
		l.logger.Debug("artifact resolved",
			"build", q.BuildNumber,
			"path", q.Path,
			"url", u.String(),
		)
		return u, nil
	}

	return nil, &LookupError{Kind: KindArtifactNotFound, Query: q, Status: listing.StatusCode}
}

package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"artifact-cors-proxy/internal/config"
	"artifact-cors-proxy/internal/model"
)

const userAgent = "artifact-cors-proxy/1.0"

// ProviderClient fetches artifact lists from the CI provider.
type ProviderClient struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewProviderClient creates a ProviderClient for cfg.Provider.
func NewProviderClient(cfg *config.Config, logger *slog.Logger) *ProviderClient {
	return &ProviderClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		},
		baseURL:      strings.TrimRight(cfg.Provider.BaseURL, "/"),
		token:        cfg.Provider.Token,
		maxBodyBytes: cfg.Provider.MaxBodyBytes,
		logger:       logger.With("component", "provider_client"),
	}
}

// ArtifactsURL returns the artifact-list endpoint for a build.
func (c *ProviderClient) ArtifactsURL(build uint64) string {
	return c.baseURL + "/" + strconv.FormatUint(build, 10) + "/artifacts"
}

// FetchArtifacts performs the artifact-list GET and returns the raw status and
// body. Any status is returned without error; only transport failures fail.
func (c *ProviderClient) FetchArtifacts(ctx context.Context, build uint64) (*model.ArtifactListing, error) {
	endpoint := c.ArtifactsURL(build)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build artifacts request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Circle-Token", c.token)
	}

	c.logger.Debug("fetching artifact list", "build", build)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifacts for build %d: %w", build, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body io.Reader = resp.Body
	if c.maxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBodyBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read artifacts for build %d: %w", build, err)
	}

	return &model.ArtifactListing{
		StatusCode: resp.StatusCode,
		Body:       data,
	}, nil
}

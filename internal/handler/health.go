package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"artifact-cors-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusResponse is the body of /proxy/status.
type StatusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ProviderURL  string `json:"provider_url"`
	MaxRedirects int    `json:"max_redirects"`
	RateLimited  bool   `json:"rate_limited"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. The provider token is never exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Version:      string(h.version),
		ProviderURL:  h.cfg.Provider.BaseURL,
		MaxRedirects: h.cfg.CORS.RedirectLimit(),
		RateLimited:  h.cfg.CORS.RateLimit.Enabled,
	})
}

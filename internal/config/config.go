// Package config handles TOML configuration loading and validation.
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// DefaultMaxRedirects is used when cors.max_redirects is not set.
const DefaultMaxRedirects = 5

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/artifact-cors-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the proxy itself and cannot host metrics.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	ProviderToken string `kong:"help='CI provider API token (overrides config).',env='PROVIDER_TOKEN'"`
	MaxRedirects  *int   `kong:"help='Maximum redirects followed per request (overrides config).',env='MAX_REDIRECTS'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	CORS     CORSConfig     `toml:"cors"`
	Provider ProviderConfig `toml:"provider"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	// TLSCertFile and TLSKeyFile enable HTTPS on the listener. Both or neither.
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
}

// CORSConfig controls access to the proxied path and the redirect chase.
type CORSConfig struct {
	// MaxRedirects is a pointer so that an explicit 0 disables redirect chasing.
	MaxRedirects    *int              `toml:"max_redirects"`
	OriginBlacklist []string          `toml:"origin_blacklist"`
	OriginWhitelist []string          `toml:"origin_whitelist"`
	OriginListsFile string            `toml:"origin_lists_file"`
	RemoveHeaders   []string          `toml:"remove_headers"`
	SetHeaders      map[string]string `toml:"set_headers"`
	MaxAge          int               `toml:"max_age"`
	RateLimit       RateLimitConfig   `toml:"rate_limit"`
}

// RateLimitConfig controls per-origin request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// ProviderConfig describes the CI provider's artifact-list API.
type ProviderConfig struct {
	// BaseURL is the project endpoint; "/<build>/artifacts" is appended.
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxBodyBytes   int64  `toml:"max_body_bytes"`
}

// UpstreamConfig holds settings for connections to artifact hosts.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
	// XForwarded toggles X-Forwarded-* request headers; nil means enabled.
	XForwarded *bool `toml:"xfwd"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/artifact-cors-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	if cfg.CORS.OriginListsFile != "" {
		lists, err := loadOriginLists(cfg.CORS.OriginListsFile)
		if err != nil {
			return nil, fmt.Errorf("config: origin lists: %w", err)
		}
		cfg.CORS.OriginBlacklist = append(cfg.CORS.OriginBlacklist, lists.Blacklist...)
		cfg.CORS.OriginWhitelist = append(cfg.CORS.OriginWhitelist, lists.Whitelist...)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.ProviderToken != "" {
		c.Provider.Token = cli.ProviderToken
	}
	if cli.MaxRedirects != nil {
		n := *cli.MaxRedirects
		c.CORS.MaxRedirects = &n
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Provider.Token == "YOUR_TOKEN_HERE" {
		return fmt.Errorf("provider.token contains placeholder value; set a real token or leave it empty for public projects")
	}

	// Provider URL: required and must be HTTPS.
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	u, err := url.Parse(c.Provider.BaseURL)
	if err != nil {
		return fmt.Errorf("provider.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("provider.base_url must use HTTPS; got %q", c.Provider.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.CORS.MaxRedirects != nil && *c.CORS.MaxRedirects < 0 {
		return fmt.Errorf("cors.max_redirects must be non-negative; got %d", *c.CORS.MaxRedirects)
	}
	if c.CORS.MaxAge < 0 {
		return fmt.Errorf("cors.max_age must be non-negative; got %d", c.CORS.MaxAge)
	}
	if c.CORS.RateLimit.Enabled && c.CORS.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("cors.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.CORS.RateLimit.RequestsPerSecond)
	}
	if c.CORS.RateLimit.Burst < 0 {
		return fmt.Errorf("cors.rate_limit.burst must be non-negative; got %d", c.CORS.RateLimit.Burst)
	}
	for name := range c.CORS.SetHeaders {
		if strings.EqualFold(name, "Host") {
			return fmt.Errorf("cors.set_headers cannot override Host")
		}
	}
	if c.Provider.TimeoutSeconds < 0 {
		return fmt.Errorf("provider.timeout_seconds must be non-negative; got %d", c.Provider.TimeoutSeconds)
	}
	if c.Provider.MaxBodyBytes < 0 {
		return fmt.Errorf("provider.max_body_bytes must be non-negative; got %d", c.Provider.MaxBodyBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		// A leading numeric segment would shadow artifact requests.
		if len(p) > 1 && p[1] >= '0' && p[1] <= '9' {
			return fmt.Errorf("metrics.path %q conflicts with artifact route /{build}/", p)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8080).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.CORS.MaxRedirects == nil {
		n := DefaultMaxRedirects
		c.CORS.MaxRedirects = &n
	}
	if c.CORS.RateLimit.Enabled && c.CORS.RateLimit.Burst == 0 {
		c.CORS.RateLimit.Burst = max(1, int(c.CORS.RateLimit.RequestsPerSecond))
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 30
	}
	if c.Provider.MaxBodyBytes == 0 {
		c.Provider.MaxBodyBytes = 5 * 1024 * 1024 // 5 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSConfig loads the configured key pair. It returns nil, nil when TLS is
// not configured.
func (c *ServerConfig) TLSConfig() (*tls.Config, error) {
	if c.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// RedirectLimit returns the configured redirect ceiling.
func (c *CORSConfig) RedirectLimit() int {
	if c.MaxRedirects == nil {
		return DefaultMaxRedirects
	}
	return *c.MaxRedirects
}

// CanonicalRemoveHeaders returns RemoveHeaders in canonical MIME form.
func (c *CORSConfig) CanonicalRemoveHeaders() []string {
	out := make([]string, 0, len(c.RemoveHeaders))
	for _, h := range c.RemoveHeaders {
		out = append(out, http.CanonicalHeaderKey(strings.TrimSpace(h)))
	}
	return out
}

// ForwardedHeaders reports whether X-Forwarded-* headers are added upstream.
func (c *UpstreamConfig) ForwardedHeaders() bool {
	return c.XForwarded == nil || *c.XForwarded
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

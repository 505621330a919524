package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// HTTPTransportConfig holds the configuration settings for the upstream HTTP transport.
//
// Fields:
// - IdleConnTimeout: The maximum amount of time an idle (keep-alive) connection will remain idle before closing.
// - MaxIdleConns: The maximum number of idle (keep-alive) connections across all hosts.
// - MaxIdleConnsPerHost: The maximum number of idle (keep-alive) connections to keep per-host.
// - MaxConnsPerHost: The maximum number of connections per host.
// - TLSHandshakeTimeout: The maximum amount of time allowed for the TLS handshake.
// - ResponseHeaderTimeout: The maximum amount of time to wait for a server's response headers after fully writing the request.
// - ExpectContinueTimeout: The maximum amount of time to wait for a server's first response headers after fully writing the request headers if the request has an "Expect: 100-continue" header.
// - ForceHTTP2: Whether to force HTTP/2 connections.
// - DialTimeout: The maximum amount of time to wait for a dial to complete.
// - KeepAlive: The interval between keep-alive probes for an active network connection.
type HTTPTransportConfig struct {
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout"`
	ForceHTTP2            bool          `yaml:"force_http2"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive"`
}

// TransportConfig wraps HTTP transport configuration
type TransportConfig struct {
	HTTP HTTPTransportConfig `yaml:"http"`
}

// MetricsConfig holds the configuration for the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables the metrics endpoint.
	Path    string `yaml:"path"`    // Path the metrics endpoint will respond to.
}

// ResponseLimits holds configuration for response body size limits.
type ResponseLimits struct {
	MaxResponseBodySize int64 `yaml:"max_response_body_size"` // Largest body that is buffered for transformation.
	MaxRequestBodySize  int   `yaml:"max_request_body_size"`  // Largest POST body captured for form decoding.
}

// Logging holds the configuration for logging.
type Logging struct {
	Enabled bool   `yaml:"enabled"` // Enables/disables logging.
	Verbose bool   `yaml:"verbose"` // Enables/disables verbose logging.
	Level   string `yaml:"level"`   // Log level (e.g., debug, info, warn, error).
}

// DomainConfig holds the public domains the proxy is reachable under.
type DomainConfig struct {
	API    string `yaml:"api"`    // Domain the client uses as its API domain.
	Assets string `yaml:"assets"` // Domain (optionally with a path) serving media and CDN content.
}

// UpstreamConfig describes the fixed pair of upstream hosts.
type UpstreamConfig struct {
	Scheme             string            `yaml:"scheme"`               // http or https.
	API                string            `yaml:"api"`                  // Primary upstream host.
	Web                string            `yaml:"web"`                  // Secondary upstream host, also used as the path marker.
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"` // Skip upstream certificate verification.
	ExcludedHeaders    []string          `yaml:"excluded_headers"`     // Request headers never forwarded upstream.
	AdditionalHeaders  map[string]string `yaml:"additional_headers"`   // Request headers added to every upstream call.
}

// RedisConfig holds the connection settings for the Redis user store.
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      string `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StorageConfig selects the durable backing of the seen users set.
type StorageConfig struct {
	Driver  string      `yaml:"driver"`  // none, file, sqlite or redis.
	Path    string      `yaml:"path"`    // File path for the file and sqlite drivers.
	Preload bool        `yaml:"preload"` // Hydrate the in-memory set at startup.
	Redis   RedisConfig `yaml:"redis"`   // Redis settings for the redis driver.
}

// Storage drivers.
const (
	StorageNone   = "none"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// ProxyConfig holds the configuration for the proxy server.
type ProxyConfig struct {
	Host              string          `yaml:"host"`                 // Address the proxy binds to.
	Port              string          `yaml:"port"`                 // Port the proxy will listen on.
	Domain            DomainConfig    `yaml:"domain"`               // Public domains used in rewritten content.
	Upstream          UpstreamConfig  `yaml:"upstream"`             // Upstream hosts.
	Analytics         bool            `yaml:"analytics"`            // Enables the analytics handler and request counters.
	AnalyticsWindow   time.Duration   `yaml:"analytics_window"`     // Interval between analytics summaries.
	LogRequests       bool            `yaml:"log_requests"`         // Logs every proxied request.
	RemoveAdsFromFeed *bool           `yaml:"remove_ads_from_feed"` // Enables the ads filter (default true).
	EnableWebsocket   bool            `yaml:"enable_websocket"`     // Passes websocket upgrades through to the upstream.
	Logging           Logging         `yaml:"logging"`              // Logging configuration.
	Metrics           MetricsConfig   `yaml:"metrics"`              // Metrics configuration.
	Transport         TransportConfig `yaml:"transport"`            // Transport configuration.
	ResponseLimits    ResponseLimits  `yaml:"response_limits"`      // Body size limits.
	RequestTimeout    time.Duration   `yaml:"request_timeout"`      // Upper bound of one upstream call.
	Storage           StorageConfig   `yaml:"storage"`              // Seen users storage.
}

var currentConfig atomic.Value

// LoadConfiguration loads the proxy configuration from a YAML file.
//
// Parameters:
// - file: The path to the configuration file.
//
// Returns:
// - *ProxyConfig: A pointer to the loaded ProxyConfig.
// - error: An error if the configuration could not be loaded.
func LoadConfiguration(file string) (*ProxyConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseConfiguration(data)
}

// ParseConfiguration decodes and validates a YAML document.
func ParseConfiguration(data []byte) (*ProxyConfig, error) {
	var config ProxyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	if err := validateAndSetDefaults(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// validateAndSetDefaults validates the configuration and sets default values where needed.
//
// Parameters:
// - config: The configuration to validate
//
// Returns:
// - error: Any validation error
func validateAndSetDefaults(config *ProxyConfig) error {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.Port == "" {
		config.Port = "8881"
	}

	if config.Domain.API == "" {
		return fmt.Errorf("domain.api is required")
	}
	if config.Domain.Assets == "" {
		return fmt.Errorf("domain.assets is required")
	}
	config.Domain.API = strings.TrimSuffix(config.Domain.API, "/")
	config.Domain.Assets = strings.TrimSuffix(config.Domain.Assets, "/")

	if config.Upstream.Scheme == "" {
		config.Upstream.Scheme = "https"
	}
	if config.Upstream.Scheme != "http" && config.Upstream.Scheme != "https" {
		return fmt.Errorf("upstream.scheme must be http or https, got %q", config.Upstream.Scheme)
	}
	if config.Upstream.API == "" {
		config.Upstream.API = "api.vk.com"
	}
	if config.Upstream.Web == "" {
		config.Upstream.Web = "vk.com"
	}

	if config.AnalyticsWindow == 0 {
		config.AnalyticsWindow = 60 * time.Second
	}
	if config.AnalyticsWindow < 0 {
		return fmt.Errorf("analytics_window cannot be negative")
	}

	if config.RemoveAdsFromFeed == nil {
		enabled := true
		config.RemoveAdsFromFeed = &enabled
	}

	// 100MB default
	if config.ResponseLimits.MaxResponseBodySize == 0 {
		config.ResponseLimits.MaxResponseBodySize = 100 * 1024 * 1024
	}
	if config.ResponseLimits.MaxResponseBodySize < 0 {
		return fmt.Errorf("max_response_body_size cannot be negative")
	}
	if config.ResponseLimits.MaxRequestBodySize == 0 {
		config.ResponseLimits.MaxRequestBodySize = 1024 * 1024
	}
	if config.ResponseLimits.MaxRequestBodySize < 0 {
		return fmt.Errorf("max_request_body_size cannot be negative")
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 60 * time.Second
	}

	if config.Metrics.Enabled && config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	switch config.Storage.Driver {
	case "":
		config.Storage.Driver = StorageNone
	case StorageNone, StorageRedis:
	case StorageFile:
		if config.Storage.Path == "" {
			config.Storage.Path = "users.json"
		}
	case StorageSQLite:
		if config.Storage.Path == "" {
			config.Storage.Path = "database.db"
		}
	default:
		return fmt.Errorf("unknown storage driver %q", config.Storage.Driver)
	}
	if config.Storage.Driver == StorageRedis {
		if config.Storage.Redis.Host == "" {
			config.Storage.Redis.Host = "localhost"
		}
		if config.Storage.Redis.Port == "" {
			config.Storage.Redis.Port = "6379"
		}
		if config.Storage.Redis.KeyPrefix == "" {
			config.Storage.Redis.KeyPrefix = "vkproxy:"
		}
	}

	if config.Transport.HTTP.IdleConnTimeout < 0 ||
		config.Transport.HTTP.TLSHandshakeTimeout < 0 ||
		config.Transport.HTTP.ResponseHeaderTimeout < 0 ||
		config.Transport.HTTP.ExpectContinueTimeout < 0 ||
		config.Transport.HTTP.DialTimeout < 0 ||
		config.Transport.HTTP.KeepAlive < 0 {
		return fmt.Errorf("transport timeouts must be non-negative")
	}

	return nil
}

// Address returns the host:port pair the server listens on.
func (c *ProxyConfig) Address() string {
	return c.Host + ":" + c.Port
}

// AdsFilterEnabled reports whether the ads filter is registered.
func (c *ProxyConfig) AdsFilterEnabled() bool {
	return c.RemoveAdsFromFeed == nil || *c.RemoveAdsFromFeed
}

// UpdateConfig stores a new configuration as the current one.
//
// Parameters:
// - newConfig: A pointer to the new ProxyConfig.
func UpdateConfig(newConfig *ProxyConfig) {
	currentConfig.Store(newConfig)
	if !newConfig.Logging.Enabled {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(os.Stdout)
	}
}

// GetCurrentProxyConfig returns the current proxy configuration.
//
// Returns:
// - *ProxyConfig: A pointer to the current ProxyConfig.
func GetCurrentProxyConfig() *ProxyConfig {
	config := currentConfig.Load()
	if config == nil {
		return nil
	}
	return config.(*ProxyConfig)
}

// LoadAndSetConfig loads the configuration from a file and sets it as the current configuration.
//
// Parameters:
// - configFile: The path to the configuration file.
func LoadAndSetConfig(configFile string) {
	config, err := LoadConfiguration(configFile)
	if err != nil {
		log.Fatal(err)
	}
	UpdateConfig(config)
}

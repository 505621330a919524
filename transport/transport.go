package transport

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"vkproxy/config"
)

const (
	XForwardedProto = "X-Forwarded-Proto"
	XForwardedHost  = "X-Forwarded-Host"
	AcceptEncoding  = "Accept-Encoding"
)

// Caronte is the upstream RoundTripper. It rewrites request headers for the upstream and
// forces an uncompressed response so bodies can be transformed as text.
type Caronte struct {
	RT       http.RoundTripper      // The underlying RoundTripper to execute requests.
	Upstream *config.UpstreamConfig // Headers to drop and add on every upstream call.
}

// RoundTrip executes a single HTTP transaction after manipulating the request headers.
//
// Parameters:
// - req: The outbound request prepared by the reverse proxy.
//
// Returns:
// - *http.Response: The upstream response.
// - error: An error if the upstream could not be reached.
func (t *Caronte) RoundTrip(req *http.Request) (*http.Response, error) {
	t.AddHeaders(req)

	rt := t.RT
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

// AddHeaders manipulates the request headers according to the upstream configuration.
//
// Parameters:
// - req: The HTTP request whose headers will be manipulated.
func (t *Caronte) AddHeaders(req *http.Request) {
	// a compressed body cannot be rewritten
	req.Header.Del(AcceptEncoding)

	if t.Upstream == nil {
		return
	}

	for _, header := range t.Upstream.ExcludedHeaders {
		req.Header.Del(header)
	}
	for header, value := range t.Upstream.AdditionalHeaders {
		req.Header.Set(header, value)
	}
	if hostHeader, ok := t.Upstream.AdditionalHeaders["Host"]; ok {
		req.Host = hostHeader
	}

	if !contains(t.Upstream.ExcludedHeaders, XForwardedProto) && req.Header.Get(XForwardedProto) == "" {
		req.Header.Set(XForwardedProto, req.URL.Scheme)
	}
	if !contains(t.Upstream.ExcludedHeaders, XForwardedHost) && req.Header.Get(XForwardedHost) == "" {
		req.Header.Set(XForwardedHost, req.Host)
	}
}

// NewHTTPTransport builds the shared upstream transport. Zero values in cfg fall back to
// the defaults below. Transparent decompression is disabled; bodies that still arrive
// compressed are decoded by the proxy.
//
// Parameters:
// - cfg: Connection pool and timeout settings.
// - insecureSkipVerify: Skip verification of the upstream certificate.
//
// Returns:
// - *http.Transport: The configured transport.
func NewHTTPTransport(cfg config.HTTPTransportConfig, insecureSkipVerify bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   orDefault(cfg.DialTimeout, 30*time.Second),
		KeepAlive: orDefault(cfg.KeepAlive, 30*time.Second),
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 100
	}
	maxIdlePerHost := cfg.MaxIdleConnsPerHost
	if maxIdlePerHost == 0 {
		maxIdlePerHost = 32
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       orDefault(cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   orDefault(cfg.TLSHandshakeTimeout, 10*time.Second),
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: orDefault(cfg.ExpectContinueTimeout, time.Second),
		DisableCompression:    true,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecureSkipVerify},
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// contains checks if a header is in the list of excluded headers.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if http.CanonicalHeaderKey(s) == http.CanonicalHeaderKey(item) {
			return true
		}
	}
	return false
}

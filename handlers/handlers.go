package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"vkproxy/app"
	"vkproxy/metrics"
	cmid "vkproxy/middlewares"
	"vkproxy/pipeline"
	"vkproxy/route"
	"vkproxy/transport"
	"vkproxy/websocket"
	"vkproxy/writer"
)

// UpstreamFailure is a failed or timed out upstream call.
type UpstreamFailure struct {
	Host string
	Path string
	Err  error
}

func (e *UpstreamFailure) Error() string {
	return fmt.Sprintf("upstream %s%s: %v", e.Host, e.Path, e.Err)
}

func (e *UpstreamFailure) Unwrap() error { return e.Err }

// DynamicProxyHandler serves the metrics endpoint, link redirects and websocket upgrades,
// and proxies everything else to the upstream chosen by the resolver.
//
// Parameters:
// - a: The application instance.
// - w: The HTTP response writer.
// - r: The HTTP request.
func DynamicProxyHandler(a *app.App, w http.ResponseWriter, r *http.Request) {
	if a.Config.Metrics.Enabled && isMetricsEndpoint(r.URL.Path, a.Config.Metrics.Path) {
		a.Logger.Debug("Handling metrics endpoint")
		metrics.ExposeMetricsHandler().ServeHTTP(w, r)
		return
	}

	if isAwayEndpoint(r.URL.Path) {
		ServeAway(w, r)
		return
	}

	target := a.Resolver.Resolve(r.URL.Path)

	if a.Config.EnableWebsocket && websocket.IsWebSocketRequest(r) {
		a.Logger.Debug("Upgrading to WebSocket", "host", target.Host, "path", target.Path)
		websocket.HandleWebSocketProxy(w, r, websocket.TargetURL(a.Config.Upstream.Scheme, target, r.URL.RawQuery), a.Logger)
		return
	}

	ServeProxy(a, target, w, r)
}

// ServeAway answers the external link endpoint with a permanent redirect to its "to"
// argument.
func ServeAway(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if to == "" {
		http.Error(w, "Bad Request: 'to' argument is not set", http.StatusBadRequest)
		return
	}
	// clients escape the argument twice
	to, err := url.QueryUnescape(to)
	if err != nil {
		http.Error(w, "Bad Request: could not unescape url", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, to, http.StatusMovedPermanently)
}

// ServeProxy forwards r to target and runs the response through the handler chain.
//
// Parameters:
// - a: The application instance.
// - target: The resolved upstream host and path.
// - w: The HTTP response writer.
// - r: The HTTP request.
func ServeProxy(a *app.App, target route.Target, w http.ResponseWriter, r *http.Request) {
	rc := pipeline.NewRequestContext(r, target)

	if r.Method == http.MethodPost && r.Body != nil && r.Body != http.NoBody {
		if err := captureForm(a, rc, r); err != nil {
			a.Logger.Error("Failed to read request body", "path", r.URL.Path, "error", err)
			cmid.WriteError(w)
			return
		}
	}
	// hook failures are logged by the chain
	_ = a.Chain.OnRequest(rc)

	ctx, cancel := context.WithTimeout(r.Context(), a.Config.RequestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	inboundHost := r.Host
	inboundProto := "http"
	if r.TLS != nil {
		inboundProto = "https"
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = a.Config.Upstream.Scheme
			req.URL.Host = target.Host
			req.URL.Path = target.Path
			req.URL.RawPath = ""
			req.Host = target.Host

			if req.Header.Get(transport.XForwardedHost) == "" {
				req.Header.Set(transport.XForwardedHost, inboundHost)
			}
			if req.Header.Get(transport.XForwardedProto) == "" {
				req.Header.Set(transport.XForwardedProto, inboundProto)
			}
		},
		Transport: a.Transport,
		ModifyResponse: func(resp *http.Response) error {
			return transformResponse(a, rc, resp)
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				a.Logger.Debug("Client went away", "path", r.URL.Path)
				return
			}
			failure := &UpstreamFailure{Host: target.Host, Path: target.Path, Err: err}
			a.Logger.Error("Error proxying request", "error", failure)
			if a.Config.Metrics.Enabled {
				metrics.RecordUpstreamFailure(target.Host)
			}
			cmid.WriteError(w)
		},
	}
	proxy.ServeHTTP(w, r)
}

// captureForm reads up to the configured limit of a POST body into rc and decodes it as a
// form. The upstream still receives the complete body.
func captureForm(a *app.App, rc *pipeline.RequestContext, r *http.Request) error {
	buf := writer.NewLimitedBuffer(a.Config.ResponseLimits.MaxRequestBodySize)
	if _, err := buf.ReadFrom(r.Body); err != nil && !errors.Is(err, writer.ErrBufferFull) {
		return err
	}
	r.Body = readCloser{Reader: buf.Replay(r.Body), Closer: r.Body}

	if buf.IsOverflow() || !isForm(r.Header.Get("Content-Type")) {
		return nil
	}
	rc.Body = buf.Bytes()
	if err := rc.DecodeForm(); err != nil {
		a.Logger.Debug("Undecodable form body", "path", r.URL.Path, "error", err)
	}
	return nil
}

func isForm(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/x-www-form-urlencoded"
}

// transformResponse buffers a textual upstream body, runs the chain over it and replaces
// the body with the result. Other bodies are relayed as they are; the chain still sees an
// empty view so request accounting happens for every response.
func transformResponse(a *app.App, rc *pipeline.RequestContext, resp *http.Response) error {
	resp.Header.Del("Set-Cookie")

	limit := a.Config.ResponseLimits.MaxResponseBodySize
	if !hasBody(resp) || !isTextual(resp.Header.Get("Content-Type")) || resp.ContentLength > limit {
		passThrough(a, rc, resp)
		return nil
	}

	body, ok, err := bufferBody(resp, limit)
	if err != nil {
		return err
	}
	if !ok {
		passThrough(a, rc, resp)
		return nil
	}

	rc.ResponseSize = int64(len(body))
	v := pipeline.NewView(body)
	// handler failures are isolated and logged by the chain
	_ = a.Chain.Transform(v, rc)

	out, err := v.Raw()
	if err != nil {
		a.Logger.Warn("Falling back to the upstream body", "path", rc.Path, "error", err)
		out = body
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Header.Del("Transfer-Encoding")
	return nil
}

func passThrough(a *app.App, rc *pipeline.RequestContext, resp *http.Response) {
	if resp.ContentLength > 0 {
		rc.ResponseSize = resp.ContentLength
	}
	_ = a.Chain.Transform(pipeline.NewView(nil), rc)
}

// bufferBody reads the whole body, decoding gzip when the upstream compressed it anyway.
// ok is false, and resp.Body is left replayable, when the body exceeds limit or uses an
// encoding that cannot be decoded.
func bufferBody(resp *http.Response, limit int64) (body []byte, ok bool, err error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(raw)) > limit {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), Closer: resp.Body}
		return nil, false, nil
	}
	resp.Body.Close()
	restore := func() {
		resp.Body = io.NopCloser(bytes.NewReader(raw))
	}

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		return raw, true, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			restore()
			return nil, false, nil
		}
		decoded, err := io.ReadAll(io.LimitReader(zr, limit+1))
		if err != nil || int64(len(decoded)) > limit {
			restore()
			return nil, false, nil
		}
		resp.Header.Del("Content-Encoding")
		return decoded, true, nil
	default:
		restore()
		return nil, false, nil
	}
}

func hasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

// isTextual reports whether a body of contentType can be rewritten as text.
func isTextual(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json",
		"application/javascript",
		"application/x-javascript",
		"application/x-mpegurl",
		"application/vnd.apple.mpegurl",
		"application/xml":
		return true
	}
	return strings.HasSuffix(mt, "+json")
}

type readCloser struct {
	io.Reader
	io.Closer
}

// isMetricsEndpoint checks if the request path matches the configured metrics path.
func isMetricsEndpoint(requestPath string, metricsPath string) bool {
	return requestPath == metricsPath
}

func isAwayEndpoint(path string) bool {
	return path == "/away" || path == "/away.php"
}

// Handler returns the full HTTP handler: panic recovery, request logging and metrics around
// DynamicProxyHandler.
func Handler(a *app.App) http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		DynamicProxyHandler(a, w, r)
	})
	h = cmid.LoggingMiddleware(h, a)
	return cmid.RecoverMiddleware(h, loggerOrDefault(a.Logger))
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

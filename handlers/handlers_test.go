package handlers_test

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vkproxy/app"
	"vkproxy/config"
	"vkproxy/handlers"
	"vkproxy/metrics"
	"vkproxy/middlewares"
)

// seenRequest is what the fake upstream observed.
type seenRequest struct {
	Method         string
	Path           string
	Query          string
	Body           string
	AcceptEncoding string
	ForwardedHost  string
}

type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	seen []seenRequest
}

func newUpstream(t *testing.T, h http.HandlerFunc) *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.seen = append(u.seen, seenRequest{
			Method:         r.Method,
			Path:           r.URL.Path,
			Query:          r.URL.RawQuery,
			Body:           string(body),
			AcceptEncoding: r.Header.Get("Accept-Encoding"),
			ForwardedHost:  r.Header.Get("X-Forwarded-Host"),
		})
		u.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) host() string {
	return strings.TrimPrefix(u.URL, "http://")
}

func (u *upstream) requests() []seenRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]seenRequest(nil), u.seen...)
}

// setupApp builds an app proxying both upstream hosts to host.
func setupApp(t *testing.T, host string, extra string) *app.App {
	t.Helper()
	cfg, err := config.ParseConfiguration([]byte(fmt.Sprintf(`
domain:
  api: proxy.example.com
  assets: proxy.example.com/_
analytics: true
upstream:
  scheme: http
  api: %s
  web: %s
%s`, host, host, extra)))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return app.NewApp(cfg, logger, nil)
}

func serve(a *app.App, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handlers.DynamicProxyHandler(a, rr, req)
	return rr
}

func newsfeed() string {
	var items []string
	for i := 0; i < 10; i++ {
		switch i {
		case 2, 5:
			items = append(items, fmt.Sprintf(`{"type":"ads","id":%d}`, i))
		case 8:
			items = append(items, fmt.Sprintf(`{"type":"post","id":%d,"marked_as_ads":1}`, i))
		default:
			items = append(items, fmt.Sprintf(`{"type":"post","id":%d,"photo":"https:\/\/sun%d.userapi.com\/p.jpg"}`, i, i))
		}
	}
	return `{"response":{"items":[` + strings.Join(items, ",") + `]}}`
}

func TestDynamicProxyHandlerFeed(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Set-Cookie", "remixlang=0; path=/")
		_, _ = io.WriteString(w, newsfeed())
	})
	a := setupApp(t, up.host(), "")

	form := url.Values{"access_token": {"tok"}, "v": {"5.131"}}.Encode()
	req := httptest.NewRequest(http.MethodPost, "/method/execute.getNewsfeedSmart", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Host = "proxy.example.com"

	rr := serve(a, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Values("Set-Cookie"))
	assert.Equal(t, fmt.Sprint(rr.Body.Len()), rr.Header().Get("Content-Length"))

	var body struct {
		Response struct {
			Items []map[string]any `json:"items"`
		} `json:"response"`
	}
	require.NoError(t, jsoniter.Unmarshal(rr.Body.Bytes(), &body))
	items := body.Response.Items
	require.Len(t, items, 7)
	assert.EqualValues(t, 0, items[0]["id"])
	assert.EqualValues(t, 9, items[6]["id"])
	assert.Equal(t, "https://proxy.example.com/_/sun0.userapi.com/p.jpg", items[0]["photo"])

	seen := up.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "/method/execute.getNewsfeedSmart", seen[0].Path)
	assert.Equal(t, form, seen[0].Body)
	assert.Empty(t, seen[0].AcceptEncoding)
	assert.Equal(t, "proxy.example.com", seen[0].ForwardedHost)

	snap := a.Tracker.SnapshotAndReset()
	assert.EqualValues(t, 1, snap.Requests)
	assert.Equal(t, 1, snap.Online)
}

func TestDynamicProxyHandlerLargeFormIsForwardedWhole(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":1}`)
	})
	a := setupApp(t, up.host(), "response_limits:\n  max_request_body_size: 16\n")

	form := "access_token=tok&message=" + strings.Repeat("x", 100)
	req := httptest.NewRequest(http.MethodPost, "/method/messages.send", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rr := serve(a, req)
	require.Equal(t, http.StatusOK, rr.Code)

	seen := up.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, form, seen[0].Body)

	// the token was beyond the captured head
	snap := a.Tracker.SnapshotAndReset()
	assert.EqualValues(t, 1, snap.Requests)
	assert.Equal(t, 0, snap.Online)
}

func TestDynamicProxyHandlerGzipUpstream(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = io.WriteString(zw, `{"response":{"photo":"https:\/\/sun9.userapi.com\/a.jpg"}}`)
		_ = zw.Close()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	})
	a := setupApp(t, up.host(), "")

	rr := serve(a, httptest.NewRequest(http.MethodGet, "/method/photos.get", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Content-Encoding"))
	assert.Equal(t, `{"response":{"photo":"https:\/\/proxy.example.com\/_\/sun9.userapi.com\/a.jpg"}}`, rr.Body.String())
}

func TestDynamicProxyHandlerSecondaryRoute(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, "#EXTM3U\nhttps://vkvd1.vk-cdn.net/seg/1.ts\n")
	})
	a := setupApp(t, up.host(), "")

	req := httptest.NewRequest(http.MethodGet, "/"+up.host()+"/video_hls.php?id=5", nil)
	rr := serve(a, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "#EXTM3U\nhttps://proxy.example.com/_/vkvd1.vk-cdn.net/seg/1.ts\n", rr.Body.String())

	seen := up.requests()
	require.Len(t, seen, 1)
	assert.Equal(t, "/video_hls.php", seen[0].Path)
	assert.Equal(t, "id=5", seen[0].Query)
}

func TestDynamicProxyHandlerBinaryPassThrough(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xe0, 'h', 't', 't', 'p', 's'}
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	})
	a := setupApp(t, up.host(), "")

	rr := serve(a, httptest.NewRequest(http.MethodGet, "/"+up.host()+"/images/x.jpg", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, payload, rr.Body.Bytes())
	assert.EqualValues(t, 1, a.Tracker.SnapshotAndReset().Requests)
}

func TestDynamicProxyHandlerOversizedBodyPassesThrough(t *testing.T) {
	raw := `{"response":{"photo":"https:\/\/sun1.userapi.com\/a.jpg","padding":"` + strings.Repeat("x", 64) + `"}}`
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// no Content-Length, the limit is hit while reading
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, raw)
	})
	a := setupApp(t, up.host(), "response_limits:\n  max_response_body_size: 32\n")

	rr := serve(a, httptest.NewRequest(http.MethodGet, "/method/photos.get", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, raw, rr.Body.String())
}

func TestDynamicProxyHandlerUpstreamDown(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	host := up.host()
	up.Close()
	a := setupApp(t, host, "")

	rr := serve(a, httptest.NewRequest(http.MethodGet, "/method/users.get", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, middlewares.ErrorMessage, rr.Body.String())

	// no response, no analytics
	assert.EqualValues(t, 0, a.Tracker.SnapshotAndReset().Requests)
}

func TestDynamicProxyHandlerTimeout(t *testing.T) {
	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	a := setupApp(t, up.host(), "request_timeout: 50ms\n")

	start := time.Now()
	rr := serve(a, httptest.NewRequest(http.MethodGet, "/method/users.get", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDynamicProxyHandlerAway(t *testing.T) {
	a := setupApp(t, "127.0.0.1:1", "")

	target := url.QueryEscape("https://example.com/a?b=c")
	rr := serve(a, httptest.NewRequest(http.MethodGet, "/away.php?to="+url.QueryEscape(target), nil))
	assert.Equal(t, http.StatusMovedPermanently, rr.Code)
	assert.Equal(t, "https://example.com/a?b=c", rr.Header().Get("Location"))

	rr = serve(a, httptest.NewRequest(http.MethodGet, "/away", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "'to' argument is not set")

	rr = serve(a, httptest.NewRequest(http.MethodGet, "/away?to=%25zz", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDynamicProxyHandlerMetricsEndpoint(t *testing.T) {
	metrics.InitMetrics()
	a := setupApp(t, "127.0.0.1:1", "metrics:\n  enabled: true\n")

	rr := serve(a, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "active_connections")
}

func TestHandlerWithMiddlewares(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"response":[]}`)
	})
	a := setupApp(t, up.host(), "log_requests: true\nlogging:\n  enabled: true\n")

	rr := httptest.NewRecorder()
	handlers.Handler(a).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/method/users.get", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"response":[]}`, rr.Body.String())
}

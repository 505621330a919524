package middlewares

import (
	"net/http"
	"time"

	"vkproxy/app"
	"vkproxy/logging"
	"vkproxy/metrics"
	"vkproxy/writer"
)

// LoggingMiddleware is an HTTP middleware that logs proxied requests and records request
// metrics. Verbose logging also captures the head of every response body.
//
// Parameters:
// - next: The next http.Handler to be called.
// - a: The application instance containing the configuration and logger.
//
// Returns:
// - http.Handler: A handler that logs requests and records metrics based on the configuration.
func LoggingMiddleware(next http.Handler, a *app.App) http.Handler {
	cfg := a.Config
	logRequests := cfg.LogRequests && cfg.Logging.Enabled
	verbose := logRequests && cfg.Logging.Verbose

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if cfg.Metrics.Enabled {
			metrics.UpdateActiveConnections(true)
			defer metrics.UpdateActiveConnections(false)
		}

		var opts []writer.WriterOption
		if verbose {
			opts = append(opts, writer.WithCapture(writer.DefaultCaptureSize))
		}
		lrw := writer.NewResponseWriter(w, opts...)

		next.ServeHTTP(lrw, r)

		duration := time.Since(start)
		status := lrw.Status()

		if cfg.Metrics.Enabled {
			metrics.RecordRequest(r.Method, r.URL.Path, status, duration.Seconds())
			metrics.RecordDataTransferred("inbound", r.ContentLength)
			metrics.RecordDataTransferred("outbound", lrw.Written())
		}

		if !logRequests {
			return
		}
		target := a.Resolver.Resolve(r.URL.Path)
		upstream := target.Host + target.Path
		if verbose {
			logging.LogRequestVerbose(a.Logger, r, upstream, lrw.CapturedBody(), status, duration)
		} else {
			logging.LogRequestCompact(a.Logger, r, upstream, status, lrw.Written(), duration)
		}
	})
}

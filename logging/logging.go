package logging

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

var logger *slog.Logger

// Predefined styles for formatting log messages using the `color` package.
var (
	methodStyle    = color.New(color.FgHiWhite, color.BgGreen).SprintFunc()     // methodStyle formats HTTP methods.
	detailStyle    = color.New(color.FgHiWhite, color.BgRed).SprintFunc()       // detailStyle formats detailed log sections.
	boldWhiteStyle = color.New(color.FgWhite, color.Bold).SprintFunc()          // boldWhiteStyle formats text in bold white.
	urlStyle       = color.New(color.FgHiWhite, color.BgHiCyan).SprintFunc()    // urlStyle formats URLs.
	headersStyle   = color.New(color.FgHiWhite, color.BgHiMagenta).SprintFunc() // headersStyle formats HTTP headers.
	statusStyle    = color.New(color.FgHiWhite, color.BgYellow).SprintFunc()    // statusStyle formats HTTP status codes.
)

// ParseLevel maps a configuration level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitializeLogger initializes a new logger with the specified log level.
func InitializeLogger(level string) *slog.Logger {
	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(level))

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      levelVar,
		TimeFormat: "02.01.2006 15:04:05",
	})
	logger = slog.New(handler)
	return logger
}

// GetLogger returns the global logger instance.
func GetLogger() *slog.Logger {
	if logger == nil {
		logger = InitializeLogger("info")
	}
	return logger
}

// LogRequestVerbose logs the proxied request together with the upstream target and the
// transformed response body at debug level.
func LogRequestVerbose(logger *slog.Logger, req *http.Request, target string, body []byte, statusCode int, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Request Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", methodStyle("Method:"), boldWhiteStyle(req.Method)))
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", urlStyle("URL:"), boldWhiteStyle(req.URL.String())))
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", urlStyle("Upstream:"), boldWhiteStyle(target)))

	sb.WriteString(headersStyle("Request Headers:"))
	sb.WriteString("\n")
	for name, values := range req.Header {
		for _, h := range values {
			sb.WriteString(fmt.Sprintf("\t%s: %s\n", boldWhiteStyle(name), h))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Response Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %d\n\n", statusStyle("Status Code:"), statusCode))
	sb.WriteString(fmt.Sprintf("%s: %.6f seconds\n\n", boldWhiteStyle("Response Time:"), duration.Seconds()))
	if len(body) == 0 {
		sb.WriteString(fmt.Sprintf("%s: [Empty]\n", statusStyle("Body:")))
	} else {
		sb.WriteString(fmt.Sprintf("%s:\n\t%s\n", statusStyle("Body:"), string(body)))
	}
	sb.WriteString("\n")
	sb.WriteString(detailStyle("---------------------------------------"))

	logger.Debug("Verbose request details", slog.String("formatted_output", sb.String()))
}

// LogRequestCompact logs the proxied request in a compact structured line.
func LogRequestCompact(logger *slog.Logger, r *http.Request, target string, statusCode int, bytesWritten int64, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}
	logger.Info("HTTP request processed",
		slog.String("client_ip", ClientIP(r)),
		slog.String("method", r.Method),
		slog.String("url", r.URL.Path),
		slog.String("target", target),
		slog.Int("status_code", statusCode),
		slog.Int64("bytes", bytesWritten),
		slog.Float64("duration_seconds", duration.Seconds()),
	)
}

// ClientIP resolves the address of the client behind Cloudflare or nginx.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// LogWebSocketMessage logs the details of a WebSocket message using structured logging.
func LogWebSocketMessage(logger *slog.Logger, messageType int, message []byte, err error, duration time.Duration) {
	if logger == nil {
		logger = GetLogger()
	}
	attrs := []any{
		slog.String("type", getMessageTypeString(messageType)),
		slog.Float64("duration_seconds", duration.Seconds()),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Debug("WebSocket message processing error", attrs...)
		return
	}

	attrs = append(attrs, slog.Int("message_size_bytes", len(message)))
	logger.Debug("WebSocket message relayed", attrs...)
}

// Utility function to get the message type description
func getMessageTypeString(messageType int) string {
	switch messageType {
	case websocket.TextMessage:
		return "Text"
	case websocket.BinaryMessage:
		return "Binary"
	case websocket.CloseMessage:
		return "Close"
	case websocket.PingMessage:
		return "Ping"
	case websocket.PongMessage:
		return "Pong"
	default:
		return "Unknown"
	}
}

package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"vkproxy/logging"
	"vkproxy/route"
)

// forwardedHeaders are copied from the client handshake to the upstream handshake.
var forwardedHeaders = []string{"User-Agent", "Authorization", "Cookie"}

// TargetURL builds the upstream websocket URL for a resolved target.
//
// Parameters:
//   - scheme: The upstream HTTP scheme, http or https.
//   - target: The resolved upstream host and path.
//   - rawQuery: The inbound query string.
//
// Returns:
//   - string: The ws:// or wss:// URL.
func TargetURL(scheme string, target route.Target, rawQuery string) string {
	wsScheme := "wss"
	if scheme == "http" {
		wsScheme = "ws"
	}
	u := url.URL{Scheme: wsScheme, Host: target.Host, Path: target.Path, RawQuery: rawQuery}
	return u.String()
}

// HandleWebSocketProxy upgrades the client connection and relays messages in both directions
// between the client and the upstream at targetURL. Messages are relayed untouched.
//
// Parameters:
//   - w: The HTTP response writer.
//   - r: The HTTP request.
//   - targetURL: The upstream websocket URL.
//   - logger: The logger instance.
func HandleWebSocketProxy(w http.ResponseWriter, r *http.Request, targetURL string, logger *slog.Logger) {
	header := http.Header{}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}

	// dial first so a dead upstream is reported as a plain HTTP error
	serverConn, _, err := websocket.DefaultDialer.DialContext(r.Context(), targetURL, header)
	if err != nil {
		logger.Error("Failed to connect to upstream WebSocket", slog.String("target", targetURL), slog.Any("details", err))
		http.Error(w, "Unable to connect to WebSocket server", http.StatusBadGateway)
		return
	}
	defer serverConn.Close()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client
		logger.Error("Failed to upgrade to WebSocket", slog.Any("details", err))
		return
	}
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := CopyWebSocketMessages(clientConn, serverConn, logger); err != nil {
			logger.Debug("Client to upstream relay stopped", slog.Any("details", err))
		}
		serverConn.Close()
	}()

	if err := CopyWebSocketMessages(serverConn, clientConn, logger); err != nil {
		logger.Debug("Upstream to client relay stopped", slog.Any("details", err))
	}
	clientConn.Close()
	<-done
}

// CopyWebSocketMessages copies messages from src to dest until either side fails.
//
// Parameters:
//   - src: The source WebSocket connection.
//   - dest: The destination WebSocket connection.
//   - logger: The logger instance.
//
// Returns:
//   - error: The error that stopped the relay.
func CopyWebSocketMessages(src, dest *websocket.Conn, logger *slog.Logger) error {
	for {
		startTime := time.Now()
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("Unexpected WebSocket closure", slog.Any("details", err))
			}
			logging.LogWebSocketMessage(logger, messageType, message, err, time.Since(startTime))
			return err
		}
		logging.LogWebSocketMessage(logger, messageType, message, nil, time.Since(startTime))

		if err := dest.WriteMessage(messageType, message); err != nil {
			logging.LogWebSocketMessage(logger, messageType, message, err, time.Since(startTime))
			return err
		}
	}
}

// IsWebSocketRequest checks if the given HTTP request is a WebSocket upgrade request.
func IsWebSocketRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

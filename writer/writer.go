package writer

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// DefaultCaptureSize is how much of a response body is kept for verbose logging (64KB).
const DefaultCaptureSize = 64 * 1024

// ResponseWriter records the status code and the number of bytes sent to the client, and
// optionally keeps the head of the body for verbose request logging.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int            // HTTP status code, 0 until headers are written
	BodyBuffer   *LimitedBuffer // Head of the response body, nil unless capture is enabled
	BytesWritten int64          // Total body bytes written

	writeHeaderOnce sync.Once
	headerMu        sync.Mutex // Protects StatusCode
}

// WriterOption allows customization of ResponseWriter behavior
type WriterOption func(*ResponseWriter)

// WithCapture keeps up to size bytes of the body in BodyBuffer.
//
// Parameters:
// - size: Capture limit in bytes
//
// Returns:
// - WriterOption: The option function
func WithCapture(size int) WriterOption {
	return func(rw *ResponseWriter) {
		rw.BodyBuffer = NewLimitedBuffer(size)
	}
}

// NewResponseWriter wraps w.
//
// Parameters:
// - w: The underlying http.ResponseWriter
// - opts: Optional configuration options
//
// Returns:
// - *ResponseWriter: The wrapping writer
func NewResponseWriter(w http.ResponseWriter, opts ...WriterOption) *ResponseWriter {
	rw := &ResponseWriter{ResponseWriter: w}
	for _, opt := range opts {
		opt(rw)
	}
	return rw
}

// WriteHeader records the status code and forwards it once.
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.writeHeaderOnce.Do(func() {
		rw.headerMu.Lock()
		rw.StatusCode = statusCode
		rw.headerMu.Unlock()
		rw.ResponseWriter.WriteHeader(statusCode)
	})
}

// Write forwards b to the client and counts it.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	atomic.AddInt64(&rw.BytesWritten, int64(n))

	if rw.BodyBuffer != nil && !rw.BodyBuffer.IsOverflow() {
		// a full capture buffer is not an error for the client
		_, _ = rw.BodyBuffer.Write(b[:n])
	}
	return n, err
}

// HeadersWritten returns true if headers have been written.
func (rw *ResponseWriter) HeadersWritten() bool {
	rw.headerMu.Lock()
	defer rw.headerMu.Unlock()
	return rw.StatusCode != 0
}

// Status returns the recorded status, defaulting to 200 when nothing was written.
func (rw *ResponseWriter) Status() int {
	rw.headerMu.Lock()
	defer rw.headerMu.Unlock()
	if rw.StatusCode == 0 {
		return http.StatusOK
	}
	return rw.StatusCode
}

// Written returns the number of body bytes sent so far.
func (rw *ResponseWriter) Written() int64 {
	return atomic.LoadInt64(&rw.BytesWritten)
}

// CapturedBody returns the captured head of the body.
func (rw *ResponseWriter) CapturedBody() []byte {
	if rw.BodyBuffer == nil {
		return nil
	}
	return rw.BodyBuffer.Bytes()
}

// Hijack lets websocket upgrades take over the connection.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return hijacker.Hijack()
}

// Flush sends buffered data to the client.
func (rw *ResponseWriter) Flush() {
	if !rw.HeadersWritten() {
		rw.WriteHeader(http.StatusOK)
	}
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

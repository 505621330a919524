package writer

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrBufferFull is returned when attempting to write to a full buffer
var ErrBufferFull = errors.New("buffer size limit exceeded")

// LimitedBuffer is a thread-safe buffer with a size limit. It is used to capture request
// bodies for form decoding and response heads for verbose logging.
type LimitedBuffer struct {
	mu       sync.RWMutex
	buffer   bytes.Buffer
	maxSize  int
	overflow bool
	spill    []byte // Bytes read past the limit by ReadFrom
}

// NewLimitedBuffer creates a new LimitedBuffer with the specified maximum size
func NewLimitedBuffer(maxSize int) *LimitedBuffer {
	return &LimitedBuffer{maxSize: maxSize}
}

// Write writes what fits and returns ErrBufferFull if anything was cut.
func (lb *LimitedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	available := lb.maxSize - lb.buffer.Len()
	if len(p) <= available {
		return lb.buffer.Write(p)
	}

	lb.overflow = true
	if available <= 0 {
		return 0, ErrBufferFull
	}
	n, err := lb.buffer.Write(p[:available])
	if err != nil {
		return n, err
	}
	return n, ErrBufferFull
}

// ReadFrom reads r until EOF or until the buffer is full. When r holds more than fits,
// the buffer is marked as overflowed and r is left positioned after the bytes consumed;
// Replay restores the full stream.
func (lb *LimitedBuffer) ReadFrom(r io.Reader) (int64, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	available := lb.maxSize - lb.buffer.Len()
	if available < 0 {
		available = 0
	}

	n, err := lb.buffer.ReadFrom(io.LimitReader(r, int64(available)))
	if err != nil {
		return n, err
	}
	if int(n) < available {
		return n, nil
	}

	// the limit was reached; probe for more
	var probe [1]byte
	extra, perr := r.Read(probe[:])
	if extra > 0 {
		lb.overflow = true
		lb.spill = append(lb.spill, probe[:extra]...)
		return n, ErrBufferFull
	}
	if perr != nil && perr != io.EOF {
		return n, perr
	}
	return n, nil
}

// Replay returns a reader yielding the buffered bytes, any probed bytes, then rest.
func (lb *LimitedBuffer) Replay(rest io.Reader) io.Reader {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	head := make([]byte, 0, lb.buffer.Len()+len(lb.spill))
	head = append(head, lb.buffer.Bytes()...)
	head = append(head, lb.spill...)
	if rest == nil || !lb.overflow {
		return bytes.NewReader(head)
	}
	return io.MultiReader(bytes.NewReader(head), rest)
}

// Bytes returns a copy of the buffer content.
func (lb *LimitedBuffer) Bytes() []byte {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return bytes.Clone(lb.buffer.Bytes())
}

// IsOverflow returns true if more data was offered than fits.
func (lb *LimitedBuffer) IsOverflow() bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.overflow
}

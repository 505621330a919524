package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
)

// Handler transforms a response body. Implementations commit their edit with a single
// SetRaw or SetParsed call after all checks have passed.
type Handler interface {
	Name() string
	Transform(v *View, rc *RequestContext) error
}

// RequestObserver is implemented by handlers that also want to see the request before
// it is sent upstream.
type RequestObserver interface {
	OnRequest(rc *RequestContext) error
}

const (
	PhaseRequest  = "request"
	PhaseResponse = "response"
)

// Chain applies a fixed, ordered list of handlers. It is built once at startup and is
// safe for concurrent use as long as the handlers are.
type Chain struct {
	handlers []Handler
	logger   *slog.Logger

	// FailureHook, when set, is called for every handler failure (not for skips).
	FailureHook func(handler, phase string)
}

// NewChain creates a chain running handlers in the given order.
func NewChain(logger *slog.Logger, handlers ...Handler) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{handlers: handlers, logger: logger}
}

// Handlers returns the registered handlers in order.
func (c *Chain) Handlers() []Handler {
	return c.handlers
}

// OnRequest runs every RequestObserver in registration order. Failures are logged and
// returned joined; they never stop the remaining hooks.
func (c *Chain) OnRequest(rc *RequestContext) error {
	var errs []error
	for _, h := range c.handlers {
		observer, ok := h.(RequestObserver)
		if !ok {
			continue
		}
		if err := c.invoke(h.Name(), PhaseRequest, func() error { return observer.OnRequest(rc) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Transform runs every handler on v in registration order. A handler that reports a
// malformed body is skipped; any other failure is logged, v is put back to its state
// before that handler ran, and the chain moves on.
func (c *Chain) Transform(v *View, rc *RequestContext) error {
	var errs []error
	for _, h := range c.handlers {
		m := v.mark()
		err := c.invoke(h.Name(), PhaseResponse, func() error { return h.Transform(v, rc) })
		if err != nil {
			v.restore(m)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) invoke(name, phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerFailure{Handler: name, Phase: phase, Err: fmt.Errorf("panic: %v", r)}
			c.fail(err, name, phase)
		}
	}()

	err = fn()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMalformedBody):
		c.logger.Debug("Handler skipped", slog.String("handler", name), slog.String("phase", phase), slog.Any("reason", err))
		return nil
	default:
		err = &HandlerFailure{Handler: name, Phase: phase, Err: err}
		c.fail(err, name, phase)
		return err
	}
}

func (c *Chain) fail(err error, name, phase string) {
	c.logger.Warn("Handler failed", slog.String("handler", name), slog.String("phase", phase), slog.Any("error", err))
	if c.FailureHook != nil {
		c.FailureHook(name, phase)
	}
}

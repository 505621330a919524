package pipeline

import (
	"errors"
	"fmt"
)

// ErrMalformedBody matches every MalformedBodyError through errors.Is.
var ErrMalformedBody = errors.New("body is not valid structured data")

// MalformedBodyError is returned by View.Parsed when the raw body does not parse.
// Handlers treat it as "this body is not for me" and skip.
type MalformedBodyError struct {
	Err error
}

func (e *MalformedBodyError) Error() string {
	if e.Err == nil {
		return ErrMalformedBody.Error()
	}
	return fmt.Sprintf("%s: %v", ErrMalformedBody, e.Err)
}

func (e *MalformedBodyError) Unwrap() error { return e.Err }

func (e *MalformedBodyError) Is(target error) bool { return target == ErrMalformedBody }

// HandlerFailure wraps an unexpected error (or recovered panic) raised by a handler.
type HandlerFailure struct {
	Handler string
	Phase   string
	Err     error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler %s failed in %s: %v", e.Handler, e.Phase, e.Err)
}

func (e *HandlerFailure) Unwrap() error { return e.Err }

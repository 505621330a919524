package pipeline

import (
	"context"
	"net/http"
	"net/url"

	"vkproxy/route"
)

// RequestContext carries what handlers may know about the inbound request. It lives for
// one request and is never shared.
type RequestContext struct {
	Method string
	Path   string // inbound path, before route rewriting
	Target route.Target
	Header http.Header
	Body   []byte     // captured POST body
	Form   url.Values // decoded form body, empty for non-POST requests

	// ResponseSize is the upstream body length, set before the response phase.
	ResponseSize int64

	ctx    context.Context
	values map[string]any
}

// NewRequestContext creates the context for r routed to target.
func NewRequestContext(r *http.Request, target route.Target) *RequestContext {
	return &RequestContext{
		Method: r.Method,
		Path:   r.URL.Path,
		Target: target,
		Header: r.Header.Clone(),
		Form:   url.Values{},
		ctx:    r.Context(),
	}
}

// Context returns the inbound request's context.
func (rc *RequestContext) Context() context.Context {
	if rc.ctx == nil {
		return context.Background()
	}
	return rc.ctx
}

// Set attaches a handler-owned value to the request.
func (rc *RequestContext) Set(key string, value any) {
	if rc.values == nil {
		rc.values = make(map[string]any)
	}
	rc.values[key] = value
}

// Value returns a value previously attached with Set.
func (rc *RequestContext) Value(key string) (any, bool) {
	v, ok := rc.values[key]
	return v, ok
}

// DecodeForm parses the captured body as an URL-encoded form. Undecodable input leaves
// whatever pairs could be parsed.
func (rc *RequestContext) DecodeForm() error {
	form, err := url.ParseQuery(string(rc.Body))
	rc.Form = form
	return err
}

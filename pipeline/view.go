package pipeline

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// codec keeps numbers as json.Number so identifiers survive a round trip untouched, and
// sorts object keys so a serialized tree is deterministic.
var codec = jsoniter.Config{
	EscapeHTML:             false,
	UseNumber:              true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

type viewState int

const (
	// stateSynced: raw and parsed describe the same body.
	stateSynced viewState = iota
	// stateRawAuthoritative: raw was written last, parsed is stale or absent.
	stateRawAuthoritative
	// stateParsedAuthoritative: parsed was written last, raw is stale.
	stateParsedAuthoritative
)

func (s viewState) String() string {
	switch s {
	case stateSynced:
		return "synced"
	case stateRawAuthoritative:
		return "raw"
	case stateParsedAuthoritative:
		return "parsed"
	default:
		return "unknown"
	}
}

// View is the dual raw/parsed representation of one response body. Every read returns the
// latest write, whichever representation it went to; synchronization happens lazily on read.
// A View belongs to a single request and is not safe for concurrent use.
type View struct {
	raw      []byte
	parsed   any
	state    viewState
	parseErr error

	parses     int
	serializes int
}

// NewView wraps a raw body. The parsed form is produced on first demand.
func NewView(raw []byte) *View {
	return &View{raw: raw, state: stateRawAuthoritative}
}

// Raw returns the current byte form, serializing the parsed tree first if it is newer.
func (v *View) Raw() ([]byte, error) {
	if v.state == stateParsedAuthoritative {
		b, err := codec.Marshal(v.parsed)
		if err != nil {
			return nil, fmt.Errorf("serialize body: %w", err)
		}
		v.serializes++
		v.raw = b
		v.state = stateSynced
	}
	return v.raw, nil
}

// SetRaw replaces the body with b.
func (v *View) SetRaw(b []byte) {
	v.raw = b
	v.parsed = nil
	v.parseErr = nil
	v.state = stateRawAuthoritative
}

// Parsed returns the current structured form, parsing the raw bytes first if they are newer.
// A body that is not valid JSON yields a *MalformedBodyError; the failure is remembered until
// the next SetRaw so later handlers do not parse the same bytes again.
func (v *View) Parsed() (any, error) {
	if v.state != stateRawAuthoritative {
		return v.parsed, nil
	}
	if v.parseErr != nil {
		return nil, v.parseErr
	}
	if len(v.raw) == 0 {
		v.parseErr = &MalformedBodyError{}
		return nil, v.parseErr
	}

	var tree any
	v.parses++
	if err := codec.Unmarshal(v.raw, &tree); err != nil {
		v.parseErr = &MalformedBodyError{Err: err}
		return nil, v.parseErr
	}
	v.parsed = tree
	v.state = stateSynced
	return v.parsed, nil
}

// SetParsed replaces the body with tree.
func (v *View) SetParsed(tree any) {
	v.parsed = tree
	v.parseErr = nil
	v.state = stateParsedAuthoritative
}

// Dirty reports whether the parsed tree was written after the last serialization.
func (v *View) Dirty() bool {
	return v.state == stateParsedAuthoritative
}

type viewMark struct {
	raw      []byte
	parsed   any
	state    viewState
	parseErr error
}

func (v *View) mark() viewMark {
	return viewMark{raw: v.raw, parsed: v.parsed, state: v.state, parseErr: v.parseErr}
}

func (v *View) restore(m viewMark) {
	v.raw = m.raw
	v.parsed = m.parsed
	v.state = m.state
	v.parseErr = m.parseErr
}

// Package jsonstream incrementally parses the JSON an LLM emits while it
// is still being streamed. Models wrap JSON in prose, stop mid-token when
// a stream is cut, mis-case literals and leave trailing commentary; the
// stream here accepts raw text chunks and keeps publishing the best
// parse of what has arrived so far, so a caller can act on a tool-call
// object before the stream finishes.
package jsonstream

import (
	"reflect"
	"strings"
)

// EventKind discriminates stream events.
type EventKind string

const (
	// EventN1 fires once when the first top-level value ({ or [) opens;
	// Text carries the prose before it.
	EventN1 EventKind = "n1"
	// EventN2 fires once when a second top-level value opens; Text
	// carries the text between the two.
	EventN2 EventKind = "n2"
	// EventSnapshot carries the current best-effort parse in Value.
	EventSnapshot EventKind = "snapshot"
	// EventFinal carries the finished parse in Value, exactly once at
	// Close if a top-level value was recognised.
	EventFinal EventKind = "final"
)

// Event is one occurrence on the read side of a Stream.
type Event struct {
	Kind  EventKind
	Text  string
	Value any
}

// Option configures a Stream.
type Option func(*Stream)

// WithoutControlChars makes raw control characters inside strings a hard
// parse error instead of literal content.
func WithoutControlChars() Option {
	return func(s *Stream) { s.opts.allowControl = false }
}

// Stream is a write-side sink for LLM output chunks. Events are delivered
// synchronously to the emit callback during Feed and Close. Parse errors
// are swallowed; they surface only as the absence of a final event.
//
// Snapshots grow monotonically: a later snapshot only adds keys and array
// items or extends scalar tails, it never retracts what an earlier one
// showed.
type Stream struct {
	emit func(Event)
	opts parseOpts

	buf strings.Builder

	// Incremental structural scan state.
	scanPos  int
	firstAt  int
	firstEnd int
	depth    int
	inString bool
	escaped  bool
	sawN2    bool

	last   any
	closed bool
}

// New creates a Stream delivering events to emit.
func New(emit func(Event), options ...Option) *Stream {
	s := &Stream{
		emit:     emit,
		opts:     parseOpts{allowControl: true},
		firstAt:  -1,
		firstEnd: -1,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Feed appends a chunk and publishes any structural markers and a new
// snapshot when the parse grew.
func (s *Stream) Feed(chunk string) {
	if s.closed || chunk == "" {
		return
	}
	s.buf.WriteString(chunk)
	s.scan()
	s.publishSnapshot()
}

// Close marks end-of-input and publishes the final value, if any. Safe to
// call more than once.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.firstAt < 0 {
		return
	}
	v, ok, failed := parsePrefix(s.buf.String()[s.firstAt:], s.opts)
	if !ok || failed {
		return
	}
	s.emit(Event{Kind: EventFinal, Value: v})
}

// Value returns the latest snapshot parse, nil before the first value.
func (s *Stream) Value() any { return s.last }

// scan advances the structural scanner over unread buffer bytes, firing
// n1 and n2 when the first and second top-level values open. Objects and
// arrays both count; a bare top-level scalar does not, since its start
// is indistinguishable from surrounding prose.
func (s *Stream) scan() {
	text := s.buf.String()
	for ; s.scanPos < len(text); s.scanPos++ {
		c := text[s.scanPos]

		if s.firstAt < 0 {
			if c == '{' || c == '[' {
				s.firstAt = s.scanPos
				s.depth = 1
				s.emit(Event{Kind: EventN1, Text: text[:s.scanPos]})
			}
			continue
		}

		if s.escaped {
			s.escaped = false
			continue
		}
		if s.inString {
			switch c {
			case '\\':
				s.escaped = true
			case '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			s.inString = true
		case '{', '[':
			if s.depth == 0 && !s.sawN2 {
				s.sawN2 = true
				s.emit(Event{Kind: EventN2, Text: text[s.firstEnd:s.scanPos]})
			}
			s.depth++
		case '}', ']':
			if s.depth > 0 {
				s.depth--
				if s.depth == 0 && s.firstEnd < 0 {
					s.firstEnd = s.scanPos + 1
				}
			}
		}
	}
}

// publishSnapshot reparses from the first value and emits a snapshot if
// the parse changed.
func (s *Stream) publishSnapshot() {
	if s.firstAt < 0 {
		return
	}
	v, ok, _ := parsePrefix(s.buf.String()[s.firstAt:], s.opts)
	if !ok {
		return
	}
	if reflect.DeepEqual(v, s.last) {
		return
	}
	s.last = v
	s.emit(Event{Kind: EventSnapshot, Value: v})
}

// Lenient parses one complete-but-sloppy JSON value, with the same
// tolerances the stream applies: mis-cased literals, control characters
// in strings, truncated tails. Used for tool-call arguments, which arrive
// whole but share the stream's failure modes.
func Lenient(input string) (any, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, false
	}
	v, ok, failed := parsePrefix(trimmed, parseOpts{allowControl: true})
	if !ok || failed {
		return nil, false
	}
	return v, true
}

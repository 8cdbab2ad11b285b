package interrogate

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/lectorlabs/lector/tools"
)

// EventKind discriminates interrogation events.
type EventKind string

const (
	// EventChunk is a raw text delta from the model.
	EventChunk EventKind = "chunk"
	// EventN1 marks the first { in the model output; Text carries the
	// prose before it.
	EventN1 EventKind = "n1"
	// EventN2 marks the opening of a second top-level object.
	EventN2 EventKind = "n2"
	// EventSnapshot carries the incremental partial JSON parse.
	EventSnapshot EventKind = "snapshot"
	// EventStructured carries the finished JSON value of a turn.
	EventStructured EventKind = "structured"
	// EventCall announces a tool invocation; Call is set.
	EventCall EventKind = "call"
	// EventReturn carries a tool result; Text is the result string.
	EventReturn EventKind = "return"
	// EventInjectHistory reports a message appended to the running
	// history; Message is set.
	EventInjectHistory EventKind = "injectHistory"
	// EventHistory carries the final history on the last turn.
	EventHistory EventKind = "history"
	// EventError reports a streaming failure; Err is set.
	EventError EventKind = "error"
)

// Event is one occurrence on the interrogation stream. Which fields are
// set depends on Kind.
type Event struct {
	Kind    EventKind
	Text    string
	Value   any
	Call    *tools.Call
	Message *openai.ChatCompletionMessage
	History []openai.ChatCompletionMessage
	Err     error
}

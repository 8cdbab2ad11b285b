// Package interrogate runs the conversation loop between a crawled page
// and an LLM. Each turn streams a completion, watches the output for a
// tool-call envelope, dispatches requested tools and feeds their results
// back as history until the model answers in plain text or the turn
// budget runs out.
package interrogate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lectorlabs/lector/jsonstream"
	"github.com/lectorlabs/lector/llm"
	"github.com/lectorlabs/lector/tools"
)

const (
	// MaxAdditionalTurnsLimit caps the tool-call loop.
	MaxAdditionalTurnsLimit = 50
	// DefaultAdditionalTurns applies when a request does not choose.
	DefaultAdditionalTurns = 5
	// DefaultWindowTokens is the assumed context window when the request
	// does not state one.
	DefaultWindowTokens = 16384
	// defaultReserveTokens is subtracted from the window for the reply
	// when MaxTokens is unset.
	defaultReserveTokens = 1024
)

// Request describes one interrogation.
type Request struct {
	// Model names the completion model.
	Model string
	// Messages is the base history, typically a system prompt, the page
	// content and the user's question.
	Messages []openai.ChatCompletionMessage
	// MaxAdditionalTurns bounds tool-call turns after the first, 0 to 50.
	MaxAdditionalTurns int
	// MaxTokens limits the reply length; 0 uses the endpoint default.
	MaxTokens int
	// Temperature controls sampling.
	Temperature float32
	// TopP is the nucleus sampling cutoff; 0 uses the endpoint default.
	TopP float32
	// Stop lists sequences that end the completion.
	Stop []string
	// Seed requests deterministic sampling where the endpoint supports it.
	Seed *int
	// Functions adds caller-declared descriptors to the native tool
	// surface, alongside the registry's own.
	Functions []openai.FunctionDefinition
	// WindowTokens is the model's context window estimate; 0 uses
	// DefaultWindowTokens.
	WindowTokens int
	// SoftwareFC selects software function calling: the tool registry's
	// teaching prompt is prepended and the model's JSON envelope is
	// parsed instead of native tool-call deltas.
	SoftwareFC bool
	// PinnedTool, when set, forces this tool: the teaching prompt demands
	// it under SoftwareFC, the provider tool choice requires it natively.
	PinnedTool string
	// DisableTools suppresses tool use entirely.
	DisableTools bool
}

// Interrogator drives interrogation requests. Safe for concurrent use.
type Interrogator struct {
	streamer llm.Streamer
	registry *tools.Registry
	logger   *slog.Logger

	turnHook func(outcome string)
	toolHook func(tool, outcome string)
}

// Option configures an Interrogator.
type Option func(*Interrogator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Interrogator) { i.logger = logger }
}

// WithTurnHook registers a callback invoked once per finished loop with
// its outcome ("answered", "turns_exhausted" or "error").
func WithTurnHook(fn func(outcome string)) Option {
	return func(i *Interrogator) { i.turnHook = fn }
}

// WithToolHook registers a callback invoked per tool call with the tool
// name and "ok" or "error".
func WithToolHook(fn func(tool, outcome string)) Option {
	return func(i *Interrogator) { i.toolHook = fn }
}

// New creates an Interrogator.
func New(streamer llm.Streamer, registry *tools.Registry, opts ...Option) *Interrogator {
	i := &Interrogator{
		streamer: streamer,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Chat validates the request and starts the loop. Events arrive on the
// returned channel in turn order; the channel closes when the loop ends.
// The consumer must drain it or cancel ctx.
func (i *Interrogator) Chat(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("no model")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("no messages")
	}
	if req.MaxAdditionalTurns < 0 || req.MaxAdditionalTurns > MaxAdditionalTurnsLimit {
		return nil, fmt.Errorf("maxAdditionalTurns %d out of range 0..%d", req.MaxAdditionalTurns, MaxAdditionalTurnsLimit)
	}
	if req.WindowTokens == 0 {
		req.WindowTokens = DefaultWindowTokens
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		i.run(ctx, req, events)
	}()
	return events, nil
}

// run executes the turn loop, sending every event or stopping when ctx
// ends.
func (i *Interrogator) run(ctx context.Context, req Request, events chan<- Event) {
	send := func(e Event) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	base := req.Messages
	var tail []openai.ChatCompletionMessage
	turnsLeft := req.MaxAdditionalTurns

	for {
		toolsEnabled := !req.DisableTools && i.registry != nil && turnsLeft > 0

		calls, err := i.turn(ctx, req, base, tail, toolsEnabled, send, &tail)
		if err != nil {
			i.observeTurn("error")
			send(Event{Kind: EventError, Err: err})
			return
		}

		if len(calls) > 0 && turnsLeft > 0 {
			i.dispatch(ctx, calls, send, &tail)
			turnsLeft--
			continue
		}
		if len(calls) > 0 {
			i.observeTurn("turns_exhausted")
		} else {
			i.observeTurn("answered")
		}

		history := make([]openai.ChatCompletionMessage, 0, len(base)+len(tail))
		history = append(history, base...)
		history = append(history, tail...)
		send(Event{Kind: EventHistory, History: history})
		return
	}
}

// turn runs one streamed completion. It returns the tool calls the model
// requested, if any, and appends the assistant message to tail.
func (i *Interrogator) turn(
	ctx context.Context,
	req Request,
	base, tail []openai.ChatCompletionMessage,
	toolsEnabled bool,
	send func(Event) bool,
	tailOut *[]openai.ChatCompletionMessage,
) (calls []tools.Call, err error) {
	reserve := req.MaxTokens
	if reserve == 0 {
		reserve = defaultReserveTokens
	}
	budget := req.WindowTokens - reserve - messagesTokens(tail)

	messages := trimToWindow(base, budget)
	messages = append(messages, tail...)

	sreq := llm.StreamRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Seed:        req.Seed,
	}

	if toolsEnabled {
		if req.SoftwareFC {
			teach := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: i.registry.SystemPrompt(req.PinnedTool),
			}
			sreq.Messages = append([]openai.ChatCompletionMessage{teach}, sreq.Messages...)
		} else {
			sreq.Tools = descriptorsToTools(i.registry.Descriptors())
			for _, fd := range req.Functions {
				sreq.Tools = append(sreq.Tools, openai.Tool{
					Type:     openai.ToolTypeFunction,
					Function: &fd,
				})
			}
			if req.PinnedTool != "" {
				sreq.ToolChoice = openai.ToolChoice{
					Type:     openai.ToolTypeFunction,
					Function: openai.ToolFunction{Name: req.PinnedTool},
				}
			}
		}
	}

	stream, err := i.streamer.ChatStream(ctx, sreq)
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var finalValue any
	js := jsonstream.New(func(e jsonstream.Event) {
		switch e.Kind {
		case jsonstream.EventN1:
			send(Event{Kind: EventN1, Text: e.Text})
		case jsonstream.EventN2:
			send(Event{Kind: EventN2, Text: e.Text})
		case jsonstream.EventSnapshot:
			send(Event{Kind: EventSnapshot, Value: e.Value})
		case jsonstream.EventFinal:
			finalValue = e.Value
		}
	})

	acc := llm.NewToolCallAccumulator()
	var content string

	for {
		delta, rerr := stream.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			js.Close()
			return nil, fmt.Errorf("completion stream: %w", rerr)
		}
		if delta.Content != "" {
			content += delta.Content
			if !send(Event{Kind: EventChunk, Text: delta.Content}) {
				return nil, ctx.Err()
			}
			js.Feed(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			acc.Add(tc)
		}
	}
	js.Close()

	// Structured output only matters on turns that may call tools; this
	// also caps structured events at MaxAdditionalTurns.
	if finalValue != nil && toolsEnabled {
		send(Event{Kind: EventStructured, Value: finalValue})
	}

	switch {
	case !acc.Empty():
		// Native function calling: record the assistant tool-call
		// message so the provider sees the call it made.
		assistant := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: content,
		}
		for _, c := range acc.Calls() {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
				ID:   c.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      c.Name,
					Arguments: c.Arguments,
				},
			})
			calls = append(calls, tools.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
		}
		*tailOut = append(*tailOut, assistant)
		return calls, nil

	case toolsEnabled && req.SoftwareFC:
		if envelope := envelopeCalls(finalValue); len(envelope) > 0 {
			encoded, _ := json.Marshal(finalValue)
			*tailOut = append(*tailOut, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: string(encoded),
			})
			return envelope, nil
		}
	}

	*tailOut = append(*tailOut, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: content,
	})
	return nil, nil
}

// dispatch runs each tool call and appends its result to the history.
// Tool failures become string results for the model, never loop errors.
func (i *Interrogator) dispatch(ctx context.Context, calls []tools.Call, send func(Event) bool, tail *[]openai.ChatCompletionMessage) {
	for idx := range calls {
		call := calls[idx]
		if !send(Event{Kind: EventCall, Call: &call}) {
			return
		}

		result, err := i.registry.Dispatch(ctx, call)
		if err != nil {
			i.logger.Warn("tool call failed", "tool", call.Name, "error", err)
			result = fmt.Sprintf("Error: %v", err)
			i.observeTool(call.Name, "error")
		} else {
			i.observeTool(call.Name, "ok")
		}

		if !send(Event{Kind: EventReturn, Text: result}) {
			return
		}

		var msg openai.ChatCompletionMessage
		if call.ID != "" {
			msg = openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			}
		} else {
			msg = openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleFunction,
				Content: result,
				Name:    call.Name,
			}
		}
		*tail = append(*tail, msg)
		send(Event{Kind: EventInjectHistory, Message: &msg})
	}
}

func (i *Interrogator) observeTurn(outcome string) {
	if i.turnHook != nil {
		i.turnHook(outcome)
	}
}

func (i *Interrogator) observeTool(tool, outcome string) {
	if i.toolHook != nil {
		i.toolHook(tool, outcome)
	}
}

// envelopeCalls extracts tool calls from a software function calling
// envelope: {"intention":"USE_TOOLS","tools":[{name, arguments, id}]}.
func envelopeCalls(value any) []tools.Call {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	if intention, _ := obj["intention"].(string); intention != "USE_TOOLS" {
		return nil
	}
	entries, ok := obj["tools"].([]any)
	if !ok {
		return nil
	}

	var calls []tools.Call
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" {
			continue
		}
		id, _ := entry["id"].(string)

		var args string
		switch a := entry["arguments"].(type) {
		case string:
			args = a
		case nil:
			args = "{}"
		default:
			encoded, err := json.Marshal(a)
			if err != nil {
				args = "{}"
			} else {
				args = string(encoded)
			}
		}

		calls = append(calls, tools.Call{ID: id, Name: name, Arguments: args})
	}
	return calls
}

// descriptorsToTools maps registry descriptors onto the provider's tool
// schema.
func descriptorsToTools(descriptors []tools.Descriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

package interrogate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectorlabs/lector/llm"
	"github.com/lectorlabs/lector/tools"
)

// scriptedStreamer replays canned deltas, one script per turn.
type scriptedStreamer struct {
	turns   [][]llm.Delta
	reqs    []llm.StreamRequest
	openErr error
	next    int
}

func (s *scriptedStreamer) ChatStream(_ context.Context, req llm.StreamRequest) (llm.Stream, error) {
	s.reqs = append(s.reqs, req)
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.next >= len(s.turns) {
		return nil, fmt.Errorf("unexpected turn %d", s.next)
	}
	deltas := s.turns[s.next]
	s.next++
	return &scriptedStream{deltas: deltas}, nil
}

type scriptedStream struct {
	deltas []llm.Delta
	pos    int
	err    error
}

func (s *scriptedStream) Recv() (llm.Delta, error) {
	if s.pos >= len(s.deltas) {
		if s.err != nil {
			return llm.Delta{}, s.err
		}
		return llm.Delta{}, io.EOF
	}
	d := s.deltas[s.pos]
	s.pos++
	return d, nil
}

func (s *scriptedStream) Close() error { return nil }

func textDeltas(chunks ...string) []llm.Delta {
	out := make([]llm.Delta, len(chunks))
	for i, c := range chunks {
		out[i] = llm.Delta{Content: c}
	}
	return out
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Tool{
		Name:        "echo",
		Description: "echoes text",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}))
	return r
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func eventKinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func baseMessages(question string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "You answer questions about a web page."},
		{Role: openai.ChatMessageRoleUser, Content: question},
	}
}

func TestChatValidation(t *testing.T) {
	i := New(&scriptedStreamer{}, nil)

	_, err := i.Chat(context.Background(), Request{Model: "", Messages: baseMessages("q")})
	assert.Error(t, err)

	_, err = i.Chat(context.Background(), Request{Model: "m", Messages: nil})
	assert.Error(t, err)

	_, err = i.Chat(context.Background(), Request{Model: "m", Messages: baseMessages("q"), MaxAdditionalTurns: 51})
	assert.Error(t, err)

	_, err = i.Chat(context.Background(), Request{Model: "m", Messages: baseMessages("q"), MaxAdditionalTurns: -1})
	assert.Error(t, err)
}

func TestChatPlainAnswer(t *testing.T) {
	s := &scriptedStreamer{turns: [][]llm.Delta{textDeltas("Hello", " world")}}
	i := New(s, nil)

	events, err := i.Chat(context.Background(), Request{Model: "m", Messages: baseMessages("q")})
	require.NoError(t, err)

	all := drain(t, events)
	require.Len(t, all, 3)
	assert.Equal(t, []EventKind{EventChunk, EventChunk, EventHistory}, eventKinds(all))
	assert.Equal(t, "Hello", all[0].Text)

	history := all[2].History
	require.Len(t, history, 3)
	assert.Equal(t, openai.ChatMessageRoleAssistant, history[2].Role)
	assert.Equal(t, "Hello world", history[2].Content)
}

func TestChatSoftwareFunctionCalling(t *testing.T) {
	envelope := `{"intention":"USE_TOOLS","thoughts":"look closer","tools":[{"name":"echo","arguments":{"text":"hi"},"id":"call-1"}]}`
	s := &scriptedStreamer{turns: [][]llm.Delta{
		textDeltas(envelope[:40], envelope[40:]),
		textDeltas("The answer is hi."),
	}}
	i := New(s, echoRegistry(t))

	events, err := i.Chat(context.Background(), Request{
		Model:              "m",
		Messages:           baseMessages("q"),
		MaxAdditionalTurns: 5,
		SoftwareFC:         true,
	})
	require.NoError(t, err)
	all := drain(t, events)

	// The teaching prompt leads the first request.
	require.Len(t, s.reqs, 2)
	first := s.reqs[0].Messages[0]
	assert.Equal(t, openai.ChatMessageRoleSystem, first.Role)
	assert.Contains(t, first.Content, "USE_TOOLS")
	assert.Empty(t, s.reqs[0].Tools)

	kinds := eventKinds(all)
	assert.Contains(t, kinds, EventN1)
	assert.Contains(t, kinds, EventSnapshot)
	assert.Contains(t, kinds, EventStructured)
	assert.Contains(t, kinds, EventCall)
	assert.Contains(t, kinds, EventReturn)
	assert.Contains(t, kinds, EventInjectHistory)
	assert.Equal(t, EventHistory, kinds[len(kinds)-1])

	for idx, e := range all {
		switch e.Kind {
		case EventCall:
			assert.Equal(t, "echo", e.Call.Name)
			assert.Equal(t, "call-1", e.Call.ID)
			// call precedes return precedes injectHistory
			assert.Equal(t, EventReturn, all[idx+1].Kind)
			assert.Equal(t, EventInjectHistory, all[idx+2].Kind)
		case EventReturn:
			assert.Equal(t, "hi", e.Text)
		case EventInjectHistory:
			assert.Equal(t, openai.ChatMessageRoleTool, e.Message.Role)
			assert.Equal(t, "call-1", e.Message.ToolCallID)
		}
	}

	// Second request carries the assistant envelope and the tool result.
	second := s.reqs[1].Messages
	require.GreaterOrEqual(t, len(second), 4)
	assistant := second[len(second)-2]
	assert.Equal(t, openai.ChatMessageRoleAssistant, assistant.Role)
	assert.Contains(t, assistant.Content, "USE_TOOLS")
	assert.Equal(t, openai.ChatMessageRoleTool, second[len(second)-1].Role)
}

func TestChatNativeFunctionCalling(t *testing.T) {
	s := &scriptedStreamer{turns: [][]llm.Delta{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "echo"}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `{"text":"pong"}`}}},
		},
		textDeltas("pong it is"),
	}}
	i := New(s, echoRegistry(t))

	events, err := i.Chat(context.Background(), Request{
		Model:              "m",
		Messages:           baseMessages("q"),
		MaxAdditionalTurns: 3,
	})
	require.NoError(t, err)
	all := drain(t, events)

	// Native descriptors attached, no teaching prompt.
	require.Len(t, s.reqs, 2)
	require.Len(t, s.reqs[0].Tools, 1)
	assert.Equal(t, "echo", s.reqs[0].Tools[0].Function.Name)
	assert.Len(t, s.reqs[0].Messages, 2)

	var returned string
	for _, e := range all {
		if e.Kind == EventReturn {
			returned = e.Text
		}
	}
	assert.Equal(t, "pong", returned)

	// The assistant tool-call message precedes the tool result.
	second := s.reqs[1].Messages
	assistant := second[len(second)-2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "c1", assistant.ToolCalls[0].ID)
	assert.Equal(t, openai.ChatMessageRoleTool, second[len(second)-1].Role)
}

func TestChatToolErrorBecomesStringResult(t *testing.T) {
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Tool{
		Name:        "boom",
		Description: "always fails",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("backend unreachable")
		},
	}))

	s := &scriptedStreamer{turns: [][]llm.Delta{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "boom", Arguments: "{}"}}},
		},
		textDeltas("could not check"),
	}}
	i := New(s, r)

	events, err := i.Chat(context.Background(), Request{
		Model:              "m",
		Messages:           baseMessages("q"),
		MaxAdditionalTurns: 3,
	})
	require.NoError(t, err)
	all := drain(t, events)

	var sawError bool
	for _, e := range all {
		if e.Kind == EventError {
			sawError = true
		}
		if e.Kind == EventReturn {
			assert.True(t, strings.HasPrefix(e.Text, "Error:"), e.Text)
		}
	}
	assert.False(t, sawError)
	assert.Equal(t, EventHistory, all[len(all)-1].Kind)
}

func TestChatTurnCap(t *testing.T) {
	envelope := `{"intention":"USE_TOOLS","tools":[{"name":"echo","arguments":{"text":"x"},"id":"1"}]}`
	s := &scriptedStreamer{turns: [][]llm.Delta{
		textDeltas(envelope),
		textDeltas(envelope),
		textDeltas(envelope),
	}}
	i := New(s, echoRegistry(t))

	events, err := i.Chat(context.Background(), Request{
		Model:              "m",
		Messages:           baseMessages("q"),
		MaxAdditionalTurns: 2,
		SoftwareFC:         true,
	})
	require.NoError(t, err)
	all := drain(t, events)

	// Two tool turns exhaust the budget; turn 3 runs without tools and is
	// terminal even though the model emitted another envelope.
	assert.Len(t, s.reqs, 3)
	assert.Equal(t, EventHistory, all[len(all)-1].Kind)

	var calls, structured int
	for _, e := range all {
		switch e.Kind {
		case EventCall:
			calls++
		case EventStructured:
			structured++
		}
	}
	assert.Equal(t, 2, calls)
	assert.LessOrEqual(t, structured, 2)
}

func TestChatSingleAdditionalTurn(t *testing.T) {
	envelope := `{"intention":"USE_TOOLS","thoughts":"x","tools":[{"name":"echo","arguments":{"text":"a"},"id":"T1"}]}`
	s := &scriptedStreamer{turns: [][]llm.Delta{
		textDeltas(envelope),
		nil, // model finishes without output
	}}
	i := New(s, echoRegistry(t))

	events, err := i.Chat(context.Background(), Request{
		Model:              "m",
		Messages:           baseMessages("q"),
		MaxAdditionalTurns: 1,
		SoftwareFC:         true,
	})
	require.NoError(t, err)
	all := drain(t, events)

	var structured, calls, returns int
	for _, e := range all {
		switch e.Kind {
		case EventStructured:
			structured++
		case EventCall:
			calls++
			assert.Equal(t, "echo", e.Call.Name)
			assert.Equal(t, "T1", e.Call.ID)
		case EventReturn:
			returns++
		}
	}
	assert.Equal(t, 1, structured)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, returns)
	assert.Equal(t, EventHistory, all[len(all)-1].Kind)
}

func TestChatZeroAdditionalTurnsMeansNoTools(t *testing.T) {
	s := &scriptedStreamer{turns: [][]llm.Delta{textDeltas("direct answer")}}
	i := New(s, echoRegistry(t))

	events, err := i.Chat(context.Background(), Request{
		Model:    "m",
		Messages: baseMessages("q"),
	})
	require.NoError(t, err)
	drain(t, events)

	require.Len(t, s.reqs, 1)
	assert.Empty(t, s.reqs[0].Tools)
}

func TestChatStreamOpenErrorEmitsError(t *testing.T) {
	s := &scriptedStreamer{openErr: fmt.Errorf("endpoint down")}
	i := New(s, nil)

	events, err := i.Chat(context.Background(), Request{Model: "m", Messages: baseMessages("q")})
	require.NoError(t, err)
	all := drain(t, events)

	require.Len(t, all, 1)
	assert.Equal(t, EventError, all[0].Kind)
	assert.Error(t, all[0].Err)
}

func TestChatEventOrderingPerTurn(t *testing.T) {
	envelope := `prefix {"intention":"USE_TOOLS","tools":[{"name":"echo","arguments":{"text":"y"},"id":"1"}]}`
	s := &scriptedStreamer{turns: [][]llm.Delta{
		textDeltas(envelope),
		textDeltas("done"),
	}}
	i := New(s, echoRegistry(t))

	events, err := i.Chat(context.Background(), Request{
		Model:              "m",
		Messages:           baseMessages("q"),
		MaxAdditionalTurns: 4,
		SoftwareFC:         true,
	})
	require.NoError(t, err)
	all := drain(t, events)

	// Within a turn: stream events, then structured, then tool traffic.
	rank := map[EventKind]int{
		EventChunk: 0, EventN1: 0, EventN2: 0, EventSnapshot: 0,
		EventStructured: 1,
		EventCall:       2, EventReturn: 2, EventInjectHistory: 2,
		EventHistory: 3,
	}
	phase := 0
	for _, e := range all {
		r := rank[e.Kind]
		if r < phase && e.Kind == EventChunk {
			// New turn restarts the phases.
			phase = 0
			continue
		}
		require.GreaterOrEqual(t, r, phase, "event %s out of order", e.Kind)
		phase = r
	}
}

func TestTrimToWindowKeepsSystemMessages(t *testing.T) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: strings.Repeat("s", 400)},
		{Role: openai.ChatMessageRoleUser, Content: strings.Repeat("a", 400)},
		{Role: openai.ChatMessageRoleUser, Content: strings.Repeat("b", 400)},
	}

	trimmed := trimToWindow(msgs, 220)

	require.Len(t, trimmed, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, trimmed[0].Role)
	assert.Equal(t, strings.Repeat("b", 400), trimmed[1].Content)
}

func TestTrimToWindowExhaustedBudgetKeepsOnlySystem(t *testing.T) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "rules"},
		{Role: openai.ChatMessageRoleUser, Content: strings.Repeat("a", 400)},
		{Role: openai.ChatMessageRoleAssistant, Content: strings.Repeat("b", 400)},
	}

	for _, budget := range []int{0, -50} {
		trimmed := trimToWindow(msgs, budget)
		require.Len(t, trimmed, 1)
		assert.Equal(t, openai.ChatMessageRoleSystem, trimmed[0].Role)
	}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
}

package llm

import "strings"

// ToolCall is one fully assembled tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolCallAccumulator reassembles tool calls from stream fragments. The
// provider may split a call's id, name and argument JSON across many
// deltas; fragments with the same index belong to the same call.
type ToolCallAccumulator struct {
	byIndex map[int]*partialCall
	order   []int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{byIndex: make(map[int]*partialCall)}
}

// Add folds one fragment in.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	pc, ok := a.byIndex[d.Index]
	if !ok {
		pc = &partialCall{}
		a.byIndex[d.Index] = pc
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		pc.id = d.ID
	}
	if d.Name != "" {
		pc.name = d.Name
	}
	pc.args.WriteString(d.Arguments)
}

// Empty reports whether any fragments arrived.
func (a *ToolCallAccumulator) Empty() bool { return len(a.order) == 0 }

// Calls returns the assembled calls in first-seen order.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		pc := a.byIndex[idx]
		out = append(out, ToolCall{ID: pc.id, Name: pc.name, Arguments: pc.args.String()})
	}
	return out
}

// Package tools holds the registry of callables the interrogator may
// dispatch on the model's behalf, plus the built-in browse and searchWeb
// tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lectorlabs/lector/jsonstream"
)

// Tool is one registered callable.
type Tool struct {
	// Name is the identifier the model uses to invoke the tool.
	Name string
	// Description tells the model what the tool does.
	Description string
	// Parameters is the JSON-schema of the arguments object.
	Parameters map[string]any
	// Handler executes a call. The returned value is serialised to a
	// string before it is fed back to the model.
	Handler func(ctx context.Context, args map[string]any) (any, error)
}

// Descriptor is the machine-readable face of a tool, embedded both in
// native function-calling requests and in the teaching prompt.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Call is one tool invocation requested by the model.
type Call struct {
	// ID is the provider-assigned call id; empty for software function
	// calling without ids.
	ID string
	// Name names the tool.
	Name string
	// Arguments is the raw argument JSON, possibly sloppy or truncated.
	Arguments string
}

// Registry stores tools. It is shared across concurrent requests.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	return nil
}

// Descriptors lists all tools in name order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch parses the call's arguments leniently and runs the handler.
// The result is always a string; non-string handler results are JSON
// encoded.
func (r *Registry) Dispatch(ctx context.Context, call Call) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	args := map[string]any{}
	if v, ok := jsonstream.Lenient(call.Arguments); ok {
		if m, ok := v.(map[string]any); ok {
			args = m
		}
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", call.Name, err)
	}

	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("tool %s: encode result: %w", call.Name, err)
		}
		return string(data), nil
	}
}

const teachingPreamble = `You have access to tools. When you want to use one or more tools, reply with ONLY a JSON object of exactly this shape and nothing else, no prose before or after:

{"intention": "USE_TOOLS", "thoughts": "<why these tools>", "tools": [{"name": "<tool name>", "arguments": {<arguments object>}, "id": "<unique id>"}]}

Available tools:

`

const teachingEpilogue = `

When you do not need tools, answer the user directly in plain text.`

// SystemPrompt renders the teaching prompt that makes models without
// native function calling emit the USE_TOOLS envelope. The text is
// identical across requests except for the embedded descriptor JSON and,
// when pinned names a tool, an enforcement clause.
func (r *Registry) SystemPrompt(pinned string) string {
	descriptors, _ := json.MarshalIndent(r.Descriptors(), "", "  ")

	var sb strings.Builder
	sb.WriteString(teachingPreamble)
	sb.Write(descriptors)
	sb.WriteString(teachingEpilogue)
	if pinned != "" {
		fmt.Fprintf(&sb, "\n\nYou MUST invoke the tool %q before answering.", pinned)
	}
	return sb.String()
}

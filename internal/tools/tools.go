// Package tools implements the fixed catalogue of functions the AI model
// may invoke: a handler map keyed by name, looked up once per call, with
// unknown names and handler panics/errors converted into a structured
// {error: ...} response rather than propagated, so one bad tool call
// cannot abort the whole turn.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Call is one function invocation requested by the model.
type Call struct {
	Name        string
	Arguments   json.RawMessage
	GroupFolder string
	ChatID      string
	IsMain      bool
}

// Result is returned to the model as the function response.
type Result struct {
	Name     string
	Response map[string]any
}

// Handler executes one tool call and returns its response payload.
type Handler func(ctx context.Context, args json.RawMessage, groupFolder, chatID string) (map[string]any, error)

// Schema describes one tool's JSON-schema parameters for the provider.
type Schema struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
	MainOnly    bool
}

// Registry holds every registered tool's schema and handler.
type Registry struct {
	schemas  map[string]Schema
	handlers map[string]Handler
}

// NewRegistry creates an empty registry; callers use Register to populate it.
func NewRegistry() *Registry {
	return &Registry{
		schemas:  make(map[string]Schema),
		handlers: make(map[string]Handler),
	}
}

// Register adds one tool to the catalogue.
func (r *Registry) Register(s Schema, h Handler) {
	r.schemas[s.Name] = s
	r.handlers[s.Name] = h
}

// Catalogue returns the schemas visible to a caller, varying by isMain:
// non-main sees every tool except those marked MainOnly.
func (r *Registry) Catalogue(isMain bool) []Schema {
	out := make([]Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		if s.MainOnly && !isMain {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Invoke dispatches one call. Unknown tool names, and any error or panic a
// handler produces, are converted to a {error: ...} response rather than
// propagated.
func (r *Registry) Invoke(ctx context.Context, call Call) (res Result) {
	res.Name = call.Name

	schema, ok := r.schemas[call.Name]
	if !ok {
		res.Response = map[string]any{"error": "Unknown function: " + call.Name}
		return res
	}
	if schema.MainOnly && !call.IsMain {
		res.Response = map[string]any{"error": "Permission denied"}
		return res
	}

	handler := r.handlers[call.Name]

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tools: handler panicked", "tool", call.Name, "panic", p)
			res.Response = map[string]any{"error": "Function execution failed"}
		}
	}()

	resp, err := handler(ctx, call.Arguments, call.GroupFolder, call.ChatID)
	if err != nil {
		slog.Error("tools: handler failed", "tool", call.Name, "error", err)
		res.Response = map[string]any{"error": "Function execution failed"}
		return res
	}
	res.Response = resp
	return res
}

// Package tools defines the tool catalogue the agent dispatches to: named
// tools with an input schema, a "mutates shared state" capability flag and a
// handler acting on the family's records.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Error codes carried by *Error.
const (
	CodeUnknownTool     = "unknown_tool"
	CodeInvalidInput    = "invalid_input"
	CodeNotFound        = "not_found"
	CodeExecutionFailed = "execution_failed"
	CodeTimeout         = "timeout"
	CodeBudgetExceeded  = "budget_exceeded"
)

// Sentinels matched by errors.Is against *Error codes.
var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrInvalidInput = errors.New("invalid tool input")
)

// Error is a structured tool failure.
type Error struct {
	Tool    string `json:"tool"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

// NewError creates a structured tool error.
func NewError(tool, code, message string) *Error {
	return &Error{Tool: tool, Code: code, Message: message}
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Tool, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Tool, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnknownTool:
		return e.Code == CodeUnknownTool
	case ErrInvalidInput:
		return e.Code == CodeInvalidInput
	}
	return false
}

// Param describes one input field of a tool.
type Param struct {
	Name        string
	Type        string // "string", "number", "boolean", "object" or "array"
	Description string
	Required    bool
}

// Descriptor is the static declaration of a tool.
type Descriptor struct {
	Name        string
	Description string
	// MutatesState marks tools that touch prior state (update/delete class).
	// They run alone and in plan order; other tools may run concurrently.
	MutatesState bool
	Params       []Param
}

// Schema renders the descriptor's parameters as a JSON schema object.
func (d Descriptor) Schema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Missing lists the required parameters that input leaves nil or empty, in
// declaration order.
func (d Descriptor) Missing(input map[string]any) []string {
	var out []string
	for _, p := range d.Params {
		if !p.Required {
			continue
		}
		switch v := input[p.Name].(type) {
		case nil:
			out = append(out, p.Name)
		case string:
			if v == "" {
				out = append(out, p.Name)
			}
		}
	}
	return out
}

// Validate checks that required parameters are present and typed correctly.
func (d Descriptor) Validate(input map[string]any) error {
	for _, p := range d.Params {
		v, ok := input[p.Name]
		if !ok || v == nil {
			if p.Required {
				return NewError(d.Name, CodeInvalidInput, fmt.Sprintf("%s is required", p.Name))
			}
			continue
		}
		if !matchesType(p.Type, v) {
			return NewError(d.Name, CodeInvalidInput, fmt.Sprintf("%s must be of type %s", p.Name, p.Type))
		}
		if s, isString := v.(string); isString && p.Required && s == "" {
			return NewError(d.Name, CodeInvalidInput, fmt.Sprintf("%s is required", p.Name))
		}
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		return true
	}
}

// Call is a proposed tool invocation. It is immutable once created: the
// input is copied on the way in and on the way out.
type Call struct {
	id    string
	name  string
	input map[string]any
}

// NewCall creates a call with its own copy of input.
func NewCall(id, name string, input map[string]any) Call {
	return Call{id: id, name: name, input: cloneMap(input)}
}

// ID returns the call id.
func (c Call) ID() string { return c.id }

// Name returns the tool name.
func (c Call) Name() string { return c.name }

// Input returns a copy of the call input.
func (c Call) Input() map[string]any { return cloneMap(c.input) }

// MarshalJSON renders the call as {"id", "name", "input"}.
func (c Call) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}{c.id, c.name, c.input})
}

// Invocation scopes a call to the family and user it runs for.
type Invocation struct {
	FamilyID string
	UserID   string
	Call     Call
}

// Handler executes one tool.
type Handler func(ctx context.Context, inv Invocation) (any, error)

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry is the tool catalogue.
type Registry struct {
	tools map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(d Descriptor, h Handler) error {
	if d.Name == "" || h == nil {
		return errors.New("tool name and handler are required")
	}
	if _, ok := r.tools[d.Name]; ok {
		return fmt.Errorf("tool %s already registered", d.Name)
	}
	r.tools[d.Name] = entry{desc: d, handler: h}
	return nil
}

// Describe returns the descriptor of a tool.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	e, ok := r.tools[name]
	return e.desc, ok
}

// Descriptors lists all tools sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates the input and runs the tool handler.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (any, error) {
	e, ok := r.tools[inv.Call.Name()]
	if !ok {
		return nil, NewError(inv.Call.Name(), CodeUnknownTool, "tool is not registered")
	}
	if err := e.desc.Validate(inv.Call.input); err != nil {
		return nil, err
	}
	return e.handler(ctx, inv)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

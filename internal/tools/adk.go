package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
)

// Executor runs a single call through the autonomy gate and execution
// pipeline and returns the rendered result.
type Executor interface {
	ExecuteCall(ctx context.Context, familyID, userID string, call Call) (map[string]any, error)
}

// BuildADKTools exposes every catalogue tool as an ADK function tool bound to
// one family and user. Calls made by an ADK agent go through exec, so they
// are gated, budgeted and audited like planner-proposed calls.
func BuildADKTools(reg *Registry, exec Executor, familyID, userID string) ([]tool.Tool, error) {
	descriptors := reg.Descriptors()
	out := make([]tool.Tool, 0, len(descriptors))

	for _, d := range descriptors {
		name := d.Name
		handler := func(ctx tool.Context, args map[string]any) (map[string]any, error) {
			return exec.ExecuteCall(ctx, familyID, userID, NewCall(uuid.NewString(), name, args))
		}

		t, err := functiontool.New(functiontool.Config{
			Name:        d.Name,
			Description: d.Description,
		}, handler)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tool: %w", d.Name, err)
		}
		out = append(out, t)
	}

	return out, nil
}

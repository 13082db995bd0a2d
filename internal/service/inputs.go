package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/family-agent/internal/tools"
)

var errNoObject = errors.New("reply holds no JSON object")

var inputPromptTmpl = template.Must(template.New("inputPrompt").Parse(`You fill in tool arguments for a family assistant.

Tool: {{.Tool}}
Description: {{.Description}}
Parameters (JSON schema):
{{.Schema}}
{{- if .Known}}

Already known:
{{.Known}}
{{- end}}

Request: {{.Message}}

Reply with one JSON object holding the parameters the request states. Leave
out anything the request does not say. Write dates and times as RFC3339.
`))

type inputData struct {
	Tool        string
	Description string
	Schema      string
	Known       string
	Message     string
}

// fillInputs asks the model for the arguments of calls that lack required
// inputs. Values the request supplied win over generated ones. A call the
// model cannot complete is returned as is and stops at the pipeline.
func (a *Agent) fillInputs(ctx context.Context, req Request, calls []tools.Call) []tools.Call {
	if a.deps.Generator == nil || a.deps.Tools == nil {
		return calls
	}
	ctx, span := tracer.Start(ctx, "tools.fill_inputs")
	defer span.End()

	out := slices.Clone(calls)
	var (
		g      errgroup.Group
		filled atomic.Int32
	)
	for i, call := range calls {
		d, ok := a.deps.Tools.Describe(call.Name())
		if !ok || len(d.Missing(call.Input())) == 0 {
			continue
		}
		g.Go(func() error {
			input, err := a.generateInput(ctx, req.Message, d, call.Input())
			if err != nil {
				log.Warn().Err(err).Str("tool", call.Name()).Str("family_id", req.FamilyID).Msg("failed to generate tool input")
				return nil
			}
			out[i] = tools.NewCall(call.ID(), call.Name(), input)
			filled.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("tools.filled", int(filled.Load())))
	return out
}

func (a *Agent) generateInput(ctx context.Context, message string, d tools.Descriptor, known map[string]any) (map[string]any, error) {
	schema, err := json.MarshalIndent(d.Schema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	data := inputData{Tool: d.Name, Description: d.Description, Schema: string(schema), Message: message}
	if k := declared(d, known); len(k) > 0 {
		b, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("failed to encode known input: %w", err)
		}
		data.Known = string(b)
	}

	text, err := a.deps.Generator.Generate(ctx, render(inputPromptTmpl, data))
	if err != nil {
		return nil, err
	}
	generated, err := parseObject(text)
	if err != nil {
		return nil, err
	}

	merged := declared(d, generated)
	for k, v := range known {
		if s, isString := v.(string); v == nil || (isString && s == "") {
			continue
		}
		merged[k] = v
	}
	return merged, nil
}

// parseObject decodes the outermost JSON object in a model reply, which may
// be wrapped in prose or a code fence.
func parseObject(text string) (map[string]any, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errNoObject
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, fmt.Errorf("failed to decode generated input: %w", err)
	}
	return obj, nil
}

// declared keeps the entries of m that name one of d's parameters.
func declared(d tools.Descriptor, m map[string]any) map[string]any {
	out := make(map[string]any, len(d.Params))
	for _, p := range d.Params {
		if v, ok := m[p.Name]; ok && v != nil {
			out[p.Name] = v
		}
	}
	return out
}

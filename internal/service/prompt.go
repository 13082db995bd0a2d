package service

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/easeaico/family-agent/internal/execution"
)

// historyTurns is how many prior turns the reply prompt includes.
const historyTurns = 6

var funcs = template.FuncMap{"join": strings.Join}

var replyPromptTmpl = template.Must(template.New("replyPrompt").Funcs(funcs).Parse(`You are Allie, a warm and concise family assistant.
Reply to the family member in two or three sentences. Mention what was done,
what is waiting for their confirmation and anything that failed. Do not invent
actions that are not listed.
{{- if .History}}

Recent conversation:
{{- range .History}}
{{.Role}}: {{.Content}}
{{- end}}
{{- end}}

Request: {{.Message}}

Actions:
{{- range .Results}}
- {{.ToolName}}: {{.Status}}{{if .Error}} ({{.Error.Message}}){{end}}
{{- else}}
- none
{{- end}}
{{- if .Clarify}}

The request was unclear. Ask one short clarifying question.
{{- end}}
`))

var fallbackReplyTmpl = template.Must(template.New("fallbackReply").Funcs(funcs).Parse(
	`{{- if not .Results}}I'm not sure how to help with that yet. Could you tell me a bit more?
{{- else}}
{{- if .Executed}}Done: {{join .Executed ", "}}.{{end}}
{{- if .Pending}} Waiting for your confirmation: {{join .Pending ", "}}.{{end}}
{{- if .Failed}} I couldn't complete: {{join .Failed ", "}}.{{end}}
{{- if .NeedsInput}} I need a few more details for {{join .NeedsInput "; "}}.{{end}}
{{- if .Skipped}} Skipped because the request had too many actions: {{join .Skipped ", "}}.{{end}}
{{- end}}`))

type replyData struct {
	Message  string
	History  []Message
	Results  []execution.Result
	Clarify  bool
	Executed []string
	Pending  []string
	Failed   []string
	// NeedsInput reads "tool (field, field)" per call.
	NeedsInput []string
	Skipped    []string
}

func newReplyData(req Request, results []execution.Result, clarify bool) replyData {
	d := replyData{Message: req.Message, Results: results, Clarify: clarify}
	if n := len(req.ConversationHistory); n > historyTurns {
		d.History = req.ConversationHistory[n-historyTurns:]
	} else {
		d.History = req.ConversationHistory
	}
	for _, r := range results {
		switch r.Status {
		case execution.StatusExecuted:
			d.Executed = append(d.Executed, r.ToolName)
		case execution.StatusAwaitingConfirmation:
			d.Pending = append(d.Pending, r.ToolName)
		case execution.StatusFailed:
			d.Failed = append(d.Failed, r.ToolName)
		case execution.StatusBudgetExceeded:
			d.Skipped = append(d.Skipped, r.ToolName)
		case execution.StatusNeedsInput:
			d.NeedsInput = append(d.NeedsInput, fmt.Sprintf("%s (%s)", r.ToolName, strings.Join(missingFields(r), ", ")))
		}
	}
	return d
}

func missingFields(r execution.Result) []string {
	out, _ := r.Output.(map[string]any)
	fields, _ := out["missingFields"].([]string)
	return fields
}

func render(t *template.Template, d any) string {
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

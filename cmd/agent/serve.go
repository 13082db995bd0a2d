package main

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/memory"
	"github.com/easeaico/family-agent/internal/tools"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [-- launcher args]",
		Short: "Run the agent under the ADK launcher (console, web or API)",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireScope(); err != nil {
				return err
			}
			if opts.cfg.LLM.APIKey == "" {
				return errors.New("serve requires llm.api_key or GOOGLE_API_KEY")
			}
			return opts.withApp(cmd, func(a *app) error {
				ctx := cmd.Context()

				adkTools, err := tools.BuildADKTools(a.registry, a.agent, opts.familyID, opts.userID)
				if err != nil {
					return err
				}

				level, err := a.gate.AutonomyLevel(ctx, opts.familyID, opts.userID)
				if err != nil {
					log.Warn().Err(err).Msg("failed to load autonomy level")
					level = autonomy.Assisted
				}

				model, err := gemini.NewModel(ctx, opts.cfg.LLM.ChatModel, &genai.ClientConfig{
					APIKey:  opts.cfg.LLM.APIKey,
					Backend: genai.BackendGeminiAPI,
				})
				if err != nil {
					return fmt.Errorf("failed to create LLM model: %w", err)
				}

				llmAgent, err := llmagent.New(llmagent.Config{
					Name:        "family_agent",
					Description: "Coordinates schedules, tasks, lists and messages for a family",
					Model:       model,
					Instruction: buildSystemPrompt(level, a.registry.Descriptors()),
					Tools:       adkTools,
				})
				if err != nil {
					return fmt.Errorf("failed to create agent: %w", err)
				}

				config := &launcher.Config{
					AgentLoader:   agent.NewSingleLoader(llmAgent),
					MemoryService: memory.NewADKService(a.memory, opts.familyID),
				}
				l := full.NewLauncher()
				if err := l.Execute(ctx, config, args); err != nil {
					return fmt.Errorf("failed to run agent: %w\n\n%s", err, l.CommandLineSyntax())
				}
				return nil
			})
		},
	}
}

var systemPromptTmpl = template.Must(template.New("systemPrompt").Funcs(template.FuncMap{"inc": inc}).Parse(`
You are Allie, a warm and practical assistant for a busy family.
You help with calendars, tasks, shopping lists, meals, places and messages.

The current autonomy level is {{.Level}}.
{{- if eq .Level "MANUAL"}} Every action you take is queued for the family member to confirm.
{{- else if eq .Level "AUTONOMOUS"}} Routine actions run directly; risky ones still need confirmation.
{{- else}} Actions you are unsure about are queued for confirmation.
{{- end}}

Available tools:
{{- range $idx, $t := .Tools}}
{{printf "%d. %s: %s" (inc $idx) $t.Name $t.Description}}{{if $t.MutatesState}} (changes existing data){{end}}
{{- end}}

When answering:
- Use a tool instead of guessing about family data
- If a tool result says it is awaiting confirmation, tell the user what is waiting and why
- Never claim an action was done unless its tool result says executed
- Keep replies short and friendly
`))

func inc(i int) int { return i + 1 }

// buildSystemPrompt renders the instruction for the ADK agent.
func buildSystemPrompt(level autonomy.Level, descriptors []tools.Descriptor) string {
	data := struct {
		Level string
		Tools []tools.Descriptor
	}{
		Level: level.String(),
		Tools: descriptors,
	}

	var buf bytes.Buffer
	_ = systemPromptTmpl.Execute(&buf, data)
	return buf.String()
}

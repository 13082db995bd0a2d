// Package reasoning turns a message and its recalled memory into a tool plan
// through a fixed sequence of rule-based steps.
package reasoning

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/easeaico/family-agent/internal/keywords"
	"github.com/easeaico/family-agent/internal/memory"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
	"github.com/easeaico/family-agent/internal/worker"
)

var (
	temporalPattern = regexp.MustCompile(`(?i)tomorrow|today|next week|monday|tuesday|wednesday|thursday|friday|saturday|sunday|\d{1,2}(:\d{2})?\s*(am|pm)?`)
	entityPattern   = regexp.MustCompile(`[A-Z][a-z]+`)
)

const (
	precedentMinSuccess = 0.7
	alternativesBelow   = 0.7
	secondsPerTool      = 2 * time.Second
	minSegmentLength    = 5
	moderateSegmentSize = 10
)

// RequestContext is the caller-supplied context of a request.
type RequestContext struct {
	FamilyID string
	UserID   string
	// ToolInputs holds explicit inputs per tool name.
	ToolInputs map[string]map[string]any
}

// Catalogue declares which tools mutate shared state.
type Catalogue interface {
	Describe(name string) (tools.Descriptor, bool)
}

// ScheduleChecker reports whether a planned event collides with the
// family's calendar. input is the create_event input, possibly nil.
type ScheduleChecker interface {
	HasConflict(ctx context.Context, familyID string, input map[string]any) (bool, error)
}

// ReasoningLog persists chains for later analysis.
type ReasoningLog interface {
	AddReasoning(ctx context.Context, r store.ReasoningRecord) error
}

// Options wires the engine's collaborators. All are optional.
type Options struct {
	Catalogue Catalogue
	Schedule  ScheduleChecker
	Log       ReasoningLog
	// Pool receives chain log writes. Without a pool they run inline.
	Pool *worker.Pool
}

// Engine is the rule-based planner.
type Engine struct {
	rules *Rules
	opts  Options
	now   func() time.Time
}

// New creates an engine. A nil rules table uses the embedded defaults.
func New(rules *Rules, opts Options) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{rules: rules, opts: opts, now: time.Now}
}

// Reason builds the reasoning chain for message.
func (e *Engine) Reason(ctx context.Context, message string, rc RequestContext, mem memory.Context) Chain {
	chain := Chain{Request: message, CreatedAt: e.now()}

	intent := e.analyzeIntent(message)
	chain.Intent = intent
	chain.Steps = append(chain.Steps, Step{
		Step:      StepIntent,
		Result:    intent,
		Reasoning: fmt.Sprintf("Identified primary intent: %s, complexity: %s", intent.Primary, intent.Complexity),
	})

	if precedents := findPrecedents(intent, mem.Procedural); len(precedents) > 0 {
		chain.Precedents = precedents
		chain.Steps = append(chain.Steps, Step{
			Step:      StepPrecedent,
			Result:    precedents,
			Reasoning: fmt.Sprintf("Found %d similar past interactions with %.0f%% success rate", len(precedents), precedents[0].SuccessRate*100),
		})
	}

	if intent.Complexity == Complex {
		chain.SubTasks = e.decompose(message, intent)
		chain.Steps = append(chain.Steps, Step{
			Step:      StepDecompose,
			Result:    chain.SubTasks,
			Reasoning: fmt.Sprintf("Decomposed into %d sub-tasks for sequential execution", len(chain.SubTasks)),
		})
	}

	plan := e.planTools(intent)
	chain.Plan = plan
	chain.Steps = append(chain.Steps, Step{
		Step:      StepToolPlan,
		Result:    plan,
		Reasoning: fmt.Sprintf("Identified %d tools needed: %s", len(plan.Tools), strings.Join(plan.Names(), ", ")),
	})

	chain.Constraints = e.checkConstraints(ctx, plan, rc)
	chain.SuggestedTools = plan.Tools
	if chain.Constraints.HasConflicts() {
		conflicts := make([]string, len(chain.Constraints.Conflicts))
		for i, c := range chain.Constraints.Conflicts {
			conflicts[i] = c.Message
		}
		chain.Steps = append(chain.Steps, Step{
			Step:      StepConstraints,
			Result:    chain.Constraints,
			Reasoning: fmt.Sprintf("Found conflicts: %s. Need resolution strategy.", strings.Join(conflicts, ", ")),
		})

		res := e.resolve(chain.Constraints, plan)
		chain.Resolution = &res
		chain.RequiresConfirmation = res.RequiresConfirmation
		chain.SuggestedTools = res.Plan.Tools
		chain.Steps = append(chain.Steps, Step{
			Step:      StepResolution,
			Result:    res,
			Reasoning: strings.Join(res.Strategies, "; "),
		})
	}

	chain.Reflection = e.reflect(chain)
	chain.Confidence = chain.Reflection.Confidence
	chain.Steps = append(chain.Steps, Step{
		Step:      StepReflection,
		Result:    chain.Reflection,
		Reasoning: fmt.Sprintf("Overall confidence %.2f", chain.Confidence),
	})

	if chain.Confidence < alternativesBelow {
		chain.Alternatives = alternatives(intent, chain.SuggestedTools)
		chain.Steps = append(chain.Steps, Step{
			Step:      StepAlternatives,
			Result:    chain.Alternatives,
			Reasoning: fmt.Sprintf("Generated %d alternative approaches due to low confidence (%.2f)", len(chain.Alternatives), chain.Confidence),
		})
	}

	e.persist(ctx, chain, rc)
	return chain
}

func (e *Engine) analyzeIntent(message string) Intent {
	text := keywords.New(message)
	found := e.rules.intents(text)

	intent := Intent{
		Primary:     "general",
		Secondary:   []string{},
		Temporal:    temporalPattern.MatchString(message),
		EntityCount: len(entityPattern.FindAllStringIndex(message, -1)),
		Complexity:  Simple,
		Confidence:  0.5,
	}
	if len(found) > 0 {
		intent.Primary = found[0]
		intent.Secondary = found[1:]
		intent.Confidence = 0.8
	}

	marker := false
	for _, m := range e.rules.ComplexityMarkers {
		if text.HasWord(m) {
			marker = true
			break
		}
	}
	switch {
	case len(found) > 1 || marker:
		intent.Complexity = Complex
	case intent.EntityCount > 3 || utf8.RuneCountInString(message) > 100:
		intent.Complexity = Moderate
	}
	return intent
}

func findPrecedents(intent Intent, patterns []store.Pattern) []Precedent {
	var out []Precedent
	for _, p := range patterns {
		if p.Intent != intent.Primary || p.SuccessRate <= precedentMinSuccess {
			continue
		}
		out = append(out, Precedent{
			PatternID:      p.ID,
			Trigger:        p.Trigger,
			Actions:        p.Actions,
			SuccessRate:    p.SuccessRate,
			ExecutionCount: p.ExecutionCount,
		})
	}
	return out
}

// decompose splits a complex message into dependent sub-tasks. Each kept
// segment depends on the one before it.
func (e *Engine) decompose(message string, intent Intent) []SubTask {
	var subTasks []SubTask
	for _, seg := range e.rules.split(message) {
		seg = strings.TrimSpace(seg)
		if utf8.RuneCountInString(seg) <= minSegmentLength {
			continue
		}
		st := SubTask{
			Order:               len(subTasks) + 1,
			Description:         seg,
			Dependencies:        []int{},
			EstimatedComplexity: Simple,
		}
		if len(subTasks) > 0 {
			st.Dependencies = []int{len(subTasks)}
		}
		if len(strings.Fields(seg)) > moderateSegmentSize {
			st.EstimatedComplexity = Moderate
		}
		subTasks = append(subTasks, st)
	}

	if len(subTasks) < 2 {
		return []SubTask{{
			Order:               1,
			Description:         message,
			Dependencies:        []int{},
			EstimatedComplexity: intent.Complexity,
		}}
	}
	return subTasks
}

func (e *Engine) planTools(intent Intent) ToolPlan {
	var planned []PlannedTool
	seen := make(map[string]bool)
	add := func(intentName, priority string) {
		for _, name := range e.rules.Tools[intentName] {
			if seen[name] {
				continue
			}
			seen[name] = true
			planned = append(planned, PlannedTool{Name: name, Priority: priority})
		}
	}

	add(intent.Primary, PriorityPrimary)
	for _, s := range intent.Secondary {
		add(s, PrioritySecondary)
	}
	return e.finishPlan(planned)
}

// finishPlan fills in the execution mode and duration estimate.
func (e *Engine) finishPlan(planned []PlannedTool) ToolPlan {
	if planned == nil {
		planned = []PlannedTool{}
	}
	plan := ToolPlan{
		Tools:             planned,
		Mode:              Sequential,
		EstimatedDuration: time.Duration(len(planned)) * secondsPerTool,
	}
	if len(planned) > 1 && !e.anyMutating(planned) {
		plan.Mode = Parallel
	}
	return plan
}

// anyMutating reports whether any planned tool mutates shared state. Tools
// the catalogue does not know are treated as mutating.
func (e *Engine) anyMutating(planned []PlannedTool) bool {
	if e.opts.Catalogue == nil {
		return true
	}
	for _, t := range planned {
		d, ok := e.opts.Catalogue.Describe(t.Name)
		if !ok || d.MutatesState {
			return true
		}
	}
	return false
}

func (e *Engine) checkConstraints(ctx context.Context, plan ToolPlan, rc RequestContext) Constraints {
	c := Constraints{Conflicts: []Conflict{}}

	if e.opts.Schedule != nil && plan.has("create_event") {
		conflict, err := e.opts.Schedule.HasConflict(ctx, rc.FamilyID, rc.ToolInputs["create_event"])
		if err != nil {
			log.Warn().Err(err).Str("family_id", rc.FamilyID).Msg("calendar conflict check failed")
		}
		if conflict {
			c.Conflicts = append(c.Conflicts, Conflict{
				Kind:       ConflictCalendar,
				Message:    "Calendar conflict detected",
				Suggestion: "Reschedule or ask for confirmation",
			})
		}
	}

	for _, t := range plan.Tools {
		if e.rules.restricted[t.Name] {
			c.Conflicts = append(c.Conflicts, Conflict{
				Kind:       ConflictPermission,
				Message:    "Action requires elevated permissions",
				Suggestion: "Request confirmation from family admin",
			})
			break
		}
	}

	if len(plan.Tools) > e.rules.MaxTools {
		c.Conflicts = append(c.Conflicts, Conflict{
			Kind:       ConflictOverflow,
			Message:    "Too many operations requested",
			Suggestion: "Break into smaller requests",
		})
	}
	return c
}

func (p ToolPlan) has(name string) bool {
	for _, t := range p.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) resolve(c Constraints, plan ToolPlan) Resolution {
	res := Resolution{Plan: plan}
	for _, conflict := range c.Conflicts {
		switch conflict.Kind {
		case ConflictCalendar:
			res.Strategies = append(res.Strategies, "Will check for alternative time slots and suggest options")
			res.RequiresConfirmation = true
		case ConflictPermission:
			res.Strategies = append(res.Strategies, "Will request confirmation before executing restricted actions")
			res.RequiresConfirmation = true
		case ConflictOverflow:
			res.Strategies = append(res.Strategies, "Will execute high-priority actions first, then ask about remaining")
			var primary []PlannedTool
			for _, t := range res.Plan.Tools {
				if t.Priority == PriorityPrimary {
					primary = append(primary, t)
				}
			}
			res.Plan = e.finishPlan(primary)
		}
	}
	return res
}

func (e *Engine) reflect(chain Chain) Reflection {
	r := Reflection{Strengths: []string{}, Weaknesses: []string{}, Improvements: []string{}}
	score := 0.5

	if len(chain.Precedents) > 0 {
		score += 0.2
		r.Strengths = append(r.Strengths, "Found successful precedents")
	}
	n := len(chain.SuggestedTools)
	if n > 0 && n <= 3 {
		score += 0.15
		r.Strengths = append(r.Strengths, "Clear tool selection")
	}
	if !chain.Constraints.HasConflicts() {
		score += 0.1
		r.Strengths = append(r.Strengths, "No conflicts detected")
	}
	if n == 0 {
		score -= 0.2
		r.Weaknesses = append(r.Weaknesses, "No clear tools identified")
		r.Improvements = append(r.Improvements, "Need more context or clarification")
	}
	if len(chain.SubTasks) > e.rules.MaxSubTasks {
		score -= 0.1
		r.Weaknesses = append(r.Weaknesses, "Very complex multi-step task")
		r.Improvements = append(r.Improvements, "Consider breaking into separate requests")
	}

	r.Confidence = clamp(score)
	if r.Confidence < alternativesBelow {
		r.Improvements = append(r.Improvements, "Consider asking user for clarification", "Review alternative approaches")
	}
	return r
}

func alternatives(intent Intent, suggested []PlannedTool) []Alternative {
	names := make([]string, len(suggested))
	for i, t := range suggested {
		names[i] = t.Name
	}

	out := []Alternative{{
		Approach:    "clarification",
		Description: "Ask user for more specific information",
		Tools:       []string{"send_notification"},
		Confidence:  0.9,
		Reasoning:   "Getting clarification ensures correct action",
	}}
	if len(names) > 2 {
		out = append(out, Alternative{
			Approach:    "simplified",
			Description: "Execute only the primary action",
			Tools:       names[:1],
			Confidence:  0.7,
			Reasoning:   "Simpler approach less likely to have errors",
		})
	}
	if intent.Primary != "information" {
		out = append(out, Alternative{
			Approach:    "information_first",
			Description: "Gather information before taking action",
			Tools:       append([]string{"read_data"}, names...),
			Confidence:  0.6,
			Reasoning:   "More information leads to better decisions",
		})
	}
	return out
}

func (e *Engine) persist(ctx context.Context, chain Chain, rc RequestContext) {
	if e.opts.Log == nil || rc.FamilyID == "" {
		return
	}
	steps := make([]map[string]any, len(chain.Steps))
	for i, s := range chain.Steps {
		steps[i] = map[string]any{"step": s.Step, "result": s.Result, "reasoning": s.Reasoning}
	}
	names := make([]string, len(chain.SuggestedTools))
	for i, t := range chain.SuggestedTools {
		names[i] = t.Name
	}
	rec := store.ReasoningRecord{
		ID:         uuid.NewString(),
		FamilyID:   rc.FamilyID,
		UserID:     rc.UserID,
		Message:    chain.Request,
		Intent:     chain.Intent.Primary,
		Complexity: string(chain.Intent.Complexity),
		Confidence: chain.Confidence,
		Tools:      names,
		Steps:      steps,
		CreatedAt:  chain.CreatedAt,
	}

	task := func(ctx context.Context) error { return e.opts.Log.AddReasoning(ctx, rec) }
	if e.opts.Pool != nil {
		e.opts.Pool.Submit("reasoning.persist", task)
		return
	}
	if err := task(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Str("family_id", rc.FamilyID).Msg("failed to store reasoning chain")
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

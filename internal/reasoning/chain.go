package reasoning

import "time"

// Complexity grades a request.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

// ExecutionMode says whether planned tools may run concurrently.
type ExecutionMode string

const (
	Sequential ExecutionMode = "sequential"
	Parallel   ExecutionMode = "parallel"
)

// Tool priorities inside a plan.
const (
	PriorityPrimary   = "primary"
	PrioritySecondary = "secondary"
)

// Step names, in the order they can appear in a chain.
const (
	StepIntent       = "intent_analysis"
	StepPrecedent    = "precedent_check"
	StepDecompose    = "task_decomposition"
	StepToolPlan     = "tool_planning"
	StepConstraints  = "constraint_check"
	StepResolution   = "conflict_resolution"
	StepReflection   = "reflection"
	StepAlternatives = "alternative_generation"
)

// Step is one entry of the reasoning trace.
type Step struct {
	Step      string `json:"step"`
	Result    any    `json:"result"`
	Reasoning string `json:"reasoning"`
}

// Intent is the keyword analysis of a message.
type Intent struct {
	Primary     string     `json:"primary"`
	Secondary   []string   `json:"secondary"`
	Temporal    bool       `json:"hasTemporalReference"`
	EntityCount int        `json:"entityCount"`
	Complexity  Complexity `json:"complexity"`
	Confidence  float64    `json:"confidence"`
}

// Precedent is a successful procedural pattern with the same intent.
type Precedent struct {
	PatternID      string   `json:"patternId"`
	Trigger        string   `json:"trigger"`
	Actions        []string `json:"toolsUsed"`
	SuccessRate    float64  `json:"successRate"`
	ExecutionCount int      `json:"executionCount"`
}

// SubTask is one segment of a decomposed request.
type SubTask struct {
	Order               int        `json:"order"`
	Description         string     `json:"description"`
	Dependencies        []int      `json:"dependencies"`
	EstimatedComplexity Complexity `json:"estimatedComplexity"`
}

// PlannedTool is a tool chosen for the request.
type PlannedTool struct {
	Name     string `json:"name"`
	Priority string `json:"priority"`
}

// ToolPlan is the ordered tool selection.
type ToolPlan struct {
	Tools             []PlannedTool `json:"tools"`
	Mode              ExecutionMode `json:"sequence"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// Names returns the planned tool names in order.
func (p ToolPlan) Names() []string {
	out := make([]string, len(p.Tools))
	for i, t := range p.Tools {
		out[i] = t.Name
	}
	return out
}

// ConflictKind classifies a plan constraint.
type ConflictKind string

const (
	ConflictCalendar   ConflictKind = "calendar"
	ConflictPermission ConflictKind = "permission"
	ConflictOverflow   ConflictKind = "overflow"
)

// Conflict is one detected constraint.
type Conflict struct {
	Kind       ConflictKind `json:"kind"`
	Message    string       `json:"message"`
	Suggestion string       `json:"suggestion"`
}

// Constraints are the conflicts found for a plan.
type Constraints struct {
	Conflicts []Conflict `json:"conflicts"`
}

// HasConflicts reports whether any conflict was found.
func (c Constraints) HasConflicts() bool {
	return len(c.Conflicts) > 0
}

// Resolution is the strategy chosen for the conflicts.
type Resolution struct {
	Strategies           []string `json:"strategies"`
	RequiresConfirmation bool     `json:"requiresConfirmation"`
	Plan                 ToolPlan `json:"modifiedPlan"`
}

// Reflection is the self-assessment of a chain.
type Reflection struct {
	Confidence   float64  `json:"confidence"`
	Strengths    []string `json:"strengths"`
	Weaknesses   []string `json:"weaknesses"`
	Improvements []string `json:"improvements"`
}

// Alternative is a fallback approach offered for low-confidence chains.
type Alternative struct {
	Approach    string   `json:"approach"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
}

// Chain is the full result of reasoning about one message.
type Chain struct {
	Request              string        `json:"request"`
	Steps                []Step        `json:"steps"`
	Intent               Intent        `json:"intent"`
	Precedents           []Precedent   `json:"precedents"`
	SubTasks             []SubTask     `json:"subTasks"`
	Plan                 ToolPlan      `json:"toolPlan"`
	Constraints          Constraints   `json:"constraints"`
	Resolution           *Resolution   `json:"resolution,omitempty"`
	Reflection           Reflection    `json:"reflection"`
	Confidence           float64       `json:"confidence"`
	SuggestedTools       []PlannedTool `json:"suggestedTools"`
	Alternatives         []Alternative `json:"alternativeApproaches"`
	RequiresConfirmation bool          `json:"requiresConfirmation"`
	CreatedAt            time.Time     `json:"timestamp"`
}

// StepNames lists the chain's step names in order.
func (c Chain) StepNames() []string {
	out := make([]string, len(c.Steps))
	for i, s := range c.Steps {
		out[i] = s.Step
	}
	return out
}

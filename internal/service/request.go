// Package service wires one family request through memory recall, planning,
// the autonomy gate, tool execution and reply generation.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/execution"
	"github.com/easeaico/family-agent/internal/reasoning"
)

var validate = validator.New()

// Message is one turn of the prior conversation.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// RequestContext carries caller-supplied hints about the request.
type RequestContext struct {
	// ToolInputs holds explicit inputs per tool name.
	ToolInputs   map[string]map[string]any `json:"toolInputs,omitempty"`
	Location     string                    `json:"location,omitempty"`
	Participants []string                  `json:"participants,omitempty"`
	Priority     string                    `json:"priority,omitempty"`
	Deadline     *time.Time                `json:"deadline,omitempty"`
}

// Request is one user message addressed to the agent.
type Request struct {
	Message             string         `json:"message" validate:"required,max=32768"`
	ConversationHistory []Message      `json:"conversationHistory,omitempty" validate:"max=100,dive"`
	UserID              string         `json:"userId" validate:"required"`
	FamilyID            string         `json:"familyId" validate:"required"`
	Context             RequestContext `json:"context"`
}

// Validate checks the request's required fields and limits.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid request: field %s failed %s", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// CallAnalysis is the gate verdict for one proposed call.
type CallAnalysis struct {
	CallID   string            `json:"callId"`
	ToolName string            `json:"toolName"`
	Decision autonomy.Decision `json:"decision"`
}

// ReasoningSummary is the part of the chain returned to callers.
type ReasoningSummary struct {
	Intent               string                  `json:"intent"`
	Complexity           reasoning.Complexity    `json:"complexity"`
	Confidence           float64                 `json:"confidence"`
	Steps                []reasoning.Step        `json:"steps"`
	SubTasks             []reasoning.SubTask     `json:"subTasks,omitempty"`
	Alternatives         []reasoning.Alternative `json:"alternativeApproaches,omitempty"`
	RequiresConfirmation bool                    `json:"requiresConfirmation"`
}

// Usage counts what a request consumed.
type Usage struct {
	ToolCalls      int           `json:"toolCalls"`
	Executed       int           `json:"executed"`
	Pending        int           `json:"pending"`
	Failed         int           `json:"failed"`
	NeedsInput     int           `json:"needsInput"`
	BudgetExceeded int           `json:"budgetExceeded"`
	Duration       time.Duration `json:"duration"`
}

// Response is the agent's answer to a request.
type Response struct {
	ResponseContent  string             `json:"responseContent"`
	ToolResults      []execution.Result `json:"toolResults"`
	AutonomyAnalysis []CallAnalysis     `json:"autonomyAnalysis"`
	Reasoning        ReasoningSummary   `json:"reasoning"`
	Usage            Usage              `json:"usage"`
	MemoryStored     bool               `json:"memoryStored"`
}

// RequestError is a request-level failure with an HTTP-style status.
type RequestError struct {
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func usageOf(results []execution.Result, elapsed time.Duration) Usage {
	u := Usage{ToolCalls: len(results), Duration: elapsed}
	for _, r := range results {
		switch r.Status {
		case execution.StatusExecuted:
			u.Executed++
		case execution.StatusAwaitingConfirmation:
			u.Pending++
		case execution.StatusBudgetExceeded:
			u.BudgetExceeded++
		case execution.StatusFailed:
			u.Failed++
		case execution.StatusNeedsInput:
			u.NeedsInput++
		}
	}
	return u
}

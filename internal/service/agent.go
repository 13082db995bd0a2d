package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/execution"
	"github.com/easeaico/family-agent/internal/llm"
	"github.com/easeaico/family-agent/internal/memory"
	"github.com/easeaico/family-agent/internal/metrics"
	"github.com/easeaico/family-agent/internal/reasoning"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
)

var tracer = otel.Tracer("family-agent/service")

// Memory is the recall side of the memory manager.
type Memory interface {
	Recall(ctx context.Context, familyID, query string) memory.Context
	UpdatePattern(ctx context.Context, patternID string, success bool) error
}

// Reasoner plans a message.
type Reasoner interface {
	Reason(ctx context.Context, message string, rc reasoning.RequestContext, mem memory.Context) reasoning.Chain
}

// Gate decides whether a call needs confirmation.
type Gate interface {
	Evaluate(ctx context.Context, call tools.Call, ac autonomy.ActionContext) autonomy.Decision
}

// Executor runs gated calls.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) *execution.Run
}

// Auditor records request-level failures.
type Auditor interface {
	AppendAudit(ctx context.Context, e store.AuditEntry) error
}

// Catalogue describes the tools calls are planned against.
type Catalogue interface {
	Describe(name string) (tools.Descriptor, bool)
}

// Deps are the agent's collaborators. Tools, Generator and Auditor may be
// nil. Without a generator replies come from a template and planned calls
// keep the inputs the request supplied.
type Deps struct {
	Memory    Memory
	Reasoner  Reasoner
	Gate      Gate
	Executor  Executor
	Tools     Catalogue
	Generator llm.Generator
	Auditor   Auditor
}

// Options configures an Agent.
type Options struct {
	// RequestTimeout bounds one Handle call (default 2m).
	RequestTimeout time.Duration
}

// Agent handles family requests end to end.
type Agent struct {
	deps Deps
	opts Options
}

// NewAgent creates an agent.
func NewAgent(deps Deps, opts Options) *Agent {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	return &Agent{deps: deps, opts: opts}
}

// Handle processes one request. Invalid requests fail with a 400
// *RequestError; any other failure is audited and returned as a 500
// *RequestError.
func (a *Agent) Handle(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	if verr := req.Validate(); verr != nil {
		metrics.RequestDuration.WithLabelValues("invalid").Observe(time.Since(start).Seconds())
		return nil, &RequestError{Status: http.StatusBadRequest, Message: "invalid request", Err: verr}
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "agent.Handle", trace.WithAttributes(
		attribute.String("family.id", req.FamilyID),
		attribute.String("user.id", req.UserID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			resp = nil
		}
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			a.auditFailure(ctx, req, err)
			err = &RequestError{Status: http.StatusInternalServerError, Message: "failed to process request", Err: err}
		}
		metrics.RequestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	return a.handle(ctx, req, start)
}

func (a *Agent) handle(ctx context.Context, req Request, start time.Time) (*Response, error) {
	mem := a.recall(ctx, req)

	chain := a.reason(ctx, req, mem)
	calls := reasoning.Propose(chain, req.Message, req.reasoningContext())
	calls = a.fillInputs(ctx, req, calls)

	decisions, err := a.evaluate(ctx, req, calls, chain.Intent.Temporal)
	if err != nil {
		return nil, err
	}

	run := a.execute(ctx, req, calls, decisions)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("request aborted after execution: %w", err)
	}

	a.updatePrecedents(ctx, chain, run.Results)

	content := a.reply(ctx, req, chain, run.Results)

	_, span := tracer.Start(ctx, "memory.record")
	stored := run.Record(ctx, content, chain.Intent.Primary)
	span.End()

	analysis := make([]CallAnalysis, len(calls))
	for i, c := range calls {
		analysis[i] = CallAnalysis{CallID: c.ID(), ToolName: c.Name(), Decision: decisions[i]}
	}

	return &Response{
		ResponseContent:  content,
		ToolResults:      run.Results,
		AutonomyAnalysis: analysis,
		Reasoning: ReasoningSummary{
			Intent:               chain.Intent.Primary,
			Complexity:           chain.Intent.Complexity,
			Confidence:           chain.Confidence,
			Steps:                chain.Steps,
			SubTasks:             chain.SubTasks,
			Alternatives:         chain.Alternatives,
			RequiresConfirmation: chain.RequiresConfirmation,
		},
		Usage:        usageOf(run.Results, time.Since(start)),
		MemoryStored: stored,
	}, nil
}

func (a *Agent) recall(ctx context.Context, req Request) memory.Context {
	ctx, span := tracer.Start(ctx, "memory.recall")
	defer span.End()
	if a.deps.Memory == nil {
		return memory.Context{}
	}
	mem := a.deps.Memory.Recall(ctx, req.FamilyID, req.Message)
	span.SetAttributes(
		attribute.Int("memory.working", len(mem.Working)),
		attribute.Int("memory.episodic", len(mem.Episodic)),
		attribute.Int("memory.semantic", len(mem.Semantic)),
		attribute.Int("memory.procedural", len(mem.Procedural)),
	)
	return mem
}

func (a *Agent) reason(ctx context.Context, req Request, mem memory.Context) reasoning.Chain {
	ctx, span := tracer.Start(ctx, "reasoning.reason")
	defer span.End()
	chain := a.deps.Reasoner.Reason(ctx, req.Message, req.reasoningContext(), mem)
	span.SetAttributes(
		attribute.String("reasoning.intent", chain.Intent.Primary),
		attribute.String("reasoning.complexity", string(chain.Intent.Complexity)),
		attribute.Float64("reasoning.confidence", chain.Confidence),
		attribute.Int("reasoning.tools", len(chain.SuggestedTools)),
	)
	log.Debug().Str("family_id", req.FamilyID).Str("intent", chain.Intent.Primary).
		Float64("confidence", chain.Confidence).Strs("tools", chain.Plan.Names()).Msg("reasoning complete")
	return chain
}

// evaluate gates every call concurrently. Decisions line up with calls.
func (a *Agent) evaluate(ctx context.Context, req Request, calls []tools.Call, temporal bool) ([]autonomy.Decision, error) {
	ctx, span := tracer.Start(ctx, "autonomy.evaluate", trace.WithAttributes(attribute.Int("calls", len(calls))))
	defer span.End()

	decisions := make([]autonomy.Decision, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			decisions[i] = a.deps.Gate.Evaluate(gctx, call, actionContext(req.FamilyID, req.UserID, req.Context, call, temporal))
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("autonomy evaluation aborted: %w", err)
	}
	return decisions, nil
}

func (a *Agent) execute(ctx context.Context, req Request, calls []tools.Call, decisions []autonomy.Decision) *execution.Run {
	ctx, span := tracer.Start(ctx, "execution.execute")
	defer span.End()
	run := a.deps.Executor.Execute(ctx, execution.Request{
		FamilyID:  req.FamilyID,
		UserID:    req.UserID,
		Message:   req.Message,
		Calls:     calls,
		Decisions: decisions,
	})
	u := usageOf(run.Results, 0)
	span.SetAttributes(
		attribute.Int("tools.executed", u.Executed),
		attribute.Int("tools.pending", u.Pending),
		attribute.Int("tools.failed", u.Failed),
	)
	return run
}

// updatePrecedents folds this request's outcome into the patterns that
// informed the plan. Requests without an executed call change nothing.
func (a *Agent) updatePrecedents(ctx context.Context, chain reasoning.Chain, results []execution.Result) {
	if a.deps.Memory == nil || len(chain.Precedents) == 0 {
		return
	}
	ran, success := false, true
	for _, r := range results {
		switch r.Status {
		case execution.StatusExecuted:
			ran = true
		case execution.StatusFailed:
			ran = true
			success = false
		}
	}
	if !ran {
		return
	}
	for _, p := range chain.Precedents {
		if err := a.deps.Memory.UpdatePattern(ctx, p.PatternID, success); err != nil {
			log.Warn().Err(err).Str("pattern_id", p.PatternID).Msg("failed to update precedent")
		}
	}
}

// reply asks the model for a reply and falls back to a template.
func (a *Agent) reply(ctx context.Context, req Request, chain reasoning.Chain, results []execution.Result) string {
	ctx, span := tracer.Start(ctx, "response.generate")
	defer span.End()

	clarify := chain.Confidence < 0.7 || len(chain.SuggestedTools) == 0
	for _, r := range results {
		if r.Status == execution.StatusNeedsInput {
			clarify = true
		}
	}
	data := newReplyData(req, results, clarify)

	if a.deps.Generator != nil {
		text, err := a.deps.Generator.Generate(ctx, render(replyPromptTmpl, data))
		if err == nil && text != "" {
			return text
		}
		span.RecordError(err)
		log.Warn().Err(err).Str("family_id", req.FamilyID).Msg("reply generation failed, using template")
	}
	return render(fallbackReplyTmpl, data)
}

func (a *Agent) auditFailure(ctx context.Context, req Request, err error) {
	if a.deps.Auditor == nil {
		return
	}
	entry := store.AuditEntry{
		Action:    "request_failed",
		Details:   map[string]any{"error": err.Error(), "message": req.Message},
		UserID:    req.UserID,
		FamilyID:  req.FamilyID,
		Source:    "family_agent",
		Timestamp: time.Now(),
	}
	if aerr := a.deps.Auditor.AppendAudit(context.WithoutCancel(ctx), entry); aerr != nil {
		log.Error().Err(errors.Join(err, aerr)).Str("family_id", req.FamilyID).Msg("failed to audit request failure")
	}
}

// ExecuteCall gates and runs a single call outside the planner, as issued
// by an ADK model. It implements tools.Executor.
func (a *Agent) ExecuteCall(ctx context.Context, familyID, userID string, call tools.Call) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "agent.ExecuteCall", trace.WithAttributes(attribute.String("tool", call.Name())))
	defer span.End()

	d := a.deps.Gate.Evaluate(ctx, call, actionContext(familyID, userID, RequestContext{}, call, false))
	run := a.deps.Executor.Execute(ctx, execution.Request{
		FamilyID:  familyID,
		UserID:    userID,
		Calls:     []tools.Call{call},
		Decisions: []autonomy.Decision{d},
	})
	res := run.Results[0]

	out := map[string]any{
		"status":  string(res.Status),
		"success": res.Success,
	}
	if res.Output != nil {
		out["output"] = res.Output
	}
	if res.Error != nil {
		out["error"] = res.Error.Message
		out["code"] = res.Error.Code
	}
	if res.PendingID != "" {
		out["pendingActionId"] = res.PendingID
		out["reason"] = d.Reason
		out["suggestedAction"] = d.SuggestedAction
	}
	return out, nil
}

var _ tools.Executor = (*Agent)(nil)

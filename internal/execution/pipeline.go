// Package execution runs gated tool calls: it enforces the per-request
// budget, audits every admitted call, parks calls that need confirmation as
// pending actions and dispatches the rest to the tool catalogue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/memory"
	"github.com/easeaico/family-agent/internal/metrics"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
	"github.com/easeaico/family-agent/internal/worker"
)

var (
	// ErrAccessDenied is returned when a user resolves someone else's action.
	ErrAccessDenied = errors.New("access denied")
	// ErrAlreadyResolved is returned when a pending action is no longer pending.
	ErrAlreadyResolved = errors.New("pending action already resolved")
)

// Status is the outcome of one call.
type Status string

const (
	StatusExecuted             Status = "executed"
	StatusFailed               Status = "failed"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusBudgetExceeded       Status = "budget_exceeded"
	StatusRejected             Status = "rejected"
	// StatusNeedsInput marks a call that was not run because required
	// inputs are missing. It records no outcome.
	StatusNeedsInput Status = "needs_input"
)

// Store is the persistence the pipeline needs.
type Store interface {
	CreatePending(ctx context.Context, p store.PendingAction) error
	GetPending(ctx context.Context, id string) (*store.PendingAction, error)
	ResolvePending(ctx context.Context, id string, status store.PendingStatus) (bool, error)
	ListPending(ctx context.Context, familyID, userID string, since time.Time) ([]store.PendingAction, error)
	AppendAudit(ctx context.Context, e store.AuditEntry) error
}

// Catalogue describes and runs tools.
type Catalogue interface {
	Describe(name string) (tools.Descriptor, bool)
	Invoke(ctx context.Context, inv tools.Invocation) (any, error)
}

// Learner receives execution and confirmation outcomes.
type Learner interface {
	RecordOutcome(ctx context.Context, o autonomy.Outcome) error
	RecordConfirmation(ctx context.Context, familyID, userID, category string, approved bool) error
}

// Recorder writes an interaction back to memory.
type Recorder interface {
	Record(ctx context.Context, in memory.Interaction) bool
}

// Deps are the pipeline's collaborators. Learner and Memory may be nil.
type Deps struct {
	Store   Store
	Tools   Catalogue
	Learner Learner
	Memory  Recorder
	// Pool receives audit writes. Without a pool they run inline.
	Pool *worker.Pool
}

// Options bounds execution. Zero values take the defaults.
type Options struct {
	MaxToolCalls  int
	ToolTimeout   time.Duration
	PendingWindow time.Duration
	// Source labels audit entries.
	Source string
}

func (o *Options) withDefaults() {
	if o.MaxToolCalls <= 0 {
		o.MaxToolCalls = 8
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 30 * time.Second
	}
	if o.PendingWindow <= 0 {
		o.PendingWindow = 24 * time.Hour
	}
	if o.Source == "" {
		o.Source = "family_agent"
	}
}

// Request is a planned set of calls with one gate decision per call.
type Request struct {
	FamilyID  string
	UserID    string
	Message   string
	Calls     []tools.Call
	Decisions []autonomy.Decision
}

// Result is the outcome of one call, in plan order.
type Result struct {
	CallID     string        `json:"callId"`
	ToolName   string        `json:"toolName"`
	Status     Status        `json:"status"`
	Success    bool          `json:"success"`
	Output     any           `json:"output,omitempty"`
	Error      *tools.Error  `json:"error,omitempty"`
	PendingID  string        `json:"pendingId,omitempty"`
	Category   string        `json:"category,omitempty"`
	Confidence float64       `json:"confidence"`
	Duration   time.Duration `json:"duration"`
}

// Pipeline executes gated calls.
type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates a pipeline.
func New(deps Deps, opts Options) *Pipeline {
	opts.withDefaults()
	return &Pipeline{deps: deps, opts: opts, now: time.Now}
}

// Run is one executed request.
type Run struct {
	FamilyID string
	UserID   string
	Message  string
	Results  []Result

	p        *Pipeline
	recorded atomic.Bool
}

// ToolsUsed lists the tools that executed successfully, in plan order.
func (r *Run) ToolsUsed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == StatusExecuted {
			out = append(out, res.ToolName)
		}
	}
	return out
}

// FailedTools lists the tools that ran and failed, in plan order.
func (r *Run) FailedTools() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res.ToolName)
		}
	}
	return out
}

// Record writes the interaction to memory. Only the first call has an
// effect; it reports whether memory accepted every write.
func (r *Run) Record(ctx context.Context, response, intent string) bool {
	if !r.recorded.CompareAndSwap(false, true) {
		return false
	}
	if r.p.deps.Memory == nil {
		return false
	}
	return r.p.deps.Memory.Record(ctx, memory.Interaction{
		FamilyID:    r.FamilyID,
		UserID:      r.UserID,
		Message:     r.Message,
		Response:    response,
		ToolsUsed:   r.ToolsUsed(),
		FailedTools: r.FailedTools(),
		Intent:      intent,
	})
}

// Execute runs req. Calls past the budget get a budget_exceeded result.
// Calls whose decision requires confirmation become pending actions. A
// mutating call runs alone after every earlier call has finished; runs of
// non-mutating calls execute concurrently. Results follow plan order.
func (p *Pipeline) Execute(ctx context.Context, req Request) *Run {
	run := &Run{
		FamilyID: req.FamilyID,
		UserID:   req.UserID,
		Message:  req.Message,
		Results:  make([]Result, len(req.Calls)),
		p:        p,
	}

	var batch []int
	flush := func() {
		var g errgroup.Group
		for _, i := range batch {
			g.Go(func() error {
				run.Results[i] = p.dispatch(ctx, req.FamilyID, req.UserID, req.Calls[i], decisionAt(req, i))
				return nil
			})
		}
		_ = g.Wait()
		batch = batch[:0]
	}

	for i, call := range req.Calls {
		d := decisionAt(req, i)
		if i >= p.opts.MaxToolCalls {
			run.Results[i] = budgetExceeded(call, p.opts.MaxToolCalls)
			metrics.ToolExecutions.WithLabelValues(call.Name(), string(StatusBudgetExceeded)).Inc()
			continue
		}

		p.audit(ctx, store.AuditEntry{
			Action: "tool_call",
			Details: map[string]any{
				"callId":               call.ID(),
				"tool":                 call.Name(),
				"input":                call.Input(),
				"requiresConfirmation": d.RequiresConfirmation,
				"confidence":           d.Confidence,
				"category":             d.Category,
			},
			UserID:   req.UserID,
			FamilyID: req.FamilyID,
		})

		if missing := p.missing(call); len(missing) > 0 {
			run.Results[i] = needsInput(call, d, missing)
			metrics.ToolExecutions.WithLabelValues(call.Name(), string(StatusNeedsInput)).Inc()
			continue
		}

		if d.RequiresConfirmation {
			run.Results[i] = p.park(ctx, req, call, d)
			continue
		}

		if p.mutates(call.Name()) {
			flush()
			run.Results[i] = p.dispatch(ctx, req.FamilyID, req.UserID, call, d)
			continue
		}
		batch = append(batch, i)
	}
	flush()

	return run
}

// decisionAt returns the decision for call i. A missing decision is treated
// as the conservative fallback.
func decisionAt(req Request, i int) autonomy.Decision {
	if i < len(req.Decisions) {
		return req.Decisions[i]
	}
	return autonomy.Fallback("No autonomy decision for call")
}

func budgetExceeded(call tools.Call, limit int) Result {
	return Result{
		CallID:   call.ID(),
		ToolName: call.Name(),
		Status:   StatusBudgetExceeded,
		Error: tools.NewError(call.Name(), tools.CodeBudgetExceeded,
			fmt.Sprintf("request exceeded the limit of %d tool calls", limit)),
	}
}

// missing lists the required inputs call lacks. Unknown tools report
// nothing and fail at dispatch.
func (p *Pipeline) missing(call tools.Call) []string {
	d, ok := p.deps.Tools.Describe(call.Name())
	if !ok {
		return nil
	}
	return d.Missing(call.Input())
}

func needsInput(call tools.Call, d autonomy.Decision, missing []string) Result {
	return Result{
		CallID:     call.ID(),
		ToolName:   call.Name(),
		Status:     StatusNeedsInput,
		Output:     map[string]any{"missingFields": missing},
		Error:      tools.NewError(call.Name(), tools.CodeInvalidInput, "missing required input: "+strings.Join(missing, ", ")),
		Category:   d.Category,
		Confidence: d.Confidence,
	}
}

// mutates reports whether the tool touches prior state. Unknown tools are
// treated as mutating.
func (p *Pipeline) mutates(name string) bool {
	d, ok := p.deps.Tools.Describe(name)
	return !ok || d.MutatesState
}

func (p *Pipeline) park(ctx context.Context, req Request, call tools.Call, d autonomy.Decision) Result {
	pending := store.PendingAction{
		ID:         uuid.NewString(),
		FamilyID:   req.FamilyID,
		UserID:     req.UserID,
		CallID:     call.ID(),
		ToolName:   call.Name(),
		Input:      call.Input(),
		Confidence: d.Confidence,
		Category:   d.Category,
		RiskLevel:  d.RiskLevel,
		Reason:     d.Reason,
		Status:     store.StatusPending,
		CreatedAt:  p.now(),
	}
	res := Result{
		CallID:     call.ID(),
		ToolName:   call.Name(),
		Category:   d.Category,
		Confidence: d.Confidence,
	}
	if err := p.deps.Store.CreatePending(ctx, pending); err != nil {
		log.Error().Err(err).Str("tool", call.Name()).Str("family_id", req.FamilyID).Msg("failed to store pending action")
		res.Status = StatusFailed
		res.Error = tools.NewError(call.Name(), tools.CodeExecutionFailed, "could not queue action for confirmation").WithCause(err)
		return res
	}

	metrics.ToolExecutions.WithLabelValues(call.Name(), string(StatusAwaitingConfirmation)).Inc()
	res.Status = StatusAwaitingConfirmation
	res.PendingID = pending.ID
	res.Output = map[string]any{
		"requiresConfirmation": true,
		"pendingActionId":      pending.ID,
		"reason":               d.Reason,
		"suggestedAction":      d.SuggestedAction,
	}
	return res
}

// dispatch invokes one call under the tool timeout and records the outcome.
func (p *Pipeline) dispatch(ctx context.Context, familyID, userID string, call tools.Call, d autonomy.Decision) Result {
	start := p.now()
	out, err := p.invoke(ctx, tools.Invocation{FamilyID: familyID, UserID: userID, Call: call})
	elapsed := time.Since(start)

	res := Result{
		CallID:     call.ID(),
		ToolName:   call.Name(),
		Category:   d.Category,
		Confidence: d.Confidence,
		Duration:   elapsed,
	}
	if err != nil {
		res.Status = StatusFailed
		res.Error = asToolError(call.Name(), err)
		log.Warn().Err(err).Str("tool", call.Name()).Str("family_id", familyID).Msg("tool call failed")
	} else {
		res.Status = StatusExecuted
		res.Success = true
		res.Output = out
	}

	metrics.ToolDuration.WithLabelValues(call.Name()).Observe(elapsed.Seconds())
	metrics.ToolExecutions.WithLabelValues(call.Name(), string(res.Status)).Inc()

	if p.deps.Learner != nil {
		err := p.deps.Learner.RecordOutcome(ctx, autonomy.Outcome{
			FamilyID:   familyID,
			UserID:     userID,
			ToolName:   call.Name(),
			Category:   d.Category,
			Success:    res.Success,
			Confidence: d.Confidence,
		})
		if err != nil {
			log.Warn().Err(err).Str("tool", call.Name()).Str("family_id", familyID).Msg("failed to record tool outcome")
		}
	}
	return res
}

type invokeResult struct {
	out any
	err error
}

// invoke runs the tool and gives up when the timeout elapses, even if the
// handler ignores its context.
func (p *Pipeline) invoke(ctx context.Context, inv tools.Invocation) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ToolTimeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		out, err := p.deps.Tools.Invoke(ctx, inv)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(inv.Call.Name(), p.opts.ToolTimeout)
		}
		return r.out, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(inv.Call.Name(), p.opts.ToolTimeout)
		}
		return nil, ctx.Err()
	}
}

func timeoutError(tool string, d time.Duration) error {
	return tools.NewError(tool, tools.CodeTimeout, fmt.Sprintf("tool did not finish within %s", d)).WithCause(context.DeadlineExceeded)
}

func asToolError(tool string, err error) *tools.Error {
	var te *tools.Error
	if errors.As(err, &te) {
		return te
	}
	return tools.NewError(tool, tools.CodeExecutionFailed, err.Error()).WithCause(err)
}

func (p *Pipeline) audit(ctx context.Context, e store.AuditEntry) {
	e.Source = p.opts.Source
	e.Timestamp = p.now()
	task := func(ctx context.Context) error { return p.deps.Store.AppendAudit(ctx, e) }
	if p.deps.Pool != nil {
		p.deps.Pool.Submit("execution.audit", task)
		return
	}
	if err := task(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Str("action", e.Action).Str("family_id", e.FamilyID).Msg("failed to write audit entry")
	}
}

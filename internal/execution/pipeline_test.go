package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/memory"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
)

// auditStore records audit entries on top of a real SQLite store.
type auditStore struct {
	*store.SQLiteStore
	mu     sync.Mutex
	audits []store.AuditEntry
}

func (s *auditStore) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return s.SQLiteStore.AppendAudit(ctx, e)
}

type fakeLearner struct {
	mu            sync.Mutex
	outcomes      []autonomy.Outcome
	confirmations []bool
}

func (l *fakeLearner) RecordOutcome(ctx context.Context, o autonomy.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes = append(l.outcomes, o)
	return nil
}

func (l *fakeLearner) RecordConfirmation(ctx context.Context, familyID, userID, category string, approved bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmations = append(l.confirmations, approved)
	return nil
}

type fakeRecorder struct {
	calls []memory.Interaction
}

func (r *fakeRecorder) Record(ctx context.Context, in memory.Interaction) bool {
	r.calls = append(r.calls, in)
	return true
}

type fixture struct {
	store    *auditStore
	registry *tools.Registry
	learner  *fakeLearner
	recorder *fakeRecorder
	pipeline *Pipeline
	invoked  atomic.Int32
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLiteStore(ctx, ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	f := &fixture{
		store:    &auditStore{SQLiteStore: s},
		registry: tools.NewRegistry(),
		learner:  &fakeLearner{},
		recorder: &fakeRecorder{},
	}
	f.register(t, tools.Descriptor{Name: "echo"}, func(ctx context.Context, inv tools.Invocation) (any, error) {
		return inv.Call.Input(), nil
	})
	f.register(t, tools.Descriptor{Name: "fail"}, func(ctx context.Context, inv tools.Invocation) (any, error) {
		return nil, errors.New("backend unavailable")
	})
	f.pipeline = New(Deps{
		Store:   f.store,
		Tools:   f.registry,
		Learner: f.learner,
		Memory:  f.recorder,
	}, opts)
	return f
}

func (f *fixture) register(t *testing.T, d tools.Descriptor, h tools.Handler) {
	t.Helper()
	require.NoError(t, f.registry.Register(d, func(ctx context.Context, inv tools.Invocation) (any, error) {
		f.invoked.Add(1)
		return h(ctx, inv)
	}))
}

func auto() autonomy.Decision {
	return autonomy.Decision{Confidence: 0.9, Category: "general", Reason: "Confidence 90% exceeds threshold 70%"}
}

func confirm() autonomy.Decision {
	return autonomy.Decision{RequiresConfirmation: true, Confidence: 0.41, Category: "data_deletion", RiskLevel: "high", Reason: "Confidence 41% below threshold 70%"}
}

func request(calls []tools.Call, decisions ...autonomy.Decision) Request {
	return Request{FamilyID: "fam1", UserID: "u1", Message: "do things", Calls: calls, Decisions: decisions}
}

func TestExecute_BudgetPreservesOrder(t *testing.T) {
	f := newFixture(t, Options{MaxToolCalls: 8})

	var calls []tools.Call
	var decisions []autonomy.Decision
	for i := 0; i < 10; i++ {
		calls = append(calls, tools.NewCall(fmt.Sprintf("c%d", i), "echo", map[string]any{"n": i}))
		decisions = append(decisions, auto())
	}

	run := f.pipeline.Execute(context.Background(), request(calls, decisions...))

	require.Len(t, run.Results, 10)
	for i, res := range run.Results {
		assert.Equal(t, fmt.Sprintf("c%d", i), res.CallID)
		if i < 8 {
			assert.Equal(t, StatusExecuted, res.Status)
			assert.Equal(t, map[string]any{"n": i}, res.Output)
		} else {
			assert.Equal(t, StatusBudgetExceeded, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, tools.CodeBudgetExceeded, res.Error.Code)
		}
	}
	assert.EqualValues(t, 8, f.invoked.Load())
	assert.Len(t, f.store.audits, 8, "only admitted calls are audited")
	assert.Len(t, f.learner.outcomes, 8)
}

func TestExecute_BudgetCountsDeferredCalls(t *testing.T) {
	f := newFixture(t, Options{MaxToolCalls: 2})
	calls := []tools.Call{
		tools.NewCall("c0", "echo", nil),
		tools.NewCall("c1", "echo", nil),
		tools.NewCall("c2", "echo", nil),
	}

	run := f.pipeline.Execute(context.Background(), request(calls, confirm(), auto(), auto()))

	assert.Equal(t, StatusAwaitingConfirmation, run.Results[0].Status)
	assert.Equal(t, StatusExecuted, run.Results[1].Status)
	assert.Equal(t, StatusBudgetExceeded, run.Results[2].Status)
}

func TestExecute_DeferredCreatesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	call := tools.NewCall("c1", "echo", map[string]any{"taskId": "t1"})

	run := f.pipeline.Execute(ctx, request([]tools.Call{call}, confirm()))

	res := run.Results[0]
	assert.Equal(t, StatusAwaitingConfirmation, res.Status)
	assert.False(t, res.Success)
	require.NotEmpty(t, res.PendingID)
	assert.Zero(t, f.invoked.Load())
	assert.Empty(t, f.learner.outcomes)

	pending, err := f.store.GetPending(ctx, res.PendingID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, pending.Status)
	assert.Equal(t, "echo", pending.ToolName)
	assert.Equal(t, "c1", pending.CallID)
	assert.Equal(t, "high", pending.RiskLevel)
	assert.Equal(t, map[string]any{"taskId": "t1"}, pending.Input)

	list, err := f.pipeline.Pending(ctx, "fam1", "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.PendingID, list[0].ID)

	other, err := f.pipeline.Pending(ctx, "fam1", "u2", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestExecute_MissingDecisionDefers(t *testing.T) {
	f := newFixture(t, Options{})

	run := f.pipeline.Execute(context.Background(), request([]tools.Call{tools.NewCall("c1", "echo", nil)}))

	assert.Equal(t, StatusAwaitingConfirmation, run.Results[0].Status)
	assert.Zero(t, f.invoked.Load())
}

func TestExecute_Failures(t *testing.T) {
	f := newFixture(t, Options{ToolTimeout: 20 * time.Millisecond})
	f.register(t, tools.Descriptor{Name: "stuck"}, func(ctx context.Context, inv tools.Invocation) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})

	calls := []tools.Call{
		tools.NewCall("c1", "fail", nil),
		tools.NewCall("c2", "stuck", nil),
		tools.NewCall("c3", "launch_rocket", nil),
	}
	run := f.pipeline.Execute(context.Background(), request(calls, auto(), auto(), auto()))

	codes := []string{tools.CodeExecutionFailed, tools.CodeTimeout, tools.CodeUnknownTool}
	for i, res := range run.Results {
		assert.Equal(t, StatusFailed, res.Status, res.ToolName)
		assert.False(t, res.Success)
		require.NotNil(t, res.Error, res.ToolName)
		assert.Equal(t, codes[i], res.Error.Code, res.ToolName)
	}

	require.Len(t, f.learner.outcomes, 3)
	for _, o := range f.learner.outcomes {
		assert.False(t, o.Success)
	}
}

func TestExecute_MutatingCallsRunAlone(t *testing.T) {
	f := newFixture(t, Options{})

	var (
		mu     sync.Mutex
		events []string
		active atomic.Int32
	)
	logEvent := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	var together sync.WaitGroup
	together.Add(2)
	concurrentRead := func(ctx context.Context, inv tools.Invocation) (any, error) {
		active.Add(1)
		defer active.Add(-1)
		logEvent("start:" + inv.Call.ID())
		defer logEvent("end:" + inv.Call.ID())

		together.Done()
		done := make(chan struct{})
		go func() { together.Wait(); close(done) }()
		select {
		case <-done:
			return "ok", nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("reads did not run concurrently")
		}
	}
	var aloneWrite bool
	write := func(ctx context.Context, inv tools.Invocation) (any, error) {
		aloneWrite = active.Add(1) == 1
		defer active.Add(-1)
		logEvent("start:" + inv.Call.ID())
		defer logEvent("end:" + inv.Call.ID())
		return "written", nil
	}
	read := func(ctx context.Context, inv tools.Invocation) (any, error) {
		logEvent("start:" + inv.Call.ID())
		return "ok", nil
	}

	f.register(t, tools.Descriptor{Name: "read_pair"}, concurrentRead)
	f.register(t, tools.Descriptor{Name: "write_one", MutatesState: true}, write)
	f.register(t, tools.Descriptor{Name: "read_after"}, read)

	calls := []tools.Call{
		tools.NewCall("r1", "read_pair", nil),
		tools.NewCall("r2", "read_pair", nil),
		tools.NewCall("w", "write_one", nil),
		tools.NewCall("r3", "read_after", nil),
	}
	run := f.pipeline.Execute(context.Background(), request(calls, auto(), auto(), auto(), auto()))

	for _, res := range run.Results {
		assert.True(t, res.Success, "%s: %+v", res.CallID, res.Error)
	}
	assert.Equal(t, []string{"r1", "r2", "w", "r3"}, []string{
		run.Results[0].CallID, run.Results[1].CallID, run.Results[2].CallID, run.Results[3].CallID,
	})
	assert.True(t, aloneWrite)

	idx := func(e string) int { return slices.Index(events, e) }
	assert.Less(t, idx("end:r1"), idx("start:w"))
	assert.Less(t, idx("end:r2"), idx("start:w"))
	assert.Less(t, idx("end:w"), idx("start:r3"))
}

func TestRun_RecordOnce(t *testing.T) {
	f := newFixture(t, Options{})
	calls := []tools.Call{
		tools.NewCall("c1", "echo", nil),
		tools.NewCall("c2", "fail", nil),
		tools.NewCall("c3", "echo", nil),
	}
	run := f.pipeline.Execute(context.Background(), request(calls, auto(), auto(), confirm()))

	assert.Equal(t, []string{"echo"}, run.ToolsUsed())
	assert.True(t, run.Record(context.Background(), "Done.", "general"))
	assert.False(t, run.Record(context.Background(), "Done again.", "general"))

	require.Len(t, f.recorder.calls, 1)
	in := f.recorder.calls[0]
	assert.Equal(t, "fam1", in.FamilyID)
	assert.Equal(t, "do things", in.Message)
	assert.Equal(t, "Done.", in.Response)
	assert.Equal(t, []string{"echo"}, in.ToolsUsed)
	assert.Equal(t, []string{"fail"}, in.FailedTools)
}

func TestExecute_MissingInputIsNotRun(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, tools.Descriptor{Name: "rename_task", MutatesState: true, Params: []tools.Param{
		{Name: "taskId", Type: "string", Required: true},
		{Name: "title", Type: "string", Required: true},
		{Name: "note", Type: "string"},
	}}, func(ctx context.Context, inv tools.Invocation) (any, error) {
		return inv.Call.Input(), nil
	})

	calls := []tools.Call{
		tools.NewCall("c1", "rename_task", map[string]any{"request": "rename the chores", "title": ""}),
		tools.NewCall("c2", "rename_task", map[string]any{"taskId": "t1", "title": "Chores"}),
		tools.NewCall("c3", "rename_task", map[string]any{"title": "Laundry"}),
	}
	run := f.pipeline.Execute(context.Background(), request(calls, auto(), auto(), confirm()))

	require.Len(t, run.Results, 3)
	first := run.Results[0]
	assert.Equal(t, StatusNeedsInput, first.Status)
	assert.False(t, first.Success)
	assert.Equal(t, map[string]any{"missingFields": []string{"taskId", "title"}}, first.Output)
	require.NotNil(t, first.Error)
	assert.Equal(t, tools.CodeInvalidInput, first.Error.Code)
	assert.Equal(t, "missing required input: taskId, title", first.Error.Message)

	assert.Equal(t, StatusExecuted, run.Results[1].Status)

	third := run.Results[2]
	assert.Equal(t, StatusNeedsInput, third.Status, "incomplete calls are not parked for confirmation")
	assert.Empty(t, third.PendingID)

	assert.Equal(t, int32(1), f.invoked.Load())
	f.learner.mu.Lock()
	assert.Len(t, f.learner.outcomes, 1, "only the executed call is learned from")
	f.learner.mu.Unlock()
	assert.Empty(t, run.FailedTools())

	pending, err := f.store.ListPending(context.Background(), "fam1", "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

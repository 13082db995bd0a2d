package autonomy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
)

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	prefs     map[string]*store.Preference
	actions   []store.ActionRecord
	decisions []store.DecisionRecord
	prefErr   error
}

func newMemStore() *memStore {
	return &memStore{prefs: make(map[string]*store.Preference)}
}

func (m *memStore) GetPreference(ctx context.Context, familyID, userID string) (*store.Preference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefErr != nil {
		return nil, m.prefErr
	}
	p, ok := m.prefs[familyID+"/"+userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	cp.ActionPreferences = make(map[string]store.CategoryPreference, len(p.ActionPreferences))
	for k, v := range p.ActionPreferences {
		cp.ActionPreferences[k] = v
	}
	cp.Feedback = append([]store.Feedback(nil), p.Feedback...)
	return &cp, nil
}

func (m *memStore) SavePreference(ctx context.Context, p *store.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.FamilyID+"/"+p.UserID] = p
	return nil
}

func (m *memStore) AddActionRecord(ctx context.Context, r store.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, r)
	return nil
}

func (m *memStore) RecentActions(ctx context.Context, familyID, category string, limit int) ([]store.ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ActionRecord
	for _, a := range m.actions {
		if a.FamilyID == familyID && a.Category == category {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AddDecision(ctx context.Context, d store.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func call(name string, input map[string]any) tools.Call {
	return tools.NewCall("c-"+name, name, input)
}

func TestCategorize(t *testing.T) {
	g := New(nil, nil, Options{})

	tests := []struct {
		call tools.Call
		want string
		base float64
		risk string
	}{
		{call("delete_task", map[string]any{"taskId": "t1"}), "data_deletion", 0.3, "high"},
		{call("create_event", map[string]any{"title": "Dentist"}), "scheduling", 0.8, "low"},
		{call("create_task", map[string]any{"title": "Pack lunches"}), "task_creation", 0.9, "low"},
		{call("manage_list", map[string]any{"action": "add_item", "listName": "Groceries"}), "list_management", 0.95, "very_low"},
		{call("send_email", map[string]any{"to": "mom"}), "communication", 0.6, "medium"},
		{call("send_notification", map[string]any{"message": "hi"}), "communication", 0.6, "medium"},
		{call("delete_data", map[string]any{"kind": "note"}), "data_deletion", 0.3, "high"},
		{call("track_expense", map[string]any{"amount": 12.5}), "financial", 0.4, "high"},
		{call("get_family_members", nil), "family_management", 0.5, "medium"},
		{call("process_document", map[string]any{"content": "x"}), "document_processing", 0.7, "low"},
		{call("read_data", map[string]any{"kind": "note"}), "general", 0.5, "medium"},
	}

	for _, tt := range tests {
		t.Run(tt.call.Name(), func(t *testing.T) {
			rule := g.Categorize(tt.call)
			assert.Equal(t, tt.want, rule.Name)
			assert.Equal(t, tt.base, rule.BaseConfidence)
			assert.Equal(t, tt.risk, rule.RiskLevel)
		})
	}
}

func TestConfidence_DeleteTask(t *testing.T) {
	g := New(newMemStore(), nil, Options{})

	c := g.Confidence(context.Background(), call("delete_task", map[string]any{"taskId": "t1"}), ActionContext{FamilyID: "fam1", UserID: "u1"}, nil)

	assert.Equal(t, "data_deletion", c.Category)
	assert.Equal(t, "high", c.RiskLevel)
	assert.Equal(t, 0.3, c.Factors.Category)
	assert.Equal(t, 0.5, c.Factors.Historical)
	assert.InDelta(t, 0.41, c.Overall, 1e-9)
}

func TestConfidence_Factors(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	g := New(s, nil, Options{})
	now := time.Now()
	g.now = func() time.Time { return now }

	for i, ok := range []bool{true, true, true, false} {
		require.NoError(t, s.AddActionRecord(ctx, store.ActionRecord{
			FamilyID: "fam1", Category: "scheduling", Success: ok, ExecutedAt: now.Add(-time.Duration(i) * time.Minute),
		}))
	}
	pref := &store.Preference{ActionPreferences: map[string]store.CategoryPreference{
		"scheduling": {Satisfaction: 0.9, Count: 4},
	}}
	ac := ActionContext{FamilyID: "fam1", TimeSpecified: true, LocationSpecified: true, Deadline: now.Add(2 * time.Hour)}

	c := g.Confidence(ctx, call("create_event", map[string]any{"title": "Dentist"}), ac, pref)

	assert.Equal(t, 0.75, c.Factors.Historical)
	assert.Equal(t, 0.9, c.Factors.Preference)
	assert.InDelta(t, 0.8, c.Factors.ContextClarity, 1e-9)
	assert.Equal(t, 0.8, c.Factors.Urgency)
	assert.Equal(t, 0.7, c.Factors.Reversibility)
	// (0.8+0.75)/2 + 0.4*0.3 + 0.3*0.2 + 0.08 + 0.07
	assert.InDelta(t, 1.0, c.Overall, 1e-9)
}

func TestConfidence_Urgency(t *testing.T) {
	g := New(nil, nil, Options{})
	now := time.Now()
	g.now = func() time.Time { return now }

	urgent := g.Confidence(context.Background(), call("create_task", map[string]any{"title": "URGENT: call school"}), ActionContext{}, nil)
	assert.Equal(t, 1.0, urgent.Factors.Urgency)

	later := g.Confidence(context.Background(), call("create_task", map[string]any{"title": "Plan trip"}), ActionContext{Deadline: now.Add(48 * time.Hour)}, nil)
	assert.Zero(t, later.Factors.Urgency)
}

func TestConfidence_AlwaysClamped(t *testing.T) {
	rules := &Rules{
		Categories: []CategoryRule{
			{Name: "floor", BaseConfidence: 0, Reversibility: 0, Any: []string{"floor"}},
			{Name: "ceiling", BaseConfidence: 1, Reversibility: 1, Any: []string{"ceiling"}},
		},
		UrgencyKeywords: []string{"urgent"},
		Thresholds:      map[string]float64{"MANUAL": 0.95, "ASSISTED": 0.7, "AUTONOMOUS": 0.4},
	}
	s := newMemStore()
	require.NoError(t, s.AddActionRecord(context.Background(), store.ActionRecord{FamilyID: "fam1", Category: "floor", Success: false}))
	g := New(s, rules, Options{})

	low := g.Confidence(context.Background(), call("floor", nil), ActionContext{FamilyID: "fam1"}, &store.Preference{
		ActionPreferences: map[string]store.CategoryPreference{"floor": {Satisfaction: 0.01, Count: 1}},
	})
	assert.Equal(t, 0.0, low.Overall)

	high := g.Confidence(context.Background(), call("ceiling", map[string]any{"note": "urgent"}), ActionContext{
		TimeSpecified: true, LocationSpecified: true, ParticipantsSpecified: true, PrioritySpecified: true,
	}, &store.Preference{ActionPreferences: map[string]store.CategoryPreference{"ceiling": {Satisfaction: 1, Count: 1}}})
	assert.Equal(t, 1.0, high.Overall)

	for _, c := range []Confidence{low, high} {
		assert.GreaterOrEqual(t, c.Overall, 0.0)
		assert.LessOrEqual(t, c.Overall, 1.0)
	}
}

func TestDecide_ThresholdMonotonic(t *testing.T) {
	g := New(nil, nil, Options{})

	for _, level := range []Level{Manual, Assisted, Autonomous} {
		t.Run(level.String(), func(t *testing.T) {
			seenConfirm := false
			for i := 100; i >= 0; i-- {
				d := g.decide(Confidence{Overall: float64(i) / 100}, level)
				if seenConfirm {
					require.True(t, d.RequiresConfirmation, "confidence %.2f flipped back", d.Confidence)
				}
				seenConfirm = d.RequiresConfirmation
			}
			assert.True(t, seenConfirm)
		})
	}

	assert.False(t, g.decide(Confidence{Overall: 0.7}, Assisted).RequiresConfirmation, "equal to threshold runs")
	assert.True(t, g.decide(Confidence{Overall: 0.69}, Assisted).RequiresConfirmation)
	assert.Equal(t, "Confidence 69% below threshold 70%", g.decide(Confidence{Overall: 0.69}, Assisted).Reason)
}

func TestSuggestionBands(t *testing.T) {
	assert.Contains(t, suggestion(0.1), "not confident")
	assert.Contains(t, suggestion(0.45), "moderate")
	assert.Contains(t, suggestion(0.9), "confident about this action")
}

func TestEvaluate_UsesStoredLevel(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	g := New(s, nil, Options{})
	ac := ActionContext{FamilyID: "fam1", UserID: "u1"}
	listCall := call("manage_list", map[string]any{"action": "add_item", "listName": "Groceries", "item": "milk"})

	d := g.Evaluate(ctx, listCall, ac)
	assert.Equal(t, Assisted, d.AutonomyLevel)
	assert.False(t, d.RequiresConfirmation)

	require.NoError(t, g.SetAutonomyLevel(ctx, "fam1", "u1", Manual))
	level, err := g.AutonomyLevel(ctx, "fam1", "u1")
	require.NoError(t, err)
	assert.Equal(t, Manual, level, "a stored MANUAL level is honoured")

	d = g.Evaluate(ctx, listCall, ac)
	assert.Equal(t, Manual, d.AutonomyLevel)
	assert.Equal(t, 0.95, d.Threshold)
	assert.True(t, d.RequiresConfirmation)

	require.Len(t, s.decisions, 2)
	assert.Equal(t, "manage_list", s.decisions[1].ToolName)
	assert.Equal(t, "MANUAL", s.decisions[1].AutonomyLevel)
}

func TestEvaluate_FallbackOnStoreFailure(t *testing.T) {
	s := newMemStore()
	s.prefErr = errors.New("connection reset")
	g := New(s, nil, Options{})

	d := g.Evaluate(context.Background(), call("manage_list", nil), ActionContext{FamilyID: "fam1", UserID: "u1"})
	assert.True(t, d.RequiresConfirmation)
	assert.Equal(t, Manual, d.AutonomyLevel)
	assert.Equal(t, 0.3, d.Confidence)
	assert.Equal(t, "high", d.RiskLevel)

	d = g.ShouldConfirm(context.Background(), Confidence{Overall: 0.99}, "u1", "fam1")
	assert.True(t, d.RequiresConfirmation)
}

func TestNew_DefaultLevel(t *testing.T) {
	g := New(nil, nil, Options{DefaultLevel: "autonomous"})
	d := g.ShouldConfirm(context.Background(), Confidence{Overall: 0.5}, "u1", "fam1")
	assert.Equal(t, Autonomous, d.AutonomyLevel)
	assert.False(t, d.RequiresConfirmation)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"manual": Manual, "ASSISTED": Assisted, " Autonomous ": Autonomous} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("YOLO")
	assert.Error(t, err)
}

func TestLoadRules(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, 0.7, r.Threshold(Assisted))
	assert.Len(t, r.Categories, 8)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  - name: chores
    base_confidence: 0.9
    risk_level: low
    any: [chore]
thresholds: {MANUAL: 0.9, ASSISTED: 0.6, AUTONOMOUS: 0.3}
`), 0o600))
	custom, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "general", custom.Default.Name)

	g := New(nil, custom, Options{})
	assert.Equal(t, "chores", g.Categorize(call("assign_chore", nil)).Name)

	_, err = ParseRules([]byte("categories: []"))
	assert.Error(t, err)
	_, err = ParseRules([]byte("categories: [{name: a, any: [a]}]\nthresholds: {MANUAL: 0.9}"))
	assert.ErrorContains(t, err, "ASSISTED")
	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

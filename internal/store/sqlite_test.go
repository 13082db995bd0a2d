package store

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func newTestStore(t *testing.T, dimension int) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, ":memory:", dimension)
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return s
}

func TestSQLiteStore_Migrate_Idempotent(t *testing.T) {
	s := newTestStore(t, 3)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestSQLiteStore_Patterns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	patterns := []Pattern{
		{ID: "p1", FamilyID: "fam1", Trigger: "add milk", Intent: "general", Actions: []string{"manage_list"}, CreatedAt: base},
		{ID: "p2", FamilyID: "fam1", Trigger: "dentist", Intent: "scheduling", Actions: []string{"create_event"}, CreatedAt: base.Add(time.Minute)},
		{ID: "p3", FamilyID: "fam2", Trigger: "other family", Actions: []string{"create_task"}, CreatedAt: base},
	}
	for _, p := range patterns {
		if err := s.AddPattern(ctx, p); err != nil {
			t.Fatalf("failed to add pattern %s: %v", p.ID, err)
		}
	}

	// p2: 2 of 2 succeed, p1: 1 of 2 succeed.
	for _, outcome := range []struct {
		id      string
		success bool
	}{{"p2", true}, {"p2", true}, {"p1", true}, {"p1", false}} {
		if err := s.RecordPatternOutcome(ctx, outcome.id, outcome.success); err != nil {
			t.Fatalf("failed to record outcome: %v", err)
		}
	}

	got, err := s.ListPatterns(ctx, "fam1", 50)
	if err != nil {
		t.Fatalf("failed to list patterns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 patterns for fam1, got %d", len(got))
	}
	if got[0].ID != "p2" || got[0].SuccessRate != 1 || got[0].ExecutionCount != 2 {
		t.Errorf("unexpected first pattern: %+v", got[0])
	}
	if got[1].ID != "p1" || math.Abs(got[1].SuccessRate-0.5) > 1e-9 {
		t.Errorf("unexpected second pattern: %+v", got[1])
	}
	if len(got[0].Actions) != 1 || got[0].Actions[0] != "create_event" {
		t.Errorf("actions not round-tripped: %v", got[0].Actions)
	}

	if err := s.RecordPatternOutcome(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_VectorQuery_FamilyScoped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3)

	chunks := []struct {
		id     string
		vector []float32
		family string
	}{
		{"c1", []float32{1, 0, 0}, "fam1"},
		{"c2", []float32{0, 1, 0}, "fam1"},
		{"c3", []float32{1, 0, 0}, "fam2"},
	}
	for _, c := range chunks {
		meta := map[string]any{FamilyKey: c.family, "content": c.id}
		if err := s.Upsert(ctx, c.id, c.vector, meta); err != nil {
			t.Fatalf("failed to upsert %s: %v", c.id, err)
		}
	}

	matches, err := s.Query(ctx, []float32{0.9, 0.1, 0}, map[string]any{FamilyKey: "fam1"}, 3)
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "c1" {
		t.Errorf("expected c1 first, got %s", matches[0].ID)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("expected descending scores, got %f <= %f", matches[0].Score, matches[1].Score)
	}
	for _, m := range matches {
		if m.Metadata[FamilyKey] != "fam1" {
			t.Errorf("cross-family match returned: %v", m.Metadata)
		}
	}

	// Upsert replaces.
	if err := s.Upsert(ctx, "c2", []float32{1, 0, 0}, map[string]any{FamilyKey: "fam1", "content": "updated"}); err != nil {
		t.Fatalf("failed to re-upsert: %v", err)
	}
	matches, err = s.Query(ctx, []float32{1, 0, 0}, map[string]any{FamilyKey: "fam1"}, 1)
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected topK=1 result, got %d", len(matches))
	}

	for _, topK := range []int{0, -1} {
		matches, err = s.Query(ctx, []float32{1, 0, 0}, map[string]any{FamilyKey: "fam1"}, topK)
		if err != nil {
			t.Fatalf("topK=%d: %v", topK, err)
		}
		if len(matches) != 0 {
			t.Errorf("topK=%d: expected no matches, got %d", topK, len(matches))
		}
	}
}

func TestSQLiteStore_VectorQuery_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3)

	if err := s.Upsert(ctx, "c1", []float32{1, 0}, map[string]any{FamilyKey: "fam1"}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if err := s.Upsert(ctx, "c1", []float32{1, 0, 0}, map[string]any{"content": "x"}); !errors.Is(err, ErrMissingFamily) {
		t.Errorf("expected ErrMissingFamily, got %v", err)
	}
	if _, err := s.Query(ctx, []float32{1, 0, 0}, nil, 3); !errors.Is(err, ErrMissingFamily) {
		t.Errorf("expected ErrMissingFamily for unscoped query, got %v", err)
	}
}

func TestSQLiteStore_PendingCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	p := PendingAction{
		ID:         "pa1",
		FamilyID:   "fam1",
		UserID:     "u1",
		CallID:     "call-1",
		ToolName:   "delete_task",
		Input:      map[string]any{"taskId": "t1"},
		Confidence: 0.41,
		Category:   "data_deletion",
		RiskLevel:  "high",
		CreatedAt:  time.Now(),
	}
	if err := s.CreatePending(ctx, p); err != nil {
		t.Fatalf("failed to create pending: %v", err)
	}

	got, err := s.GetPending(ctx, "pa1")
	if err != nil {
		t.Fatalf("failed to get pending: %v", err)
	}
	if got.Status != StatusPending || got.Input["taskId"] != "t1" || got.ResolvedAt != nil {
		t.Errorf("unexpected pending action: %+v", got)
	}

	ok, err := s.ResolvePending(ctx, "pa1", StatusApproved)
	if err != nil || !ok {
		t.Fatalf("first resolve: ok=%v err=%v", ok, err)
	}
	ok, err = s.ResolvePending(ctx, "pa1", StatusRejected)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if ok {
		t.Error("second resolve should not transition")
	}

	got, _ = s.GetPending(ctx, "pa1")
	if got.Status != StatusApproved || got.ResolvedAt == nil {
		t.Errorf("expected approved with resolved_at, got %+v", got)
	}

	if _, err := s.GetPending(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ListPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	now := time.Now()
	for _, p := range []PendingAction{
		{ID: "new", FamilyID: "fam1", UserID: "u1", ToolName: "send_email", CreatedAt: now.Add(-time.Hour)},
		{ID: "old", FamilyID: "fam1", UserID: "u1", ToolName: "send_email", CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "other", FamilyID: "fam1", UserID: "u2", ToolName: "send_email", CreatedAt: now},
		{ID: "done", FamilyID: "fam1", UserID: "u1", ToolName: "send_email", CreatedAt: now},
	} {
		if err := s.CreatePending(ctx, p); err != nil {
			t.Fatalf("failed to create pending: %v", err)
		}
	}
	if _, err := s.ResolvePending(ctx, "done", StatusRejected); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListPending(ctx, "fam1", "u1", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to list pending: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("expected only 'new', got %+v", got)
	}
}

func TestSQLiteStore_Preferences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	if _, err := s.GetPreference(ctx, "fam1", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p := &Preference{
		FamilyID:          "fam1",
		UserID:            "u1",
		AutonomyLevel:     "MANUAL",
		ActionPreferences: map[string]CategoryPreference{"scheduling": {Satisfaction: 0.8, Count: 3}},
		Learning:          LearningData{TotalInteractions: 3, ConfirmationRate: 0.5, SatisfactionScore: 0.7},
	}
	if err := s.SavePreference(ctx, p); err != nil {
		t.Fatalf("failed to save preference: %v", err)
	}

	p.ActionPreferences["communication"] = CategoryPreference{Satisfaction: 0.2, Count: 1}
	if err := s.SavePreference(ctx, p); err != nil {
		t.Fatalf("failed to overwrite preference: %v", err)
	}

	got, err := s.GetPreference(ctx, "fam1", "u1")
	if err != nil {
		t.Fatalf("failed to get preference: %v", err)
	}
	if got.AutonomyLevel != "MANUAL" {
		t.Errorf("autonomy level not preserved: %q", got.AutonomyLevel)
	}
	if len(got.ActionPreferences) != 2 || got.ActionPreferences["scheduling"].Count != 3 {
		t.Errorf("unexpected action preferences: %+v", got.ActionPreferences)
	}
	if got.Learning.TotalInteractions != 3 {
		t.Errorf("unexpected learning data: %+v", got.Learning)
	}
}

func TestSQLiteStore_RecentActions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		r := ActionRecord{
			ID:         string(rune('a' + i)),
			FamilyID:   "fam1",
			ToolName:   "create_event",
			Category:   "scheduling",
			Success:    i%2 == 0,
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AddActionRecord(ctx, r); err != nil {
			t.Fatalf("failed to add action record: %v", err)
		}
	}

	got, err := s.RecentActions(ctx, "fam1", "scheduling", 3)
	if err != nil {
		t.Fatalf("failed to read history: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].ID != "e" || !got[0].Success {
		t.Errorf("expected newest record first, got %+v", got[0])
	}

	none, err := s.RecentActions(ctx, "fam2", "scheduling", 3)
	if err != nil || len(none) != 0 {
		t.Errorf("expected no records for fam2, got %v (%v)", none, err)
	}
}

func TestSQLiteStore_Records(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	r := Record{ID: "t1", FamilyID: "fam1", Kind: "task", Data: map[string]any{"title": "Pack lunch"}, CreatedBy: "u1"}
	if err := s.PutRecord(ctx, r); err != nil {
		t.Fatalf("failed to put record: %v", err)
	}

	r.Data["status"] = "completed"
	if err := s.UpdateRecord(ctx, r); err != nil {
		t.Fatalf("failed to update record: %v", err)
	}

	got, err := s.GetRecord(ctx, "fam1", "task", "t1")
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if got.Data["status"] != "completed" || got.CreatedBy != "u1" {
		t.Errorf("unexpected record: %+v", got)
	}

	if _, err := s.GetRecord(ctx, "fam2", "task", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record leaked across families: %v", err)
	}

	list, err := s.ListRecords(ctx, "fam1", "task", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 record, got %d (%v)", len(list), err)
	}

	if err := s.DeleteRecord(ctx, "fam1", "task", "t1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := s.DeleteRecord(ctx, "fam1", "task", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSQLiteStore_Logs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	if err := s.AppendAudit(ctx, AuditEntry{Action: "tool_invocation", Details: map[string]any{"tool": "create_task"}, FamilyID: "fam1", UserID: "u1", Source: "agent"}); err != nil {
		t.Errorf("append audit: %v", err)
	}
	if err := s.AddDecision(ctx, DecisionRecord{FamilyID: "fam1", UserID: "u1", Category: "scheduling", Confidence: 0.8, Threshold: 0.7, AutonomyLevel: "ASSISTED"}); err != nil {
		t.Errorf("add decision: %v", err)
	}
	if err := s.AddReasoning(ctx, ReasoningRecord{ID: "r1", FamilyID: "fam1", Tools: []string{"create_event"}, Steps: []map[string]any{{"step": "intent_analysis"}}}); err != nil {
		t.Errorf("add reasoning: %v", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil || n != 1 {
		t.Errorf("expected 1 audit row, got %d (%v)", n, err)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{formatTimestamp(time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)), false},
		{"2024-01-15T10:30:00Z", false},
		{"2024-01-15 10:30:00", false},
		{"not a time", true},
	}
	for _, tt := range tests {
		_, err := parseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimestamp(%q) err=%v, wantErr=%v", tt.in, err, tt.wantErr)
		}
	}
}

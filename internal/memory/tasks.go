package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easeaico/family-agent/internal/store"
)

const (
	taskHistorySize = 100
	taskRecall      = 20
	taskTrends      = 10
	taskCategories  = 5
)

// TaskPattern is a completed task as remembered for workload analysis.
type TaskPattern struct {
	FamilyID   string `json:"familyId"`
	TaskID     string `json:"taskId"`
	Title      string `json:"title"`
	Category   string `json:"category,omitempty"`
	AssignedTo string `json:"assignedTo,omitempty"`
	Priority   string `json:"priority,omitempty"`
	// CompletionTime runs from creation to completion; zero when unknown.
	CompletionTime time.Duration `json:"completionTime,omitempty"`
	DayOfWeek      time.Weekday  `json:"dayOfWeek"`
	HourOfDay      int           `json:"hourOfDay"`
	Timestamp      time.Time     `json:"timestamp"`
}

// TaskInsights summarizes a family's recently completed tasks.
type TaskInsights struct {
	// CommonCategories holds up to five categories, most frequent first.
	CommonCategories []string `json:"commonCategories"`
	// PreferredHours counts completions per hour of day.
	PreferredHours map[int]int `json:"preferredHours"`
	// Workload counts completions per assignee.
	Workload map[string]int `json:"workloadDistribution"`
	// AvgCompletionTime is nil when no task carries a completion time.
	AvgCompletionTime *time.Duration `json:"avgCompletionTime"`
	RecentTrends      []TaskPattern  `json:"recentTrends"`
}

// TaskHistory keeps a bounded, newest-first list of completed tasks per family.
type TaskHistory interface {
	AddTask(ctx context.Context, p TaskPattern) error
	RecentTasks(ctx context.Context, familyID string, limit int) ([]TaskPattern, error)
}

func taskKey(familyID string) string {
	return "task_history:" + familyID
}

// AddTask pushes p onto the family's task history, keeping the newest 100.
// The list expires with the episodic TTL.
func (r *RedisEpisodic) AddTask(ctx context.Context, p TaskPattern) error {
	if p.FamilyID == "" {
		return fmt.Errorf("task pattern has no family")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal task pattern: %w", err)
	}
	key := taskKey(p.FamilyID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, taskHistorySize-1)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store task pattern: %w", err)
	}
	return nil
}

// RecentTasks returns up to limit task patterns, newest first. Entries that
// fail to decode are skipped.
func (r *RedisEpisodic) RecentTasks(ctx context.Context, familyID string, limit int) ([]TaskPattern, error) {
	if limit <= 0 {
		return []TaskPattern{}, nil
	}
	values, err := r.client.LRange(ctx, taskKey(familyID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task history: %w", err)
	}
	out := make([]TaskPattern, 0, len(values))
	for _, v := range values {
		var p TaskPattern
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

var _ TaskHistory = (*RedisEpisodic)(nil)

// TaskCompleted remembers a task the catalogue marked completed.
func (m *Manager) TaskCompleted(ctx context.Context, task store.Record) {
	m.RecordTask(ctx, taskPattern(task, m.now()))
}

// RecordTask writes p to the task history in the background. It reports
// whether the write was accepted.
func (m *Manager) RecordTask(ctx context.Context, p TaskPattern) bool {
	if m.deps.Tasks == nil || p.FamilyID == "" {
		return false
	}
	return m.background(ctx, "memory.tasks", func(ctx context.Context) error {
		if err := m.deps.Tasks.AddTask(ctx, p); err != nil {
			tierFailed(TierTasks, "record", p.FamilyID, err)
			return err
		}
		return nil
	})
}

// TaskInsights analyzes the family's twenty most recent completed tasks. An
// unavailable history yields empty insights.
func (m *Manager) TaskInsights(ctx context.Context, familyID string) TaskInsights {
	var patterns []TaskPattern
	if m.deps.Tasks != nil {
		var err error
		if patterns, err = m.deps.Tasks.RecentTasks(ctx, familyID, taskRecall); err != nil {
			tierFailed(TierTasks, "recall", familyID, err)
			patterns = nil
		}
	}
	return analyzeTasks(patterns)
}

func taskPattern(task store.Record, now time.Time) TaskPattern {
	str := func(k string) string {
		s, _ := task.Data[k].(string)
		return s
	}
	p := TaskPattern{
		FamilyID:   task.FamilyID,
		TaskID:     task.ID,
		Title:      str("title"),
		Category:   str("category"),
		AssignedTo: str("assignee"),
		Priority:   str("priority"),
		DayOfWeek:  now.Weekday(),
		HourOfDay:  now.Hour(),
		Timestamp:  now,
	}
	completed := now
	if t, err := time.Parse(time.RFC3339, str("completedAt")); err == nil {
		completed = t
	}
	if !task.CreatedAt.IsZero() && completed.After(task.CreatedAt) {
		p.CompletionTime = completed.Sub(task.CreatedAt)
	}
	return p
}

// analyzeTasks expects patterns newest first. Tasks without a category or
// assignee are left out of those counts.
func analyzeTasks(patterns []TaskPattern) TaskInsights {
	in := TaskInsights{
		CommonCategories: []string{},
		PreferredHours:   map[int]int{},
		Workload:         map[string]int{},
		RecentTrends:     patterns[:min(taskTrends, len(patterns))],
	}
	if in.RecentTrends == nil {
		in.RecentTrends = []TaskPattern{}
	}

	type count struct {
		name string
		n    int
	}
	var categories []count
	var total time.Duration
	timed := 0
	for _, p := range patterns {
		in.PreferredHours[p.HourOfDay]++
		if p.AssignedTo != "" {
			in.Workload[p.AssignedTo]++
		}
		if p.CompletionTime > 0 {
			total += p.CompletionTime
			timed++
		}
		if p.Category == "" {
			continue
		}
		i := slices.IndexFunc(categories, func(c count) bool { return c.name == p.Category })
		if i < 0 {
			categories = append(categories, count{name: p.Category})
			i = len(categories) - 1
		}
		categories[i].n++
	}

	slices.SortStableFunc(categories, func(a, b count) int { return cmp.Compare(b.n, a.n) })
	for _, c := range categories[:min(taskCategories, len(categories))] {
		in.CommonCategories = append(in.CommonCategories, c.name)
	}
	if timed > 0 {
		avg := total / time.Duration(timed)
		in.AvgCompletionTime = &avg
	}
	return in
}

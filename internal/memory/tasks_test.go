package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easeaico/family-agent/internal/store"
)

func TestRedisEpisodic_TaskHistoryBounded(t *testing.T) {
	ctx := context.Background()
	ep, mr := setupEpisodic(t, time.Hour)

	for i := 1; i <= taskHistorySize+5; i++ {
		require.NoError(t, ep.AddTask(ctx, TaskPattern{FamilyID: "fam1", Title: fmt.Sprintf("t%d", i)}))
	}
	require.NoError(t, ep.AddTask(ctx, TaskPattern{FamilyID: "fam2", Title: "other"}))
	assert.Error(t, ep.AddTask(ctx, TaskPattern{Title: "orphan"}))

	items, err := mr.List(taskKey("fam1"))
	require.NoError(t, err)
	assert.Len(t, items, taskHistorySize)
	assert.Equal(t, time.Hour, mr.TTL(taskKey("fam1")))

	got, err := ep.RecentTasks(ctx, "fam1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "t105", got[0].Title)
	assert.Equal(t, "t103", got[2].Title)

	got, err = ep.RecentTasks(ctx, "fam1", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = mr.Lpush(taskKey("fam3"), "not json")
	require.NoError(t, err)
	got, err = ep.RecentTasks(ctx, "fam3", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAnalyzeTasks(t *testing.T) {
	hour := func(h int) TaskPattern { return TaskPattern{HourOfDay: h} }
	patterns := []TaskPattern{
		{Category: "chores", AssignedTo: "sam", HourOfDay: 18, CompletionTime: 2 * time.Hour},
		{Category: "school", AssignedTo: "ana", HourOfDay: 18},
		{Category: "chores", AssignedTo: "sam", HourOfDay: 9, CompletionTime: 4 * time.Hour},
		{Category: "errands", HourOfDay: 9},
		{Category: "school", AssignedTo: "sam", HourOfDay: 20},
		{Category: "chores", HourOfDay: 7},
		{Category: "garden"}, {Category: "pets"}, {Category: "meals"},
		hour(7), hour(7),
	}

	in := analyzeTasks(patterns)
	assert.Equal(t, []string{"chores", "school", "errands", "garden", "pets"}, in.CommonCategories)
	assert.Equal(t, map[int]int{18: 2, 9: 2, 20: 1, 7: 3, 0: 3}, in.PreferredHours)
	assert.Equal(t, map[string]int{"sam": 3, "ana": 1}, in.Workload)
	require.NotNil(t, in.AvgCompletionTime)
	assert.Equal(t, 3*time.Hour, *in.AvgCompletionTime)
	assert.Len(t, in.RecentTrends, taskTrends)
	assert.Equal(t, "chores", in.RecentTrends[0].Category)

	empty := analyzeTasks(nil)
	assert.Empty(t, empty.CommonCategories)
	assert.NotNil(t, empty.RecentTrends)
	assert.Nil(t, empty.AvgCompletionTime)
}

func TestManager_TaskCompletedFeedsInsights(t *testing.T) {
	ctx := context.Background()
	ep, _ := setupEpisodic(t, time.Hour)
	m := NewManager(Deps{Tasks: ep}, Options{})
	now := time.Date(2026, 10, 14, 19, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.TaskCompleted(ctx, store.Record{
		ID:        "t1",
		FamilyID:  "fam1",
		Kind:      "task",
		CreatedAt: now.Add(-90 * time.Minute),
		Data: map[string]any{
			"title":       "Mow the lawn",
			"category":    "chores",
			"assignee":    "sam",
			"priority":    "high",
			"completedAt": now.Add(-30 * time.Minute).Format(time.RFC3339),
		},
	})

	in := m.TaskInsights(ctx, "fam1")
	require.Len(t, in.RecentTrends, 1)
	p := in.RecentTrends[0]
	assert.Equal(t, "t1", p.TaskID)
	assert.Equal(t, "Mow the lawn", p.Title)
	assert.Equal(t, "high", p.Priority)
	assert.Equal(t, time.Hour, p.CompletionTime)
	assert.Equal(t, time.Wednesday, p.DayOfWeek)
	assert.Equal(t, 19, p.HourOfDay)
	assert.Equal(t, []string{"chores"}, in.CommonCategories)
	assert.Equal(t, map[string]int{"sam": 1}, in.Workload)

	assert.Empty(t, m.TaskInsights(ctx, "fam2").RecentTrends)

	bare := NewManager(Deps{}, Options{})
	assert.False(t, bare.RecordTask(ctx, TaskPattern{FamilyID: "fam1"}))
	assert.Empty(t, bare.TaskInsights(ctx, "fam1").CommonCategories)
}

package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/easeaico/family-agent/internal/tools"
)

// Invoker runs a catalogue tool.
type Invoker interface {
	Invoke(ctx context.Context, inv tools.Invocation) (any, error)
}

// CalendarChecker detects event collisions through the check_calendar tool.
type CalendarChecker struct {
	Tools Invoker
}

// HasConflict checks the slot named by the event's startTime and endTime;
// a missing end means one hour. An event without a valid start time never
// conflicts.
func (c CalendarChecker) HasConflict(ctx context.Context, familyID string, input map[string]any) (bool, error) {
	raw, _ := input["startTime"].(string)
	start, err := time.Parse(time.RFC3339, raw)
	if err != nil || familyID == "" {
		return false, nil
	}
	end := start.Add(time.Hour)
	if s, ok := input["endTime"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			end = t
		}
	}
	slot := map[string]any{"startTime": start.Format(time.RFC3339), "endTime": end.Format(time.RFC3339)}

	out, err := c.Tools.Invoke(ctx, tools.Invocation{
		FamilyID: familyID,
		Call:     tools.NewCall("schedule-check", "check_calendar", slot),
	})
	if err != nil {
		return false, fmt.Errorf("failed to check calendar: %w", err)
	}
	result, ok := out.(map[string]any)
	if !ok {
		return false, fmt.Errorf("unexpected check_calendar result %T", out)
	}
	available, _ := result["available"].(bool)
	return !available, nil
}

var _ ScheduleChecker = CalendarChecker{}

package service

import (
	"time"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/reasoning"
	"github.com/easeaico/family-agent/internal/tools"
)

// Input fields that tell the gate how completely an action was specified.
var (
	timeFields        = []string{"startTime", "dueDate", "date", "time"}
	locationFields    = []string{"location", "address"}
	participantFields = []string{"attendees", "assignee", "to", "recipient"}
	priorityFields    = []string{"priority"}
	deadlineFields    = []string{"dueDate", "startTime"}
)

func (r Request) reasoningContext() reasoning.RequestContext {
	return reasoning.RequestContext{
		FamilyID:   r.FamilyID,
		UserID:     r.UserID,
		ToolInputs: r.Context.ToolInputs,
	}
}

// actionContext combines request hints, the call's own input and the
// detected temporal reference.
func actionContext(familyID, userID string, rc RequestContext, call tools.Call, temporal bool) autonomy.ActionContext {
	input := call.Input()
	ac := autonomy.ActionContext{
		FamilyID:              familyID,
		UserID:                userID,
		TimeSpecified:         temporal || hasAny(input, timeFields),
		LocationSpecified:     rc.Location != "" || hasAny(input, locationFields),
		ParticipantsSpecified: len(rc.Participants) > 0 || hasAny(input, participantFields),
		PrioritySpecified:     rc.Priority != "" || hasAny(input, priorityFields),
	}
	if rc.Deadline != nil {
		ac.Deadline = *rc.Deadline
		return ac
	}
	for _, f := range deadlineFields {
		if s, ok := input[f].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				ac.Deadline = t
				break
			}
		}
	}
	return ac
}

func hasAny(input map[string]any, fields []string) bool {
	for _, f := range fields {
		switch v := input[f].(type) {
		case nil:
		case string:
			if v != "" {
				return true
			}
		case []any:
			if len(v) > 0 {
				return true
			}
		default:
			return true
		}
	}
	return false
}

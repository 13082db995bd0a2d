package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/metrics"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
)

// Confirm resolves a pending action owned by userID in familyID. Approval
// runs the stored call; rejection only records it. Resolving an action that
// is no longer pending returns ErrAlreadyResolved and runs nothing.
func (p *Pipeline) Confirm(ctx context.Context, pendingID string, approve bool, userID, familyID string) (Result, error) {
	pending, err := p.deps.Store.GetPending(ctx, pendingID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load pending action %s: %w", pendingID, err)
	}
	if pending.FamilyID != familyID || pending.UserID != userID {
		return Result{}, ErrAccessDenied
	}
	if pending.Status != store.StatusPending {
		return Result{}, ErrAlreadyResolved
	}

	status := store.StatusRejected
	if approve {
		status = store.StatusApproved
	}
	ok, err := p.deps.Store.ResolvePending(ctx, pendingID, status)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve pending action %s: %w", pendingID, err)
	}
	if !ok {
		return Result{}, ErrAlreadyResolved
	}

	p.audit(ctx, store.AuditEntry{
		Action: "pending_resolved",
		Details: map[string]any{
			"pendingActionId": pendingID,
			"tool":            pending.ToolName,
			"status":          string(status),
		},
		UserID:   userID,
		FamilyID: familyID,
	})

	if p.deps.Learner != nil {
		if err := p.deps.Learner.RecordConfirmation(ctx, familyID, userID, pending.Category, approve); err != nil {
			log.Warn().Err(err).Str("pending_id", pendingID).Msg("failed to record confirmation")
		}
	}

	call := tools.NewCall(pending.CallID, pending.ToolName, pending.Input)
	if !approve {
		metrics.ToolExecutions.WithLabelValues(pending.ToolName, string(StatusRejected)).Inc()
		return Result{
			CallID:     call.ID(),
			ToolName:   call.Name(),
			Status:     StatusRejected,
			PendingID:  pendingID,
			Category:   pending.Category,
			Confidence: pending.Confidence,
		}, nil
	}

	res := p.dispatch(ctx, familyID, userID, call, autonomy.Decision{
		Category:   pending.Category,
		Confidence: pending.Confidence,
	})
	res.PendingID = pendingID
	return res, nil
}

// Pending lists the user's unresolved actions created after since. A zero
// since uses the configured window.
func (p *Pipeline) Pending(ctx context.Context, familyID, userID string, since time.Time) ([]store.PendingAction, error) {
	if since.IsZero() {
		since = p.now().Add(-p.opts.PendingWindow)
	}
	actions, err := p.deps.Store.ListPending(ctx, familyID, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	if actions == nil {
		actions = []store.PendingAction{}
	}
	return actions, nil
}

package autonomy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/easeaico/family-agent/internal/store"
)

// Observed satisfaction for a positive and a negative outcome.
const (
	observedPositive = 0.8
	observedNegative = 0.2
)

// feedbackWindow bounds the feedback history used by AdjustAutonomy.
const feedbackWindow = 20

// Outcome is the result of one executed tool call.
type Outcome struct {
	FamilyID   string
	UserID     string
	ToolName   string
	Category   string
	Success    bool
	Confidence float64
}

// FeedbackInput is explicit user feedback about the agent's autonomy.
type FeedbackInput struct {
	// Satisfaction is in [0,1].
	Satisfaction          float64
	RequestedMoreAutonomy bool
	RequestedLessAutonomy bool
}

// RecordOutcome appends o to the action history and folds it into the
// user's category preference.
func (g *Gate) RecordOutcome(ctx context.Context, o Outcome) error {
	if g.store == nil {
		return nil
	}
	rec := store.ActionRecord{
		ID:         uuid.NewString(),
		FamilyID:   o.FamilyID,
		UserID:     o.UserID,
		ToolName:   o.ToolName,
		Category:   o.Category,
		Success:    o.Success,
		Confidence: o.Confidence,
		ExecutedAt: g.now(),
	}
	histErr := g.store.AddActionRecord(ctx, rec)

	observed := observedNegative
	if o.Success {
		observed = observedPositive
	}
	prefErr := g.updatePreference(ctx, o.FamilyID, o.UserID, func(p *store.Preference) {
		observe(p, o.Category, observed)
	})
	return errors.Join(histErr, prefErr)
}

// RecordConfirmation folds an approval or rejection into the category
// preference.
func (g *Gate) RecordConfirmation(ctx context.Context, familyID, userID, category string, approved bool) error {
	observed := observedNegative
	if approved {
		observed = observedPositive
	}
	return g.updatePreference(ctx, familyID, userID, func(p *store.Preference) {
		observe(p, category, observed)
	})
}

// RecordFeedback blends a rating into the overall satisfaction score.
func (g *Gate) RecordFeedback(ctx context.Context, familyID, userID string, rating float64) error {
	return g.updatePreference(ctx, familyID, userID, func(p *store.Preference) {
		p.Learning.SatisfactionScore = p.Learning.SatisfactionScore*0.8 + clamp(rating)*0.2
		p.Learning.TotalInteractions++
	})
}

// SetAutonomyLevel stores an explicit level for the user.
func (g *Gate) SetAutonomyLevel(ctx context.Context, familyID, userID string, level Level) error {
	return g.updatePreference(ctx, familyID, userID, func(p *store.Preference) {
		p.AutonomyLevel = level.String()
	})
}

// AutonomyLevel returns the user's effective level.
func (g *Gate) AutonomyLevel(ctx context.Context, familyID, userID string) (Level, error) {
	pref, err := g.preference(ctx, familyID, userID)
	if err != nil {
		return g.defaultLevel, err
	}
	return g.levelOf(pref), nil
}

// AdjustAutonomy records feedback and moves the level one step. Average
// satisfaction above 0.8 with a request for more autonomy raises it; average
// below 0.4 or a request for less autonomy lowers it.
func (g *Gate) AdjustAutonomy(ctx context.Context, familyID, userID string, fb FeedbackInput) (Level, error) {
	var next Level
	err := g.updatePreference(ctx, familyID, userID, func(p *store.Preference) {
		p.Feedback = append(p.Feedback, store.Feedback{
			Rating:                clamp(fb.Satisfaction),
			RequestedMoreAutonomy: fb.RequestedMoreAutonomy,
			RequestedLessAutonomy: fb.RequestedLessAutonomy,
			At:                    g.now(),
		})
		if len(p.Feedback) > feedbackWindow {
			p.Feedback = p.Feedback[len(p.Feedback)-feedbackWindow:]
		}

		var sum float64
		for _, f := range p.Feedback {
			sum += f.Rating
		}
		avg := sum / float64(len(p.Feedback))

		current := g.levelOf(p)
		next = current
		switch {
		case avg > 0.8 && fb.RequestedMoreAutonomy:
			next = current.raise()
		case avg < 0.4 || fb.RequestedLessAutonomy:
			next = current.lower()
		}
		p.AutonomyLevel = next.String()
	})
	if err != nil {
		return g.defaultLevel, err
	}
	return next, nil
}

func observe(p *store.Preference, category string, observed float64) {
	if p.ActionPreferences == nil {
		p.ActionPreferences = make(map[string]store.CategoryPreference)
	}
	cp, ok := p.ActionPreferences[category]
	if !ok {
		cp = store.CategoryPreference{Satisfaction: 0.5}
	}
	cp.Satisfaction = (cp.Satisfaction*float64(cp.Count) + observed) / float64(cp.Count+1)
	cp.Count++
	p.ActionPreferences[category] = cp
	p.Learning.TotalInteractions++
}

func (g *Gate) newPreference(familyID, userID string) *store.Preference {
	return &store.Preference{
		FamilyID:          familyID,
		UserID:            userID,
		AutonomyLevel:     g.defaultLevel.String(),
		ActionPreferences: make(map[string]store.CategoryPreference),
		Learning: store.LearningData{
			ConfirmationRate:  0.5,
			SatisfactionScore: 0.7,
		},
	}
}

// updatePreference runs a read-modify-write of the user's profile. Writers
// in this process are serialized per user; across processes the last
// writer wins.
func (g *Gate) updatePreference(ctx context.Context, familyID, userID string, mutate func(*store.Preference)) error {
	if g.store == nil {
		return nil
	}
	if familyID == "" || userID == "" {
		return fmt.Errorf("preference update needs family and user")
	}

	lock := g.prefLock(familyID, userID)
	lock.Lock()
	defer lock.Unlock()

	pref, err := g.preference(ctx, familyID, userID)
	if err != nil {
		return fmt.Errorf("failed to load preference: %w", err)
	}
	if pref == nil {
		pref = g.newPreference(familyID, userID)
	}
	mutate(pref)
	if err := g.store.SavePreference(ctx, pref); err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

func (g *Gate) prefLock(familyID, userID string) *sync.Mutex {
	l, _ := g.prefLocks.LoadOrStore(familyID+"\x00"+userID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Package autonomy scores planned tool calls and decides whether a human has
// to confirm them before they run.
package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/easeaico/family-agent/internal/keywords"
	"github.com/easeaico/family-agent/internal/metrics"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
	"github.com/easeaico/family-agent/internal/worker"
)

// Store is the persistence the gate needs.
type Store interface {
	GetPreference(ctx context.Context, familyID, userID string) (*store.Preference, error)
	SavePreference(ctx context.Context, p *store.Preference) error
	AddActionRecord(ctx context.Context, r store.ActionRecord) error
	RecentActions(ctx context.Context, familyID, category string, limit int) ([]store.ActionRecord, error)
	AddDecision(ctx context.Context, d store.DecisionRecord) error
}

// Factors are the inputs of an overall confidence score.
type Factors struct {
	Category       float64 `json:"category"`
	Historical     float64 `json:"historical"`
	Preference     float64 `json:"preference"`
	ContextClarity float64 `json:"contextClarity"`
	Urgency        float64 `json:"urgency"`
	Reversibility  float64 `json:"reversibility"`
}

// Confidence is the scored confidence for one planned call.
type Confidence struct {
	Overall   float64 `json:"overall"`
	Factors   Factors `json:"factors"`
	Category  string  `json:"category"`
	RiskLevel string  `json:"riskLevel"`
}

// Decision is the gate verdict for one call.
type Decision struct {
	RequiresConfirmation bool    `json:"requiresConfirmation"`
	Reason               string  `json:"reason"`
	AutonomyLevel        Level   `json:"autonomyLevel"`
	Confidence           float64 `json:"confidence"`
	Threshold            float64 `json:"threshold"`
	SuggestedAction      string  `json:"suggestedAction,omitempty"`
	Category             string  `json:"category"`
	RiskLevel            string  `json:"riskLevel"`
	Factors              Factors `json:"factors"`
}

// ActionContext describes how completely the request specified the action.
type ActionContext struct {
	FamilyID              string
	UserID                string
	TimeSpecified         bool
	LocationSpecified     bool
	ParticipantsSpecified bool
	PrioritySpecified     bool
	// Deadline is zero when the request has none.
	Deadline time.Time
}

// Options configures a Gate.
type Options struct {
	// DefaultLevel applies to users without a stored level (default ASSISTED).
	DefaultLevel string
	// HistoryWindow is how many recent executions feed the historical factor.
	HistoryWindow int
	// Pool receives decision log writes. Without a pool they run inline.
	Pool *worker.Pool
}

// Gate computes confidence scores and confirmation decisions.
type Gate struct {
	store        Store
	rules        *Rules
	opts         Options
	defaultLevel Level
	now          func() time.Time

	// prefLocks serializes preference read-modify-write per user within
	// this process.
	prefLocks sync.Map
}

// New creates a gate. A nil rules table uses the embedded defaults.
func New(s Store, rules *Rules, opts Options) *Gate {
	if rules == nil {
		rules = DefaultRules()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	level := Assisted
	if opts.DefaultLevel != "" {
		if parsed, err := ParseLevel(opts.DefaultLevel); err == nil {
			level = parsed
		}
	}
	return &Gate{store: s, rules: rules, opts: opts, defaultLevel: level, now: time.Now}
}

// Fallback is the conservative decision used when scoring fails.
func Fallback(reason string) Decision {
	return Decision{
		RequiresConfirmation: true,
		Reason:               reason,
		AutonomyLevel:        Manual,
		Confidence:           0.3,
		Threshold:            0.95,
		SuggestedAction:      suggestion(0.3),
		Category:             "unknown",
		RiskLevel:            "high",
	}
}

func actionText(call tools.Call) keywords.Text {
	data, err := json.Marshal(map[string]any{"name": call.Name(), "input": call.Input()})
	if err != nil {
		return keywords.New(call.Name())
	}
	return keywords.New(string(data))
}

// Categorize infers the category rule for call.
func (g *Gate) Categorize(call tools.Call) CategoryRule {
	return g.rules.Categorize(actionText(call))
}

// Confidence scores call for the family in ac. pref may be nil.
func (g *Gate) Confidence(ctx context.Context, call tools.Call, ac ActionContext, pref *store.Preference) Confidence {
	text := actionText(call)
	rule := g.rules.Categorize(text)

	f := Factors{
		Category:       rule.BaseConfidence,
		Historical:     g.historical(ctx, ac.FamilyID, rule.Name),
		Preference:     preferenceAlignment(pref, rule.Name),
		ContextClarity: clarity(ac),
		Urgency:        g.urgency(text, ac),
		Reversibility:  rule.Reversibility,
	}

	overall := (f.Category + f.Historical) / 2
	overall += (f.Preference - 0.5) * 0.3
	overall += (f.ContextClarity - 0.5) * 0.2
	overall += f.Urgency * 0.1
	overall += f.Reversibility * 0.1

	return Confidence{
		Overall:   clamp(overall),
		Factors:   f,
		Category:  rule.Name,
		RiskLevel: rule.RiskLevel,
	}
}

// ShouldConfirm looks up the user's autonomy level and compares the score
// against its threshold. A preference lookup failure yields Fallback.
func (g *Gate) ShouldConfirm(ctx context.Context, c Confidence, userID, familyID string) Decision {
	pref, err := g.preference(ctx, familyID, userID)
	if err != nil {
		log.Warn().Err(err).Str("family_id", familyID).Str("user_id", userID).Msg("autonomy level lookup failed")
		d := Fallback("Error in autonomy assessment")
		g.logDecision(familyID, userID, "", d)
		return d
	}
	d := g.decide(c, g.levelOf(pref))
	g.logDecision(familyID, userID, "", d)
	return d
}

// Evaluate scores and decides one call. It never fails: any error or panic
// yields Fallback.
func (g *Gate) Evaluate(ctx context.Context, call tools.Call, ac ActionContext) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tool", call.Name()).Msg("autonomy evaluation panicked")
			d = Fallback("Error in autonomy assessment")
			g.logDecision(ac.FamilyID, ac.UserID, call.Name(), d)
		}
	}()

	pref, err := g.preference(ctx, ac.FamilyID, ac.UserID)
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name()).Str("family_id", ac.FamilyID).Msg("preference lookup failed")
		d = Fallback("Error in autonomy assessment")
		g.logDecision(ac.FamilyID, ac.UserID, call.Name(), d)
		return d
	}

	c := g.Confidence(ctx, call, ac, pref)
	d = g.decide(c, g.levelOf(pref))
	g.logDecision(ac.FamilyID, ac.UserID, call.Name(), d)
	return d
}

func (g *Gate) decide(c Confidence, level Level) Decision {
	threshold := g.rules.Threshold(level)
	requires := c.Overall < threshold

	reason := fmt.Sprintf("Confidence %.0f%% exceeds threshold %.0f%%", c.Overall*100, threshold*100)
	if requires {
		reason = fmt.Sprintf("Confidence %.0f%% below threshold %.0f%%", c.Overall*100, threshold*100)
	}

	return Decision{
		RequiresConfirmation: requires,
		Reason:               reason,
		AutonomyLevel:        level,
		Confidence:           c.Overall,
		Threshold:            threshold,
		SuggestedAction:      suggestion(c.Overall),
		Category:             c.Category,
		RiskLevel:            c.RiskLevel,
		Factors:              c.Factors,
	}
}

func suggestion(overall float64) string {
	switch {
	case overall < 0.3:
		return "I'm not confident about this action. Please review carefully."
	case overall < 0.6:
		return "I have moderate confidence. Would you like me to proceed?"
	default:
		return "I'm confident about this action. Proceeding unless you object."
	}
}

func (g *Gate) logDecision(familyID, userID, toolName string, d Decision) {
	verdict := "auto"
	if d.RequiresConfirmation {
		verdict = "confirm"
	}
	metrics.AutonomyDecisions.WithLabelValues(d.AutonomyLevel.String(), verdict).Inc()

	if g.store == nil {
		return
	}
	rec := store.DecisionRecord{
		FamilyID:             familyID,
		UserID:               userID,
		ToolName:             toolName,
		Category:             d.Category,
		Confidence:           d.Confidence,
		Threshold:            d.Threshold,
		AutonomyLevel:        d.AutonomyLevel.String(),
		RequiresConfirmation: d.RequiresConfirmation,
		Reason:               d.Reason,
		DecidedAt:            g.now(),
	}
	task := func(ctx context.Context) error { return g.store.AddDecision(ctx, rec) }
	if g.opts.Pool != nil {
		g.opts.Pool.Submit("autonomy.decision", task)
		return
	}
	if err := task(context.Background()); err != nil {
		log.Warn().Err(err).Str("family_id", familyID).Msg("failed to log autonomy decision")
	}
}

func (g *Gate) historical(ctx context.Context, familyID, category string) float64 {
	if g.store == nil || familyID == "" {
		return 0.5
	}
	records, err := g.store.RecentActions(ctx, familyID, category, g.opts.HistoryWindow)
	if err != nil {
		log.Warn().Err(err).Str("family_id", familyID).Str("category", category).Msg("historical confidence lookup failed")
		return 0.5
	}
	if len(records) == 0 {
		return 0.5
	}
	var ok int
	for _, r := range records {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(records))
}

func preferenceAlignment(pref *store.Preference, category string) float64 {
	if pref == nil {
		return 0.5
	}
	cp, ok := pref.ActionPreferences[category]
	if !ok || cp.Satisfaction == 0 {
		return 0.5
	}
	return cp.Satisfaction
}

func clarity(ac ActionContext) float64 {
	c := 0.5
	if ac.TimeSpecified {
		c += 0.2
	}
	if ac.LocationSpecified {
		c += 0.1
	}
	if ac.ParticipantsSpecified {
		c += 0.1
	}
	if ac.PrioritySpecified {
		c += 0.1
	}
	return math.Min(1, c)
}

func (g *Gate) urgency(text keywords.Text, ac ActionContext) float64 {
	if text.Any(g.rules.UrgencyKeywords) {
		return 1.0
	}
	if !ac.Deadline.IsZero() && ac.Deadline.Before(g.now().Add(24*time.Hour)) {
		return 0.8
	}
	return 0
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

// preference loads the stored profile. A missing profile is not an error and
// yields nil.
func (g *Gate) preference(ctx context.Context, familyID, userID string) (*store.Preference, error) {
	if g.store == nil {
		return nil, nil
	}
	pref, err := g.store.GetPreference(ctx, familyID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pref, nil
}

func (g *Gate) levelOf(pref *store.Preference) Level {
	if pref == nil || pref.AutonomyLevel == "" {
		return g.defaultLevel
	}
	level, err := ParseLevel(pref.AutonomyLevel)
	if err != nil {
		return g.defaultLevel
	}
	return level
}

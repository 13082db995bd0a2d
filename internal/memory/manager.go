package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/easeaico/family-agent/internal/metrics"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/worker"
)

// Options holds tier limits. Zero values take the defaults.
type Options struct {
	WorkingCapacity       int
	EpisodicRecall        int
	SemanticTopK          int
	ProceduralLimit       int
	SignificanceThreshold int
}

func (o *Options) withDefaults() {
	if o.WorkingCapacity <= 0 {
		o.WorkingCapacity = 10
	}
	if o.EpisodicRecall <= 0 {
		o.EpisodicRecall = 5
	}
	if o.SemanticTopK <= 0 {
		o.SemanticTopK = 3
	}
	if o.ProceduralLimit <= 0 {
		o.ProceduralLimit = 50
	}
	if o.SignificanceThreshold <= 0 {
		o.SignificanceThreshold = 50
	}
}

// Deps are the tier backends. Any of them may be nil, in which case that
// tier recalls nothing and writes are skipped.
type Deps struct {
	Episodic EpisodicStore
	Embedder Embedder
	Index    VectorIndex
	Patterns PatternStore
	// Tasks keeps the completed-task history behind TaskInsights.
	Tasks TaskHistory
	// Pool runs the non-working writes. Without a pool they run inline.
	Pool *worker.Pool
}

// Manager coordinates the four memory tiers for all families.
type Manager struct {
	working *Working
	deps    Deps
	opts    Options
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(deps Deps, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		working: NewWorking(opts.WorkingCapacity),
		deps:    deps,
		opts:    opts,
		now:     time.Now,
	}
}

// Working exposes the working-memory arena.
func (m *Manager) Working() *Working {
	return m.working
}

// Recall reads all four tiers for familyID concurrently. Semantic search only
// runs for a non-empty query. A failing tier yields an empty slice.
func (m *Manager) Recall(ctx context.Context, familyID, query string) Context {
	out := Context{
		Working:    []WorkingEntry{},
		Episodic:   []Episode{},
		Semantic:   []SemanticHit{},
		Procedural: []store.Pattern{},
	}
	if familyID == "" {
		return out
	}

	out.Working = m.working.Snapshot(familyID)

	var g errgroup.Group
	if m.deps.Episodic != nil {
		g.Go(func() error {
			episodes, err := m.deps.Episodic.Recent(ctx, familyID, m.opts.EpisodicRecall)
			if err != nil {
				tierFailed(TierEpisodic, "recall", familyID, err)
				return nil
			}
			out.Episodic = episodes
			return nil
		})
	}
	if strings.TrimSpace(query) != "" && m.semanticEnabled() {
		g.Go(func() error {
			hits, err := m.searchSemantic(ctx, familyID, query)
			if err != nil {
				tierFailed(TierSemantic, "recall", familyID, err)
				return nil
			}
			out.Semantic = hits
			return nil
		})
	}
	if m.deps.Patterns != nil {
		g.Go(func() error {
			patterns, err := m.deps.Patterns.ListPatterns(ctx, familyID, m.opts.ProceduralLimit)
			if err != nil {
				tierFailed(TierProcedural, "recall", familyID, err)
				return nil
			}
			if patterns != nil {
				out.Procedural = patterns
			}
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (m *Manager) semanticEnabled() bool {
	return m.deps.Embedder != nil && m.deps.Index != nil
}

func (m *Manager) searchSemantic(ctx context.Context, familyID, query string) ([]SemanticHit, error) {
	vector, err := m.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	matches, err := m.deps.Index.Query(ctx, vector, map[string]any{store.FamilyKey: familyID}, m.opts.SemanticTopK)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector index: %w", err)
	}

	hits := make([]SemanticHit, 0, len(matches))
	for _, mt := range matches {
		content, _ := mt.Metadata["content"].(string)
		hits = append(hits, SemanticHit{ID: mt.ID, Score: mt.Score, Content: content, Metadata: mt.Metadata})
	}
	return hits, nil
}

// Record writes an interaction back to memory. The working tier is updated
// synchronously; the other tiers are written in the background. It reports
// whether every write was accepted; failures are logged, never returned.
func (m *Manager) Record(ctx context.Context, in Interaction) bool {
	if in.FamilyID == "" {
		log.Warn().Str("user_id", in.UserID).Msg("interaction without family not recorded")
		return false
	}
	now := m.now()

	m.working.Put(in.FamilyID, LastInteractionKey, map[string]any{
		"message":   truncateRunes(in.Message, 100),
		"timestamp": now,
	})

	accepted := true
	tools := append([]string(nil), in.ToolsUsed...)

	if m.deps.Episodic != nil {
		episode := Episode{
			FamilyID:  in.FamilyID,
			UserID:    in.UserID,
			Message:   in.Message,
			Response:  in.Response,
			ToolsUsed: tools,
			Intent:    in.Intent,
			Timestamp: now,
		}
		accepted = m.background(ctx, "memory.episodic", func(ctx context.Context) error {
			if err := m.deps.Episodic.Add(ctx, episode); err != nil {
				tierFailed(TierEpisodic, "record", in.FamilyID, err)
				return err
			}
			return nil
		}) && accepted
	}

	if m.significant(in) && m.semanticEnabled() {
		content := fmt.Sprintf("User: %s\nAgent: %s\nTools: %s", in.Message, in.Response, strings.Join(tools, ", "))
		metadata := map[string]any{
			store.FamilyKey:  in.FamilyID,
			"user_id":        in.UserID,
			"content":        content,
			"intent":         in.Intent,
			"has_tools":      len(tools) > 0,
			"message_length": utf8.RuneCountInString(in.Message),
			"timestamp":      now.UTC().Format(time.RFC3339),
		}
		accepted = m.background(ctx, "memory.semantic", func(ctx context.Context) error {
			vector, err := m.deps.Embedder.Embed(ctx, content)
			if err != nil {
				tierFailed(TierSemantic, "record", in.FamilyID, err)
				return err
			}
			if err := m.deps.Index.Upsert(ctx, uuid.NewString(), vector, metadata); err != nil {
				tierFailed(TierSemantic, "record", in.FamilyID, err)
				return err
			}
			return nil
		}) && accepted
	}

	if len(tools) > 0 && m.deps.Patterns != nil {
		succeeded := 0
		if len(in.FailedTools) == 0 {
			succeeded = 1
		}
		pattern := store.Pattern{
			ID:             uuid.NewString(),
			FamilyID:       in.FamilyID,
			UserID:         in.UserID,
			Trigger:        in.Message,
			Intent:         in.Intent,
			Actions:        tools,
			ExecutionCount: 1,
			SuccessCount:   succeeded,
			SuccessRate:    float64(succeeded),
			CreatedAt:      now,
		}
		accepted = m.background(ctx, "memory.procedural", func(ctx context.Context) error {
			if err := m.deps.Patterns.AddPattern(ctx, pattern); err != nil {
				tierFailed(TierProcedural, "record", in.FamilyID, err)
				return err
			}
			return nil
		}) && accepted
	}

	return accepted
}

// UpdatePattern records one execution outcome for a procedural pattern.
func (m *Manager) UpdatePattern(ctx context.Context, patternID string, success bool) error {
	if m.deps.Patterns == nil {
		return nil
	}
	if err := m.deps.Patterns.RecordPatternOutcome(ctx, patternID, success); err != nil {
		return fmt.Errorf("failed to update pattern %s: %w", patternID, err)
	}
	return nil
}

func (m *Manager) significant(in Interaction) bool {
	return len(in.ToolsUsed) > 0 || utf8.RuneCountInString(in.Message) > m.opts.SignificanceThreshold
}

func (m *Manager) background(ctx context.Context, name string, task worker.Task) bool {
	if m.deps.Pool != nil {
		return m.deps.Pool.Submit(name, task)
	}
	_ = task(context.WithoutCancel(ctx))
	return true
}

func tierFailed(tier, op, familyID string, err error) {
	metrics.MemoryTierFailures.WithLabelValues(tier, op).Inc()
	log.Warn().Err(err).Str("tier", tier).Str("op", op).Str("family_id", familyID).Msg("memory tier degraded")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

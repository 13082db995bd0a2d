// Package memory implements the four-tier family memory: working (in-process),
// episodic (Redis with TTL), semantic (embeddings in a vector index) and
// procedural (learned trigger to action patterns in the durable store).
package memory

import (
	"context"
	"time"

	"github.com/easeaico/family-agent/internal/store"
)

// Tier names used in logs and metrics.
const (
	TierWorking    = "working"
	TierEpisodic   = "episodic"
	TierSemantic   = "semantic"
	TierProcedural = "procedural"
	TierTasks      = "tasks"
)

// LastInteractionKey is the working-memory key refreshed by every Record.
const LastInteractionKey = "last_interaction"

// WorkingEntry is one working-memory item.
type WorkingEntry struct {
	Key          string    `json:"key"`
	Value        any       `json:"value"`
	CreatedAt    time.Time `json:"createdAt"`
	AccessCount  int       `json:"accessCount"`
	LastAccessed time.Time `json:"lastAccessed,omitempty"`
}

// Episode is one interaction kept in episodic memory.
type Episode struct {
	FamilyID  string    `json:"familyId"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	ToolsUsed []string  `json:"toolsUsed"`
	Intent    string    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SemanticHit is a semantic search result.
type SemanticHit struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Context is the recalled memory for one family. A tier that failed is empty.
type Context struct {
	Working    []WorkingEntry  `json:"working"`
	Episodic   []Episode       `json:"episodic"`
	Semantic   []SemanticHit   `json:"semantic"`
	Procedural []store.Pattern `json:"procedural"`
}

// Interaction is what Record writes back after a request.
type Interaction struct {
	FamilyID  string
	UserID    string
	Message   string
	Response  string
	ToolsUsed []string
	// FailedTools lists the tools that ran and failed. A new pattern is
	// seeded as a success only when it is empty.
	FailedTools []string
	Intent      string
}

// EpisodicStore keeps recent interactions with expiry.
type EpisodicStore interface {
	Add(ctx context.Context, e Episode) error
	Recent(ctx context.Context, familyID string, limit int) ([]Episode, error)
}

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the similarity backend for the semantic tier. Writes and
// queries are scoped by the store.FamilyKey metadata entry.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error
	Query(ctx context.Context, vector []float32, filter map[string]any, topK int) ([]store.Match, error)
}

// PatternStore persists procedural patterns.
type PatternStore interface {
	AddPattern(ctx context.Context, p store.Pattern) error
	ListPatterns(ctx context.Context, familyID string, limit int) ([]store.Pattern, error)
	RecordPatternOutcome(ctx context.Context, patternID string, success bool) error
}

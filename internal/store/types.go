// Package store provides the durable backends shared by the agent core:
// procedural patterns, pending actions, user preferences, action history,
// the audit trail, decision and reasoning logs, the semantic vector index and
// the family records the default tool catalogue operates on.
//
// Two implementations are provided: PostgresStore (pgx + pgvector) and
// SQLiteStore (modernc.org/sqlite with in-process cosine similarity).
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDimensionMismatch is returned when a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrMissingFamily is returned when a write or query is not scoped to a family.
	ErrMissingFamily = errors.New("family_id is required")
)

// FamilyKey is the metadata key every semantic chunk must carry.
const FamilyKey = "family_id"

// Pattern is a procedural memory entry: a trigger message and the tools that
// answered it, with a running success rate.
type Pattern struct {
	ID             string
	FamilyID       string
	UserID         string
	Trigger        string
	Intent         string
	Actions        []string
	ExecutionCount int
	SuccessCount   int
	SuccessRate    float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Match is one result of a vector similarity query.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// PendingStatus is the lifecycle state of a deferred tool call.
type PendingStatus string

const (
	StatusPending  PendingStatus = "pending"
	StatusApproved PendingStatus = "approved"
	StatusRejected PendingStatus = "rejected"
)

// PendingAction is a tool call that is waiting for explicit human approval.
// Rows are never deleted; only the status moves away from pending, once.
type PendingAction struct {
	ID         string
	FamilyID   string
	UserID     string
	CallID     string
	ToolName   string
	Input      map[string]any
	Confidence float64
	Category   string
	RiskLevel  string
	Reason     string
	Status     PendingStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CategoryPreference is the running satisfaction average for one action category.
type CategoryPreference struct {
	Satisfaction float64 `json:"satisfaction"`
	Count        int     `json:"count"`
}

// LearningData holds the aggregate interaction statistics of a user.
type LearningData struct {
	TotalInteractions int     `json:"totalInteractions"`
	ConfirmationRate  float64 `json:"confirmationRate"`
	SatisfactionScore float64 `json:"satisfactionScore"`
}

// Feedback is an explicit rating left by a user.
type Feedback struct {
	Rating                float64   `json:"rating"`
	RequestedMoreAutonomy bool      `json:"requestedMoreAutonomy,omitempty"`
	RequestedLessAutonomy bool      `json:"requestedLessAutonomy,omitempty"`
	At                    time.Time `json:"at"`
}

// Preference is the per (family, user) autonomy profile.
type Preference struct {
	FamilyID          string
	UserID            string
	AutonomyLevel     string
	ActionPreferences map[string]CategoryPreference
	Learning          LearningData
	Feedback          []Feedback
	UpdatedAt         time.Time
}

// ActionRecord is one executed tool call and its outcome.
type ActionRecord struct {
	ID         string
	FamilyID   string
	UserID     string
	ToolName   string
	Category   string
	Success    bool
	Confidence float64
	ExecutedAt time.Time
}

// AuditEntry is an append-only audit trail record.
type AuditEntry struct {
	Action    string
	Details   map[string]any
	UserID    string
	FamilyID  string
	Source    string
	Timestamp time.Time
}

// DecisionRecord logs one confirmation decision for later autonomy tuning.
type DecisionRecord struct {
	FamilyID             string
	UserID               string
	ToolName             string
	Category             string
	Confidence           float64
	Threshold            float64
	AutonomyLevel        string
	RequiresConfirmation bool
	Reason               string
	DecidedAt            time.Time
}

// ReasoningRecord is a persisted reasoning chain.
type ReasoningRecord struct {
	ID         string
	FamilyID   string
	UserID     string
	Message    string
	Intent     string
	Complexity string
	Confidence float64
	Tools      []string
	Steps      []map[string]any
	CreatedAt  time.Time
}

// Record is a family-scoped document written by the tool catalogue
// (tasks, events, lists, contacts and so on), grouped by kind.
type Record struct {
	ID        string
	FamilyID  string
	Kind      string
	Data      map[string]any
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the full contract implemented by every backend. Consumers depend
// on the narrow interfaces declared in their own packages instead.
type Store interface {
	// Migrate creates tables and indexes if they don't exist.
	Migrate(ctx context.Context) error

	AddPattern(ctx context.Context, p Pattern) error
	ListPatterns(ctx context.Context, familyID string, limit int) ([]Pattern, error)
	RecordPatternOutcome(ctx context.Context, patternID string, success bool) error

	// Upsert stores a chunk vector. metadata must carry FamilyKey.
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error
	// Query returns the topK chunks most similar to vector. filter must carry FamilyKey.
	Query(ctx context.Context, vector []float32, filter map[string]any, topK int) ([]Match, error)

	CreatePending(ctx context.Context, p PendingAction) error
	GetPending(ctx context.Context, id string) (*PendingAction, error)
	// ResolvePending moves a pending action to status. It reports false when
	// the action was already resolved.
	ResolvePending(ctx context.Context, id string, status PendingStatus) (bool, error)
	ListPending(ctx context.Context, familyID, userID string, since time.Time) ([]PendingAction, error)

	GetPreference(ctx context.Context, familyID, userID string) (*Preference, error)
	SavePreference(ctx context.Context, p *Preference) error

	AddActionRecord(ctx context.Context, r ActionRecord) error
	RecentActions(ctx context.Context, familyID, category string, limit int) ([]ActionRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	AddDecision(ctx context.Context, d DecisionRecord) error
	AddReasoning(ctx context.Context, r ReasoningRecord) error

	PutRecord(ctx context.Context, r Record) error
	GetRecord(ctx context.Context, familyID, kind, id string) (*Record, error)
	UpdateRecord(ctx context.Context, r Record) error
	DeleteRecord(ctx context.Context, familyID, kind, id string) error
	ListRecords(ctx context.Context, familyID, kind string, limit int) ([]Record, error)

	Close() error
}

// Open connects to the backend named by dbType ("postgres" or "sqlite").
func Open(ctx context.Context, dbType, url string, dimension int) (Store, error) {
	switch dbType {
	case "postgres":
		return NewPostgresStore(ctx, url, dimension)
	case "sqlite":
		return NewSQLiteStore(ctx, url, dimension)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// familyFrom extracts the family scope from chunk metadata or a query filter.
func familyFrom(m map[string]any) (string, error) {
	v, ok := m[FamilyKey]
	if !ok {
		return "", ErrMissingFamily
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", ErrMissingFamily
	}
	return s, nil
}

func checkDimension(dimension int, v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if dimension > 0 && len(v) != dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dimension)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return b, nil
}

func unmarshalJSON[T any](b []byte) (T, error) {
	var v T
	if len(b) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package store

import (
	"context"
	"errors"
	"testing"
)

func TestPostgresStore_QueryNonPositiveTopK(t *testing.T) {
	// No pool: these calls must return before reaching the database.
	s := &PostgresStore{dimension: 3}
	ctx := context.Background()

	for _, topK := range []int{0, -5} {
		matches, err := s.Query(ctx, []float32{1, 0, 0}, map[string]any{FamilyKey: "fam1"}, topK)
		if err != nil {
			t.Fatalf("topK=%d: %v", topK, err)
		}
		if len(matches) != 0 {
			t.Errorf("topK=%d: expected no matches, got %d", topK, len(matches))
		}
	}

	if _, err := s.Query(ctx, []float32{1, 0}, map[string]any{FamilyKey: "fam1"}, 0); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch before the topK shortcut, got %v", err)
	}
}

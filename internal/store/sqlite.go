package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
// Vector similarity search is performed in application memory using cosine similarity,
// which is suitable for the per-family chunk counts this agent produces.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteStore opens the database at dbPath and verifies connectivity.
// The path should be a file path (e.g., "./family.db") or ":memory:" for an in-memory database.
// dimension fixes the embedding size accepted by the vector index; 0 disables the check.
func NewSQLiteStore(ctx context.Context, dbPath string, dimension int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db, dimension: dimension}, nil
}

// Migrate creates the necessary tables if they don't exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS procedural_patterns (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			user_id TEXT,
			trigger_text TEXT NOT NULL,
			intent TEXT,
			actions TEXT NOT NULL,
			execution_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_family ON procedural_patterns(family_id, success_rate DESC, execution_count DESC);

		CREATE TABLE IF NOT EXISTS semantic_chunks (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			embedding BLOB NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_family ON semantic_chunks(family_id);

		CREATE TABLE IF NOT EXISTS pending_actions (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			call_id TEXT,
			tool_name TEXT NOT NULL,
			input TEXT NOT NULL,
			confidence REAL NOT NULL,
			category TEXT,
			risk_level TEXT,
			reason TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			resolved_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_pending_scope ON pending_actions(family_id, user_id, status, created_at);

		CREATE TABLE IF NOT EXISTS user_preferences (
			family_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			autonomy_level TEXT NOT NULL,
			action_preferences TEXT NOT NULL,
			learning_data TEXT NOT NULL,
			feedback TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (family_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS action_history (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			user_id TEXT,
			tool_name TEXT NOT NULL,
			category TEXT NOT NULL,
			success INTEGER NOT NULL,
			confidence REAL,
			executed_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_history_category ON action_history(family_id, category, executed_at DESC);

		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			details TEXT,
			user_id TEXT,
			family_id TEXT,
			source TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS autonomy_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			family_id TEXT NOT NULL,
			user_id TEXT,
			tool_name TEXT,
			category TEXT,
			confidence REAL,
			threshold REAL,
			autonomy_level TEXT,
			requires_confirmation INTEGER,
			reason TEXT,
			decided_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS reasoning_chains (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			user_id TEXT,
			message TEXT,
			intent TEXT,
			complexity TEXT,
			confidence REAL,
			tools TEXT,
			steps TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS family_records (
			id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data TEXT NOT NULL,
			created_by TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (family_id, kind, id)
		);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// AddPattern appends a new procedural pattern.
func (s *SQLiteStore) AddPattern(ctx context.Context, p Pattern) error {
	actions, err := marshalJSON(p.Actions)
	if err != nil {
		return err
	}
	now := formatTimestamp(p.CreatedAt)
	query := `
		INSERT INTO procedural_patterns (id, family_id, user_id, trigger_text, intent, actions,
			execution_count, success_count, success_rate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, p.ID, p.FamilyID, p.UserID, p.Trigger, p.Intent, string(actions),
		p.ExecutionCount, p.SuccessCount, p.SuccessRate, now, now)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", err)
	}
	return nil
}

// ListPatterns returns a family's patterns ranked by success rate, then execution count.
func (s *SQLiteStore) ListPatterns(ctx context.Context, familyID string, limit int) ([]Pattern, error) {
	query := `
		SELECT id, family_id, user_id, trigger_text, intent, actions,
		       execution_count, success_count, success_rate, created_at, updated_at
		FROM procedural_patterns
		WHERE family_id = ?
		ORDER BY success_rate DESC, execution_count DESC, created_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		var (
			p                    Pattern
			userID, intent       sql.NullString
			actions              string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.FamilyID, &userID, &p.Trigger, &intent, &actions,
			&p.ExecutionCount, &p.SuccessCount, &p.SuccessRate, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.UserID = userID.String
		p.Intent = intent.String
		if p.Actions, err = unmarshalJSON[[]string]([]byte(actions)); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = parseTimestamp(createdAt)
		p.UpdatedAt, _ = parseTimestamp(updatedAt)
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patterns: %w", err)
	}
	return patterns, nil
}

// RecordPatternOutcome increments the execution count and recomputes the success rate.
func (s *SQLiteStore) RecordPatternOutcome(ctx context.Context, patternID string, success bool) error {
	inc := boolToInt(success)
	query := `
		UPDATE procedural_patterns
		SET execution_count = execution_count + 1,
		    success_count = success_count + ?,
		    success_rate = CAST(success_count + ? AS REAL) / (execution_count + 1),
		    updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, inc, inc, formatTimestamp(time.Now()), patternID)
	if err != nil {
		return fmt.Errorf("failed to update pattern: %w", err)
	}
	return requireAffected(res)
}

// Upsert stores or replaces a semantic chunk.
func (s *SQLiteStore) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	familyID, err := familyFrom(metadata)
	if err != nil {
		return err
	}
	if err := checkDimension(s.dimension, vector); err != nil {
		return err
	}
	meta, err := marshalJSON(metadata)
	if err != nil {
		return err
	}
	blob, err := vectorBlob(vector)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO semantic_chunks (id, family_id, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET family_id = excluded.family_id,
			embedding = excluded.embedding, metadata = excluded.metadata
	`
	_, err = s.db.ExecContext(ctx, query, id, familyID, blob, string(meta), formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	return nil
}

// Query loads a family's embeddings and ranks them by cosine similarity.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, filter map[string]any, topK int) ([]Match, error) {
	familyID, err := familyFrom(filter)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(s.dimension, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []Match{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, metadata FROM semantic_chunks WHERE family_id = ?`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id            string
			embeddingBlob []byte
			meta          string
		)
		if err := rows.Scan(&id, &embeddingBlob, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		score, ok := similarity(vector, embeddingBlob)
		if !ok {
			continue
		}
		metadata, err := unmarshalJSON[map[string]any]([]byte(meta))
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{
			ID:       id,
			Score:    score,
			Metadata: metadata,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches[:min(topK, len(matches))], nil
}

// CreatePending persists a new pending action.
func (s *SQLiteStore) CreatePending(ctx context.Context, p PendingAction) error {
	input, err := marshalJSON(p.Input)
	if err != nil {
		return err
	}
	status := p.Status
	if status == "" {
		status = StatusPending
	}
	query := `
		INSERT INTO pending_actions (id, family_id, user_id, call_id, tool_name, input, confidence,
			category, risk_level, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, p.ID, p.FamilyID, p.UserID, p.CallID, p.ToolName, string(input),
		p.Confidence, p.Category, p.RiskLevel, p.Reason, string(status), formatTimestamp(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save pending action: %w", err)
	}
	return nil
}

const pendingColumns = `id, family_id, user_id, call_id, tool_name, input, confidence,
	category, risk_level, reason, status, created_at, resolved_at`

func scanPending(row interface{ Scan(...any) error }) (*PendingAction, error) {
	var (
		p                           PendingAction
		callID, category, risk, why sql.NullString
		input, status, createdAt    string
		resolvedAt                  sql.NullString
	)
	if err := row.Scan(&p.ID, &p.FamilyID, &p.UserID, &callID, &p.ToolName, &input, &p.Confidence,
		&category, &risk, &why, &status, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	p.CallID = callID.String
	p.Category = category.String
	p.RiskLevel = risk.String
	p.Reason = why.String
	p.Status = PendingStatus(status)
	p.CreatedAt, _ = parseTimestamp(createdAt)
	if resolvedAt.Valid {
		t, err := parseTimestamp(resolvedAt.String)
		if err == nil {
			p.ResolvedAt = &t
		}
	}
	var err error
	if p.Input, err = unmarshalJSON[map[string]any]([]byte(input)); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPending loads a pending action by id.
func (s *SQLiteStore) GetPending(ctx context.Context, id string) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_actions WHERE id = ?`, id)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending action: %w", err)
	}
	return p, nil
}

// ResolvePending transitions a pending action only if it is still pending.
func (s *SQLiteStore) ResolvePending(ctx context.Context, id string, status PendingStatus) (bool, error) {
	query := `UPDATE pending_actions SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending'`
	res, err := s.db.ExecContext(ctx, query, string(status), formatTimestamp(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("failed to resolve pending action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// ListPending returns the still-pending actions of a user created after since.
func (s *SQLiteStore) ListPending(ctx context.Context, familyID, userID string, since time.Time) ([]PendingAction, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_actions
		WHERE family_id = ? AND user_id = ? AND status = 'pending' AND created_at >= ?
		ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, familyID, userID, formatTimestamp(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []PendingAction
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		actions = append(actions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending actions: %w", err)
	}
	return actions, nil
}

// GetPreference loads the preference profile of a user.
func (s *SQLiteStore) GetPreference(ctx context.Context, familyID, userID string) (*Preference, error) {
	query := `
		SELECT autonomy_level, action_preferences, learning_data, feedback, updated_at
		FROM user_preferences WHERE family_id = ? AND user_id = ?
	`
	var actionPrefs, learning, feedback, updatedAt string
	p := Preference{FamilyID: familyID, UserID: userID}
	err := s.db.QueryRowContext(ctx, query, familyID, userID).Scan(&p.AutonomyLevel, &actionPrefs, &learning, &feedback, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preference: %w", err)
	}
	if p.ActionPreferences, err = unmarshalJSON[map[string]CategoryPreference]([]byte(actionPrefs)); err != nil {
		return nil, err
	}
	if p.Learning, err = unmarshalJSON[LearningData]([]byte(learning)); err != nil {
		return nil, err
	}
	if p.Feedback, err = unmarshalJSON[[]Feedback]([]byte(feedback)); err != nil {
		return nil, err
	}
	p.UpdatedAt, _ = parseTimestamp(updatedAt)
	return &p, nil
}

// SavePreference writes the profile, replacing any stored version.
func (s *SQLiteStore) SavePreference(ctx context.Context, p *Preference) error {
	actionPrefs, err := marshalJSON(p.ActionPreferences)
	if err != nil {
		return err
	}
	learning, err := marshalJSON(p.Learning)
	if err != nil {
		return err
	}
	feedback, err := marshalJSON(p.Feedback)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO user_preferences (family_id, user_id, autonomy_level, action_preferences, learning_data, feedback, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (family_id, user_id) DO UPDATE SET
			autonomy_level = excluded.autonomy_level,
			action_preferences = excluded.action_preferences,
			learning_data = excluded.learning_data,
			feedback = excluded.feedback,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, p.FamilyID, p.UserID, p.AutonomyLevel,
		string(actionPrefs), string(learning), string(feedback), formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	return nil
}

// AddActionRecord appends an execution outcome to the action history.
func (s *SQLiteStore) AddActionRecord(ctx context.Context, r ActionRecord) error {
	query := `
		INSERT INTO action_history (id, family_id, user_id, tool_name, category, success, confidence, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, r.ID, r.FamilyID, r.UserID, r.ToolName, r.Category,
		boolToInt(r.Success), r.Confidence, formatTimestamp(r.ExecutedAt))
	if err != nil {
		return fmt.Errorf("failed to save action record: %w", err)
	}
	return nil
}

// RecentActions returns the latest executions of a category in a family.
func (s *SQLiteStore) RecentActions(ctx context.Context, familyID, category string, limit int) ([]ActionRecord, error) {
	query := `
		SELECT id, family_id, user_id, tool_name, category, success, confidence, executed_at
		FROM action_history
		WHERE family_id = ? AND category = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, familyID, category, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query action history: %w", err)
	}
	defer rows.Close()

	var records []ActionRecord
	for rows.Next() {
		var (
			r          ActionRecord
			userID     sql.NullString
			success    int
			confidence sql.NullFloat64
			executedAt string
		)
		if err := rows.Scan(&r.ID, &r.FamilyID, &userID, &r.ToolName, &r.Category, &success, &confidence, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action record: %w", err)
		}
		r.UserID = userID.String
		r.Success = success == 1
		r.Confidence = confidence.Float64
		r.ExecutedAt, _ = parseTimestamp(executedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action history: %w", err)
	}
	return records, nil
}

// AppendAudit writes one audit entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	details, err := marshalJSON(e.Details)
	if err != nil {
		return err
	}
	query := `INSERT INTO audit_log (action, details, user_id, family_id, source, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, e.Action, string(details), e.UserID, e.FamilyID, e.Source, formatTimestamp(e.Timestamp)); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// AddDecision logs an autonomy decision.
func (s *SQLiteStore) AddDecision(ctx context.Context, d DecisionRecord) error {
	query := `
		INSERT INTO autonomy_decisions (family_id, user_id, tool_name, category, confidence, threshold,
			autonomy_level, requires_confirmation, reason, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, d.FamilyID, d.UserID, d.ToolName, d.Category, d.Confidence, d.Threshold,
		d.AutonomyLevel, boolToInt(d.RequiresConfirmation), d.Reason, formatTimestamp(d.DecidedAt))
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// AddReasoning persists a reasoning chain.
func (s *SQLiteStore) AddReasoning(ctx context.Context, r ReasoningRecord) error {
	tools, err := marshalJSON(r.Tools)
	if err != nil {
		return err
	}
	steps, err := marshalJSON(r.Steps)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO reasoning_chains (id, family_id, user_id, message, intent, complexity, confidence, tools, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, r.ID, r.FamilyID, r.UserID, r.Message, r.Intent, r.Complexity,
		r.Confidence, string(tools), string(steps), formatTimestamp(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save reasoning chain: %w", err)
	}
	return nil
}

// PutRecord inserts a family record.
func (s *SQLiteStore) PutRecord(ctx context.Context, r Record) error {
	data, err := marshalJSON(r.Data)
	if err != nil {
		return err
	}
	now := formatTimestamp(r.CreatedAt)
	query := `
		INSERT INTO family_records (id, family_id, kind, data, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.FamilyID, r.Kind, string(data), r.CreatedBy, now, now); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

const recordColumns = `id, family_id, kind, data, created_by, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		r                          Record
		data, createdAt, updatedAt string
		createdBy                  sql.NullString
	)
	if err := row.Scan(&r.ID, &r.FamilyID, &r.Kind, &data, &createdBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.CreatedBy = createdBy.String
	r.CreatedAt, _ = parseTimestamp(createdAt)
	r.UpdatedAt, _ = parseTimestamp(updatedAt)
	var err error
	if r.Data, err = unmarshalJSON[map[string]any]([]byte(data)); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRecord loads one family record.
func (s *SQLiteStore) GetRecord(ctx context.Context, familyID, kind, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM family_records WHERE family_id = ? AND kind = ? AND id = ?`,
		familyID, kind, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return r, nil
}

// UpdateRecord replaces the data of an existing record.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, r Record) error {
	data, err := marshalJSON(r.Data)
	if err != nil {
		return err
	}
	query := `UPDATE family_records SET data = ?, updated_at = ? WHERE family_id = ? AND kind = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, query, string(data), formatTimestamp(time.Now()), r.FamilyID, r.Kind, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return requireAffected(res)
}

// DeleteRecord removes a family record.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, familyID, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM family_records WHERE family_id = ? AND kind = ? AND id = ?`, familyID, kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return requireAffected(res)
}

// ListRecords returns the newest records of a kind.
func (s *SQLiteStore) ListRecords(ctx context.Context, familyID, kind string, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM family_records WHERE family_id = ? AND kind = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, familyID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// formatTimestamp renders times in a lexically sortable UTC form.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timestampLayout)
}

const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// parseTimestamp parses a SQLite timestamp string to time.Time.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		timestampLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

var _ Store = (*SQLiteStore)(nil)

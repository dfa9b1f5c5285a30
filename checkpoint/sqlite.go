package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/intent-solutions-io/git-with-intent/runs"
)

// SQLiteStore is a file-backed Store, suitable for a single worker
// instance in development or a small, single-node deployment.
//
// It runs in WAL mode so
// concurrent readers (e.g. a status API) don't block the orchestrator's
// writes, and it auto-creates its schema on first use.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteStore opens (or creates) the checkpoint database at path.
// Pass ":memory:" for an ephemeral database useful in tests that still
// want to exercise the SQL code path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			input_json TEXT NOT NULL DEFAULT '{}',
			output_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			resumable INTEGER NOT NULL,
			idempotent INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, timestamp, id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, runID string, cp runs.Checkpoint) error {
	input, err := json.Marshal(cp.Step.Input)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal input: %w", err)
	}
	output, err := json.Marshal(cp.Step.Output)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(run_id, step_id, agent, status, input_json, output_json, error, tokens_used, duration_ms, resumable, idempotent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, cp.Step.StepID, cp.Step.Agent, cp.Step.Status, string(input), string(output), cp.Step.Error,
		cp.Step.TokensUsed, cp.Step.DurationMS, boolToInt(cp.Resumable), boolToInt(cp.Idempotent), cp.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("checkpoint: insert: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]runs.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step_id, agent, status, input_json, output_json, error, tokens_used, duration_ms, resumable, idempotent, timestamp
		FROM checkpoints WHERE run_id = ? ORDER BY timestamp ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query: %w", err)
	}
	defer rows.Close()

	var out []runs.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, runID string) (runs.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, step_id, agent, status, input_json, output_json, error, tokens_used, duration_ms, resumable, idempotent, timestamp
		FROM checkpoints WHERE run_id = ? AND status = 'completed' ORDER BY timestamp DESC, id DESC LIMIT 1
	`, runID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return runs.Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return runs.Checkpoint{}, fmt.Errorf("checkpoint: query latest: %w", err)
	}
	return cp, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, runID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM checkpoints WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checkpoint: exists: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (runs.Checkpoint, error) {
	var (
		id                     int64
		stepID, agent, status  string
		inputJSON, outputJSON  string
		errMsg                 string
		tokens, durationMS     int64
		resumableI, idempotent int
		ts                     time.Time
	)
	if err := row.Scan(&id, &stepID, &agent, &status, &inputJSON, &outputJSON, &errMsg, &tokens, &durationMS, &resumableI, &idempotent, &ts); err != nil {
		return runs.Checkpoint{}, err
	}

	var input, output map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return runs.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal input: %w", err)
	}
	if err := json.Unmarshal([]byte(outputJSON), &output); err != nil {
		return runs.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal output: %w", err)
	}

	return runs.Checkpoint{
		Step: runs.Step{
			StepID:     stepID,
			Agent:      agent,
			Status:     status,
			Input:      input,
			Output:     output,
			Error:      errMsg,
			TokensUsed: tokens,
			DurationMS: durationMS,
		},
		Resumable:  resumableI != 0,
		Idempotent: idempotent != 0,
		Timestamp:  ts,
		Seq:        id,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/intent-solutions-io/git-with-intent/runs"
)

// MySQLStore is a MySQL/MariaDB-backed Store for multi-worker
// deployments, where several worker processes must see each other's
// checkpoints for cross-instance recovery.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens dsn (a go-sql-driver/mysql DSN) and ensures the
// checkpoints table exists.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(time.Hour)

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			step_id VARCHAR(191) NOT NULL,
			agent VARCHAR(191) NOT NULL DEFAULT '',
			status VARCHAR(64) NOT NULL,
			input_json JSON NOT NULL,
			output_json JSON NOT NULL,
			error TEXT NOT NULL,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			resumable TINYINT(1) NOT NULL,
			idempotent TINYINT(1) NOT NULL,
			timestamp DATETIME(6) NOT NULL,
			INDEX idx_checkpoints_run (run_id, timestamp, id)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, runID string, cp runs.Checkpoint) error {
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
func (s *MySQLStore) List(ctx context.Context, runID string) ([]runs.Checkpoint, error) {
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
func (s *MySQLStore) Latest(ctx context.Context, runID string) (runs.Checkpoint, error) {
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
func (s *MySQLStore) Clear(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	return nil
}

// Exists implements Store.
func (s *MySQLStore) Exists(ctx context.Context, runID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM checkpoints WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checkpoint: exists: %w", err)
	}
	return n > 0, nil
}

package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a file-backed Store, suitable for a single worker
// instance in development or a small, single-node deployment. Update/Heartbeat run inside a transaction so
// concurrent callers racing the same run linearize through SQLite's
// writer lock, the same discipline idempotency.SQLiteStore uses for
// its check-and-set.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the run database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("runs: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("runs: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS runs (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			steps_json TEXT NOT NULL DEFAULT '[]',
			owner_id TEXT NOT NULL DEFAULT '',
			last_heartbeat_at TIMESTAMP,
			resume_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			result_json TEXT NOT NULL DEFAULT '{}',
			trigger_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (tenant_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_runs_inflight ON runs(status, last_heartbeat_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("runs: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, run Run) error {
	return s.insertOrReplace(ctx, s.db, run)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, selectRunSQL+` WHERE tenant_id = ? AND id = ?`, tenantID, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("runs: get: %w", err)
	}
	return r, nil
}

// Update implements Store, applying fn inside a transaction so the
// read-modify-write is atomic with respect to other Update/Heartbeat
// calls on the same run.
func (s *SQLiteStore) Update(ctx context.Context, tenantID, id string, fn func(Run) (Run, error)) (Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("runs: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectRunSQL+` WHERE tenant_id = ? AND id = ?`, tenantID, id)
	cur, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("runs: update: query: %w", err)
	}

	next, err := fn(cur)
	if err != nil {
		return Run{}, err
	}
	next.UpdatedAt = time.Now()

	if err := s.insertOrReplace(ctx, tx, next); err != nil {
		return Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("runs: update: commit: %w", err)
	}
	return next, nil
}

// Heartbeat implements Store.
func (s *SQLiteStore) Heartbeat(ctx context.Context, tenantID, id, ownerID string, now time.Time) error {
	_, err := s.Update(ctx, tenantID, id, func(r Run) (Run, error) {
		if r.Status.Terminal() {
			return Run{}, ErrTerminal
		}
		r.OwnerID = ownerID
		r.LastHeartbeatAt = now
		return r, nil
	})
	return err
}

// ListOrphaned implements Store. An empty tenantID matches every
// tenant.
func (s *SQLiteStore) ListOrphaned(ctx context.Context, tenantID string, staleThreshold time.Duration, now time.Time) ([]Run, error) {
	cutoff := now.Add(-staleThreshold)
	query := selectRunSQL + ` WHERE status IN ('pending','running') AND last_heartbeat_at < ?`
	args := []any{cutoff}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("runs: list orphaned: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runs: list orphaned: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectRunSQL = `
	SELECT tenant_id, id, type, status, current_step, steps_json, owner_id,
	       last_heartbeat_at, resume_count, created_at, updated_at, completed_at,
	       duration_ms, error, result_json, trigger_json
	FROM runs`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertOrReplace(ctx context.Context, x execer, r Run) error {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("runs: marshal steps: %w", err)
	}
	result, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("runs: marshal result: %w", err)
	}
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return fmt.Errorf("runs: marshal trigger: %w", err)
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	_, err = x.ExecContext(ctx, `
		INSERT INTO runs
			(tenant_id, id, type, status, current_step, steps_json, owner_id,
			 last_heartbeat_at, resume_count, created_at, updated_at, completed_at,
			 duration_ms, error, result_json, trigger_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			type=excluded.type, status=excluded.status, current_step=excluded.current_step,
			steps_json=excluded.steps_json, owner_id=excluded.owner_id,
			last_heartbeat_at=excluded.last_heartbeat_at, resume_count=excluded.resume_count,
			updated_at=excluded.updated_at, completed_at=excluded.completed_at,
			duration_ms=excluded.duration_ms, error=excluded.error,
			result_json=excluded.result_json, trigger_json=excluded.trigger_json
	`, r.TenantID, r.ID, string(r.Type), string(r.Status), r.CurrentStep, string(steps), r.OwnerID,
		r.LastHeartbeatAt, r.ResumeCount, r.CreatedAt, r.UpdatedAt, r.CompletedAt,
		r.DurationMS, r.Error, string(result), string(trigger))
	if err != nil {
		return fmt.Errorf("runs: upsert: %w", err)
	}
	return nil
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                      Run
		typ, status            string
		stepsJSON              string
		resultJSON, triggerJSON string
		lastHeartbeat          sql.NullTime
		completedAt            sql.NullTime
	)
	if err := row.Scan(&r.TenantID, &r.ID, &typ, &status, &r.CurrentStep, &stepsJSON, &r.OwnerID,
		&lastHeartbeat, &r.ResumeCount, &r.CreatedAt, &r.UpdatedAt, &completedAt,
		&r.DurationMS, &r.Error, &resultJSON, &triggerJSON); err != nil {
		return Run{}, err
	}
	r.Type = Type(typ)
	r.Status = Status(status)
	if lastHeartbeat.Valid {
		r.LastHeartbeatAt = lastHeartbeat.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(stepsJSON), &r.Steps); err != nil {
		return Run{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if err := json.Unmarshal([]byte(resultJSON), &r.Result); err != nil {
		return Run{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if err := json.Unmarshal([]byte(triggerJSON), &r.Trigger); err != nil {
		return Run{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

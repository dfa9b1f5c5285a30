package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store for multi-worker
// deployments, where the Recovery Orchestrator on one worker must see
// the run state and ownership another worker wrote before it crashed.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens dsn (a go-sql-driver/mysql DSN) and ensures the
// runs table exists.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("runs: open mysql: %w", err)
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
		CREATE TABLE IF NOT EXISTS runs (
			tenant_id VARCHAR(191) NOT NULL,
			id VARCHAR(191) NOT NULL,
			type VARCHAR(64) NOT NULL,
			status VARCHAR(64) NOT NULL,
			current_step VARCHAR(191) NOT NULL DEFAULT '',
			steps_json JSON NOT NULL,
			owner_id VARCHAR(191) NOT NULL DEFAULT '',
			last_heartbeat_at DATETIME(6) NULL,
			resume_count INT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL,
			result_json JSON NOT NULL,
			trigger_json JSON NOT NULL,
			PRIMARY KEY (tenant_id, id),
			INDEX idx_runs_inflight (status, last_heartbeat_at)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("runs: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, run Run) error {
	return s.insertOrReplace(ctx, s.db, run)
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, tenantID, id string) (Run, error) {
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
// calls racing the same run across workers.
func (s *MySQLStore) Update(ctx context.Context, tenantID, id string, fn func(Run) (Run, error)) (Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("runs: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectRunSQL+` WHERE tenant_id = ? AND id = ? FOR UPDATE`, tenantID, id)
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
func (s *MySQLStore) Heartbeat(ctx context.Context, tenantID, id, ownerID string, now time.Time) error {
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
func (s *MySQLStore) ListOrphaned(ctx context.Context, tenantID string, staleThreshold time.Duration, now time.Time) ([]Run, error) {
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

func (s *MySQLStore) insertOrReplace(ctx context.Context, x execer, r Run) error {
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
		ON DUPLICATE KEY UPDATE
			type=VALUES(type), status=VALUES(status), current_step=VALUES(current_step),
			steps_json=VALUES(steps_json), owner_id=VALUES(owner_id),
			last_heartbeat_at=VALUES(last_heartbeat_at), resume_count=VALUES(resume_count),
			updated_at=VALUES(updated_at), completed_at=VALUES(completed_at),
			duration_ms=VALUES(duration_ms), error=VALUES(error),
			result_json=VALUES(result_json), trigger_json=VALUES(trigger_json)
	`, r.TenantID, r.ID, string(r.Type), string(r.Status), r.CurrentStep, string(steps), r.OwnerID,
		r.LastHeartbeatAt, r.ResumeCount, r.CreatedAt, r.UpdatedAt, r.CompletedAt,
		r.DurationMS, r.Error, string(result), string(trigger))
	if err != nil {
		return fmt.Errorf("runs: upsert: %w", err)
	}
	return nil
}

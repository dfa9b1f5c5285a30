package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/intent-solutions-io/git-with-intent/idkey"
)

// SQLiteStore is a file-backed Store, suitable for a single worker
// instance in development or a small, single-node deployment. It
// performs CheckAndSet inside a single SQL transaction so concurrent
// callers racing on the same key linearize through SQLite's writer
// lock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the idempotency database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("idempotency: open sqlite: %w", err)
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
			return nil, fmt.Errorf("idempotency: %s: %w", pragma, err)
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
		CREATE TABLE IF NOT EXISTS idempotency_records (
			tenant_id TEXT NOT NULL,
			key TEXT NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			response_json TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			lock_expires_at TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, key)
		);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CheckAndSet implements Store inside one transaction.
func (s *SQLiteStore) CheckAndSet(ctx context.Context, tenantID, key, requestHash, source string, cfg CheckAndSetConfig) (CheckResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CheckResult{}, fmt.Errorf("idempotency: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.UnixMilli(cfg.NowUnixMilli)

	rec, err := s.getTx(ctx, tx, tenantID, key)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.insertProcessing(ctx, tx, tenantID, key, requestHash, source, now, cfg); err != nil {
			return CheckResult{}, err
		}
		return NewResult(), tx.Commit()
	case err != nil:
		return CheckResult{}, err
	}

	if rec.Status == StatusProcessing {
		if rec.InFlight(now) {
			return ProcessingResult(rec), tx.Commit()
		}
		if rec.Attempts >= cfg.MaxAttempts {
			if err := s.settle(ctx, tx, tenantID, key, StatusFailed, "", nil, "Max processing attempts exceeded", now, cfg.FailedTTLMS); err != nil {
				return CheckResult{}, err
			}
			rec.Status = StatusFailed
			rec.Error = "Max processing attempts exceeded"
			rec.LockExpiresAt = nil
			return DuplicateResult(rec), tx.Commit()
		}
		lockExp := now.Add(time.Duration(cfg.LockTimeoutMS) * time.Millisecond)
		if _, err := tx.ExecContext(ctx, `UPDATE idempotency_records SET lock_expires_at=?, attempts=attempts+1, updated_at=? WHERE tenant_id=? AND key=?`,
			lockExp.UTC(), now.UTC(), tenantID, key); err != nil {
			return CheckResult{}, fmt.Errorf("idempotency: lock recovery: %w", err)
		}
		rec.LockExpiresAt = &lockExp
		rec.Attempts++
		return RecoveredResult(rec), tx.Commit()
	}

	// Settled.
	if rec.ExpiresAt.Before(now) {
		if err := s.insertProcessing(ctx, tx, tenantID, key, requestHash, source, now, cfg); err != nil {
			return CheckResult{}, err
		}
		return NewResult(), tx.Commit()
	}
	return DuplicateResult(rec), tx.Commit()
}

func (s *SQLiteStore) insertProcessing(ctx context.Context, tx *sql.Tx, tenantID, key, requestHash, source string, now time.Time, cfg CheckAndSetConfig) error {
	lockExp := now.Add(time.Duration(cfg.LockTimeoutMS) * time.Millisecond)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, key, source, status, request_hash, created_at, updated_at, lock_expires_at, attempts)
		VALUES (?, ?, ?, 'processing', ?, ?, ?, ?, 1)
		ON CONFLICT(tenant_id, key) DO UPDATE SET
			source=excluded.source, status='processing', request_hash=excluded.request_hash,
			run_id='', response_json=NULL, error='', created_at=excluded.created_at,
			updated_at=excluded.updated_at, expires_at=NULL, lock_expires_at=excluded.lock_expires_at, attempts=1
	`, tenantID, key, source, requestHash, now.UTC(), now.UTC(), lockExp.UTC())
	if err != nil {
		return fmt.Errorf("idempotency: insert processing: %w", err)
	}
	return nil
}

func (s *SQLiteStore) settle(ctx context.Context, tx execer, tenantID, key string, status Status, runID string, resp *CachedResponse, errMsg string, now time.Time, ttlMS int64) error {
	var respJSON sql.NullString
	if resp != nil {
		b, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("idempotency: marshal response: %w", err)
		}
		respJSON = sql.NullString{String: string(b), Valid: true}
	}
	expiresAt := now.Add(time.Duration(ttlMS) * time.Millisecond)
	_, err := tx.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status=?, run_id=?, response_json=?, error=?, updated_at=?, expires_at=?, lock_expires_at=NULL
		WHERE tenant_id=? AND key=?
	`, status, runID, respJSON, errMsg, now.UTC(), expiresAt.UTC(), tenantID, key)
	if err != nil {
		return fmt.Errorf("idempotency: settle: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Complete implements Store.
func (s *SQLiteStore) Complete(ctx context.Context, tenantID, key, runID string, resp CachedResponse, completedTTL int64) error {
	return s.settle(ctx, s.db, tenantID, key, StatusCompleted, runID, &resp, "", time.Now(), completedTTL)
}

// Fail implements Store.
func (s *SQLiteStore) Fail(ctx context.Context, tenantID, key, errMsg string, failedTTL int64) error {
	return s.settle(ctx, s.db, tenantID, key, StatusFailed, "", nil, errMsg, time.Now(), failedTTL)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, key string) (Record, error) {
	return s.getTx(ctx, s.db, tenantID, key)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getTx(ctx context.Context, q queryRower, tenantID, key string) (Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT source, status, request_hash, run_id, response_json, error, created_at, updated_at, expires_at, lock_expires_at, attempts
		FROM idempotency_records WHERE tenant_id=? AND key=?
	`, tenantID, key)

	var (
		source, status, requestHash, runID, errMsg string
		respJSON                                   sql.NullString
		createdAt, updatedAt                        time.Time
		expiresAt, lockExpiresAt                    sql.NullTime
		attempts                                    int
	)
	if err := row.Scan(&source, &status, &requestHash, &runID, &respJSON, &errMsg, &createdAt, &updatedAt, &expiresAt, &lockExpiresAt, &attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("idempotency: get: %w", err)
	}

	rec := Record{
		Key:         idkey.Key(key),
		Source:      idkey.Source(source),
		TenantID:    tenantID,
		Status:      Status(status),
		RequestHash: requestHash,
		RunID:       runID,
		Error:       errMsg,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Attempts:    attempts,
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	if lockExpiresAt.Valid {
		t := lockExpiresAt.Time
		rec.LockExpiresAt = &t
	}
	if respJSON.Valid {
		var resp CachedResponse
		if err := json.Unmarshal([]byte(respJSON.String), &resp); err != nil {
			return Record{}, fmt.Errorf("idempotency: unmarshal response: %w", err)
		}
		rec.Response = &resp
	}
	return rec, nil
}

// CleanupExpired implements Store.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at IS NOT NULL AND expires_at < ?`, time.UnixMilli(now).UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

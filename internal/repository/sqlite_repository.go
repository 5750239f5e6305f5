package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository implements Repository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		job_id INTEGER NOT NULL,
		memo_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		phase INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 1,
		tx_hash TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);
	CREATE INDEX IF NOT EXISTS idx_actions_job_id ON actions(job_id);

	CREATE TABLE IF NOT EXISTS failed_actions (
		id TEXT PRIMARY KEY,
		action_key TEXT NOT NULL,
		job_id INTEGER NOT NULL,
		memo_id INTEGER NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		phase INTEGER NOT NULL,
		failure_reason TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failed_actions_job_id ON failed_actions(job_id);

	CREATE TABLE IF NOT EXISTS events (
		fingerprint TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		job_id INTEGER NOT NULL,
		seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_snapshots (
		job_id INTEGER PRIMARY KEY,
		phase INTEGER NOT NULL,
		client_address TEXT NOT NULL,
		provider_address TEXT NOT NULL,
		evaluator_address TEXT NOT NULL,
		price REAL NOT NULL,
		memo_count INTEGER NOT NULL,
		latest_memo_id INTEGER NOT NULL DEFAULT 0,
		observed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_snapshots_phase ON job_snapshots(phase);
	`

	_, err := r.db.Exec(schema)
	return err
}

// ClaimAction inserts a PENDING action, or takes over a FAILED one or a
// PENDING one whose lease has run out. The upsert makes the check atomic.
func (r *SQLiteRepository) ClaimAction(ctx context.Context, action *models.Action, lease time.Duration) (bool, error) {
	query := `
		INSERT INTO actions (key, id, job_id, memo_id, kind, phase, status, attempts, lease_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 1, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = 'PENDING',
			attempts = actions.attempts + 1,
			lease_expires_at = excluded.lease_expires_at,
			updated_at = excluded.updated_at
		WHERE actions.status = 'FAILED'
		   OR (actions.status = 'PENDING' AND actions.lease_expires_at < excluded.updated_at)
	`

	now := time.Now()
	expiresAt := now.Add(lease)
	if action.ID == "" {
		action.ID = uuid.New().String()
	}

	res, err := r.db.ExecContext(ctx, query,
		action.Key,
		action.ID,
		action.JobID,
		action.MemoID,
		action.Kind,
		int(action.Phase),
		expiresAt.Unix(),
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim action: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	action.Status = models.ActionPending
	action.LeaseExpiresAt = &expiresAt
	action.UpdatedAt = now
	return true, nil
}

// CompleteAction marks an action DONE
func (r *SQLiteRepository) CompleteAction(ctx context.Context, key, txHash string) error {
	query := `
		UPDATE actions
		SET status = 'DONE', tx_hash = ?, lease_expires_at = NULL, updated_at = ?
		WHERE key = ?
	`

	res, err := r.db.ExecContext(ctx, query, txHash, time.Now().Unix(), key)
	if err != nil {
		return fmt.Errorf("failed to complete action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailAction marks an action FAILED and records why
func (r *SQLiteRepository) FailAction(ctx context.Context, key, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var jobID, memoID int64
	var kind string
	var phase int
	err = tx.QueryRowContext(ctx, "SELECT job_id, memo_id, kind, phase FROM actions WHERE key = ?", key).
		Scan(&jobID, &memoID, &kind, &phase)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get action: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, "UPDATE actions SET status = 'FAILED', lease_expires_at = NULL, updated_at = ? WHERE key = ?", now, key)
	if err != nil {
		return fmt.Errorf("failed to update action status: %w", err)
	}

	insertQuery := `
		INSERT INTO failed_actions (id, action_key, job_id, memo_id, kind, phase, failure_reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insertQuery, uuid.New().String(), key, jobID, memoID, kind, phase, reason, now)
	if err != nil {
		return fmt.Errorf("failed to insert failed action: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const actionColumns = `key, id, job_id, memo_id, kind, phase, status, attempts, tx_hash, lease_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*models.Action, error) {
	var a models.Action
	var phase int
	var leaseExpiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&a.Key,
		&a.ID,
		&a.JobID,
		&a.MemoID,
		&a.Kind,
		&phase,
		&a.Status,
		&a.Attempts,
		&a.TxHash,
		&leaseExpiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Phase = models.Phase(phase)
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	if leaseExpiresAt.Valid {
		t := time.Unix(leaseExpiresAt.Int64, 0)
		a.LeaseExpiresAt = &t
	}
	return &a, nil
}

// GetAction retrieves an action by key
func (r *SQLiteRepository) GetAction(ctx context.Context, key string) (*models.Action, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+actionColumns+" FROM actions WHERE key = ?", key)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

// ListActionsByStatus retrieves all actions with a specific status
func (r *SQLiteRepository) ListActionsByStatus(ctx context.Context, status models.ActionStatus) ([]*models.Action, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+actionColumns+" FROM actions WHERE status = ? ORDER BY created_at ASC", status)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	actions := make([]*models.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actions: %w", err)
	}
	return actions, nil
}

// ListFailedActions retrieves all failure records, newest first
func (r *SQLiteRepository) ListFailedActions(ctx context.Context) ([]*models.FailedAction, error) {
	query := `
		SELECT id, action_key, job_id, memo_id, kind, phase, failure_reason, failed_at
		FROM failed_actions
		ORDER BY failed_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed actions: %w", err)
	}
	defer rows.Close()

	failed := make([]*models.FailedAction, 0)
	for rows.Next() {
		var f models.FailedAction
		var phase int
		var failedAt int64

		if err := rows.Scan(&f.ID, &f.ActionKey, &f.JobID, &f.MemoID, &f.Kind, &phase, &f.FailureReason, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed action: %w", err)
		}
		f.Phase = models.Phase(phase)
		f.FailedAt = time.Unix(failedAt, 0)
		failed = append(failed, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed actions: %w", err)
	}
	return failed, nil
}

// RecordEvent stores an event fingerprint
func (r *SQLiteRepository) RecordEvent(ctx context.Context, fingerprint, kind string, jobID int64) (bool, error) {
	query := `
		INSERT INTO events (fingerprint, kind, job_id, seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query, fingerprint, kind, jobID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return n == 1, nil
}

const snapshotColumns = `job_id, phase, client_address, provider_address, evaluator_address, price, memo_count, latest_memo_id, observed_at`

func scanSnapshot(row rowScanner) (*models.JobSnapshot, error) {
	var s models.JobSnapshot
	var phase int
	var observedAt int64
	err := row.Scan(
		&s.JobID,
		&phase,
		&s.ClientAddress,
		&s.ProviderAddress,
		&s.EvaluatorAddress,
		&s.Price,
		&s.MemoCount,
		&s.LatestMemoID,
		&observedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Phase = models.Phase(phase)
	s.ObservedAt = time.Unix(observedAt, 0)
	return &s, nil
}

// SaveSnapshot upserts the job snapshot within a transaction so the
// monotonicity check and the write see the same row.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, snap *models.JobSnapshot) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanSnapshot(tx.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM job_snapshots WHERE job_id = ?", snap.JobID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if !supersedes(prev, snap) {
		return false, nil
	}

	query := `
		INSERT INTO job_snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			phase = excluded.phase,
			client_address = excluded.client_address,
			provider_address = excluded.provider_address,
			evaluator_address = excluded.evaluator_address,
			price = excluded.price,
			memo_count = excluded.memo_count,
			latest_memo_id = excluded.latest_memo_id,
			observed_at = excluded.observed_at
	`
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, query,
		snap.JobID,
		int(snap.Phase),
		snap.ClientAddress,
		snap.ProviderAddress,
		snap.EvaluatorAddress,
		snap.Price,
		snap.MemoCount,
		snap.LatestMemoID,
		snap.ObservedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetSnapshot retrieves the stored snapshot of a job
func (r *SQLiteRepository) GetSnapshot(ctx context.Context, jobID int64) (*models.JobSnapshot, error) {
	s, err := scanSnapshot(r.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+" FROM job_snapshots WHERE job_id = ?", jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshotsByPhase retrieves all snapshots in a phase
func (r *SQLiteRepository) ListSnapshotsByPhase(ctx context.Context, phase models.Phase) ([]*models.JobSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+snapshotColumns+" FROM job_snapshots WHERE phase = ? ORDER BY job_id ASC", int(phase))
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make([]*models.JobSnapshot, 0)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return snaps, nil
}

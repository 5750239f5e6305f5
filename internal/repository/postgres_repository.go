package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository on a pgx pool, for agents that
// share one journal.
type PostgresRepository struct {
	DB *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &PostgresRepository{DB: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) Close() error {
	r.DB.Close()
	return nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	_, err := r.DB.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS actions (
		key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		job_id BIGINT NOT NULL,
		memo_id BIGINT NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		phase INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 1,
		tx_hash TEXT NOT NULL DEFAULT '',
		lease_expires_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);

	CREATE TABLE IF NOT EXISTS failed_actions (
		id TEXT PRIMARY KEY,
		action_key TEXT NOT NULL,
		job_id BIGINT NOT NULL,
		memo_id BIGINT NOT NULL DEFAULT 0,
		kind TEXT NOT NULL,
		phase INTEGER NOT NULL,
		failure_reason TEXT NOT NULL,
		failed_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		fingerprint TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		job_id BIGINT NOT NULL,
		seen_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_snapshots (
		job_id BIGINT PRIMARY KEY,
		phase INTEGER NOT NULL,
		client_address TEXT NOT NULL,
		provider_address TEXT NOT NULL,
		evaluator_address TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		memo_count INTEGER NOT NULL,
		latest_memo_id BIGINT NOT NULL DEFAULT 0,
		observed_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_snapshots_phase ON job_snapshots(phase);
	`)
	return err
}

func (r *PostgresRepository) ClaimAction(ctx context.Context, action *models.Action, lease time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(lease)
	if action.ID == "" {
		action.ID = uuid.New().String()
	}

	tag, err := r.DB.Exec(ctx, `
		INSERT INTO actions (key, id, job_id, memo_id, kind, phase, status, attempts, lease_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 1, $7, $8, $8)
		ON CONFLICT (key) DO UPDATE SET
			status = 'PENDING',
			attempts = actions.attempts + 1,
			lease_expires_at = EXCLUDED.lease_expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE actions.status = 'FAILED'
		   OR (actions.status = 'PENDING' AND actions.lease_expires_at < EXCLUDED.updated_at)`,
		action.Key, action.ID, action.JobID, action.MemoID, action.Kind, int(action.Phase), expiresAt.Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to claim action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	action.Status = models.ActionPending
	action.LeaseExpiresAt = &expiresAt
	action.UpdatedAt = now
	return true, nil
}

func (r *PostgresRepository) CompleteAction(ctx context.Context, key, txHash string) error {
	tag, err := r.DB.Exec(ctx, `UPDATE actions SET status='DONE', tx_hash=$1, lease_expires_at=NULL, updated_at=$2 WHERE key=$3`,
		txHash, time.Now().Unix(), key)
	if err != nil {
		return fmt.Errorf("failed to complete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) FailAction(ctx context.Context, key, reason string) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().Unix()
	var jobID, memoID int64
	var kind string
	var phase int
	err = tx.QueryRow(ctx, `UPDATE actions SET status='FAILED', lease_expires_at=NULL, updated_at=$1 WHERE key=$2
		RETURNING job_id, memo_id, kind, phase`, now, key).Scan(&jobID, &memoID, &kind, &phase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update action status: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO failed_actions (id, action_key, job_id, memo_id, kind, phase, failure_reason, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, uuid.New().String(), key, jobID, memoID, kind, phase, reason, now)
	if err != nil {
		return fmt.Errorf("failed to insert failed action: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) GetAction(ctx context.Context, key string) (*models.Action, error) {
	a, err := scanAction(r.DB.QueryRow(ctx, "SELECT "+actionColumns+" FROM actions WHERE key=$1", key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) ListActionsByStatus(ctx context.Context, status models.ActionStatus) ([]*models.Action, error) {
	rows, err := r.DB.Query(ctx, "SELECT "+actionColumns+" FROM actions WHERE status=$1 ORDER BY created_at ASC", string(status))
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
	return actions, rows.Err()
}

func (r *PostgresRepository) ListFailedActions(ctx context.Context) ([]*models.FailedAction, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, action_key, job_id, memo_id, kind, phase, failure_reason, failed_at
		FROM failed_actions ORDER BY failed_at DESC`)
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
	return failed, rows.Err()
}

func (r *PostgresRepository) RecordEvent(ctx context.Context, fingerprint, kind string, jobID int64) (bool, error) {
	tag, err := r.DB.Exec(ctx, `INSERT INTO events (fingerprint, kind, job_id, seen_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (fingerprint) DO NOTHING`, fingerprint, kind, jobID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) SaveSnapshot(ctx context.Context, snap *models.JobSnapshot) (bool, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	prev, err := scanSnapshot(tx.QueryRow(ctx, "SELECT "+snapshotColumns+" FROM job_snapshots WHERE job_id=$1 FOR UPDATE", snap.JobID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if !supersedes(prev, snap) {
		return false, nil
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = time.Now()
	}

	_, err = tx.Exec(ctx, `INSERT INTO job_snapshots (`+snapshotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (job_id) DO UPDATE SET
			phase=EXCLUDED.phase, client_address=EXCLUDED.client_address,
			provider_address=EXCLUDED.provider_address, evaluator_address=EXCLUDED.evaluator_address,
			price=EXCLUDED.price, memo_count=EXCLUDED.memo_count,
			latest_memo_id=EXCLUDED.latest_memo_id, observed_at=EXCLUDED.observed_at`,
		snap.JobID, int(snap.Phase), snap.ClientAddress, snap.ProviderAddress, snap.EvaluatorAddress,
		snap.Price, snap.MemoCount, snap.LatestMemoID, snap.ObservedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) GetSnapshot(ctx context.Context, jobID int64) (*models.JobSnapshot, error) {
	s, err := scanSnapshot(r.DB.QueryRow(ctx, "SELECT "+snapshotColumns+" FROM job_snapshots WHERE job_id=$1", jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) ListSnapshotsByPhase(ctx context.Context, phase models.Phase) ([]*models.JobSnapshot, error) {
	rows, err := r.DB.Query(ctx, "SELECT "+snapshotColumns+" FROM job_snapshots WHERE phase=$1 ORDER BY job_id ASC", int(phase))
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
	return snaps, rows.Err()
}

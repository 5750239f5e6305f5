package repository

import (
	"context"
	"errors"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Repository is the local journal: claimed ledger actions, seen push events
// and the latest observed snapshot of each job.
type Repository interface {
	// ClaimAction records intent to perform action.Key. It returns false when
	// the key is already done or held by an unexpired lease.
	ClaimAction(ctx context.Context, action *models.Action, lease time.Duration) (bool, error)
	CompleteAction(ctx context.Context, key, txHash string) error
	// FailAction releases the claim and appends a failed_actions record.
	FailAction(ctx context.Context, key, reason string) error
	GetAction(ctx context.Context, key string) (*models.Action, error)
	ListActionsByStatus(ctx context.Context, status models.ActionStatus) ([]*models.Action, error)
	ListFailedActions(ctx context.Context) ([]*models.FailedAction, error)

	// RecordEvent returns true the first time a fingerprint is seen.
	RecordEvent(ctx context.Context, fingerprint, kind string, jobID int64) (bool, error)

	// SaveSnapshot stores snap unless it would move the stored job backwards.
	SaveSnapshot(ctx context.Context, snap *models.JobSnapshot) (bool, error)
	GetSnapshot(ctx context.Context, jobID int64) (*models.JobSnapshot, error)
	ListSnapshotsByPhase(ctx context.Context, phase models.Phase) ([]*models.JobSnapshot, error)

	Close() error
}

// Deduper answers "first time seen?" for event fingerprints. A Repository is
// one; RedisDeduper shares the answer between agent replicas.
type Deduper interface {
	RecordEvent(ctx context.Context, fingerprint, kind string, jobID int64) (bool, error)
}

// supersedes reports whether next may replace prev as the stored snapshot.
func supersedes(prev, next *models.JobSnapshot) bool {
	if prev == nil {
		return true
	}
	if prev.Phase != next.Phase {
		return prev.Phase.CanTransitionTo(next.Phase)
	}
	return next.MemoCount >= prev.MemoCount
}

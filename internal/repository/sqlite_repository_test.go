package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "acp.db"))
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func signAction(memoID int64) *models.Action {
	return &models.Action{Key: fmt.Sprintf("sign:%d", memoID), JobID: 1, MemoID: memoID, Kind: "sign", Phase: models.PhaseCompleted}
}

func TestClaimAction_SecondClaimRefused(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	ok, err := repo.ClaimAction(ctx, signAction(1), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, got %v %v", ok, err)
	}
	ok, err = repo.ClaimAction(ctx, signAction(1), time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second claim to be refused while lease is held")
	}
}

func TestClaimAction_DoneIsNeverReclaimed(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()
	a := signAction(2)

	repo.ClaimAction(ctx, a, -time.Second)
	if err := repo.CompleteAction(ctx, a.Key, "0xabc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err := repo.ClaimAction(ctx, signAction(2), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected completed action to stay done, got %v %v", ok, err)
	}

	got, err := repo.GetAction(ctx, a.Key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.ActionDone || got.TxHash != "0xabc" || got.LeaseExpiresAt != nil {
		t.Errorf("unexpected action %+v", got)
	}
}

func TestClaimAction_ExpiredLeaseIsReclaimed(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	repo.ClaimAction(ctx, signAction(3), -time.Second)
	ok, err := repo.ClaimAction(ctx, signAction(3), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected expired lease to be reclaimable, got %v %v", ok, err)
	}
	got, _ := repo.GetAction(ctx, signAction(3).Key)
	if got.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", got.Attempts)
	}
}

func TestFailAction_RecordsAndReleases(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()
	a := signAction(4)

	repo.ClaimAction(ctx, a, time.Minute)
	if err := repo.FailAction(ctx, a.Key, "estimation failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed, err := repo.ListFailedActions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed action, got %d", len(failed))
	}
	if failed[0].ActionKey != a.Key || failed[0].MemoID != 4 || failed[0].Phase != models.PhaseCompleted || failed[0].FailureReason != "estimation failed" {
		t.Errorf("unexpected failed action %+v", failed[0])
	}

	ok, err := repo.ClaimAction(ctx, signAction(4), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected failed action to be reclaimable, got %v %v", ok, err)
	}
}

func TestFailAction_Unknown(t *testing.T) {
	repo := newTestSQLite(t)
	if err := repo.FailAction(context.Background(), "sign:missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActionsByStatus(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	repo.ClaimAction(ctx, signAction(5), time.Minute)
	repo.ClaimAction(ctx, signAction(6), time.Minute)
	repo.CompleteAction(ctx, signAction(6).Key, "0x1")

	pending, err := repo.ListActionsByStatus(ctx, models.ActionPending)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0].MemoID != 5 {
		t.Errorf("expected only memo 5 pending, got %+v", pending)
	}
	failed, _ := repo.ListActionsByStatus(ctx, models.ActionFailed)
	if failed == nil || len(failed) != 0 {
		t.Errorf("expected empty non-nil list, got %#v", failed)
	}
}

func TestRecordEvent_FirstSeenOnly(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	first, err := repo.RecordEvent(ctx, "fp-1", "onNewTask", 10)
	if err != nil || !first {
		t.Fatalf("expected first sighting, got %v %v", first, err)
	}
	again, err := repo.RecordEvent(ctx, "fp-1", "onNewTask", 10)
	if err != nil || again {
		t.Fatalf("expected duplicate, got %v %v", again, err)
	}
}

func TestSaveSnapshot_NeverRegresses(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	saved, err := repo.SaveSnapshot(ctx, &models.JobSnapshot{JobID: 7, Phase: models.PhaseTransaction, MemoCount: 3})
	if err != nil || !saved {
		t.Fatalf("expected save, got %v %v", saved, err)
	}
	saved, err = repo.SaveSnapshot(ctx, &models.JobSnapshot{JobID: 7, Phase: models.PhaseNegotiation, MemoCount: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved {
		t.Error("expected older phase to be ignored")
	}
	saved, _ = repo.SaveSnapshot(ctx, &models.JobSnapshot{JobID: 7, Phase: models.PhaseEvaluation, MemoCount: 4, LatestMemoID: 40})
	if !saved {
		t.Error("expected newer phase to be saved")
	}

	got, err := repo.GetSnapshot(ctx, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Phase != models.PhaseEvaluation || got.LatestMemoID != 40 {
		t.Errorf("unexpected snapshot %+v", got)
	}

	byPhase, _ := repo.ListSnapshotsByPhase(ctx, models.PhaseEvaluation)
	if len(byPhase) != 1 || byPhase[0].JobID != 7 {
		t.Errorf("expected job 7 in evaluation, got %+v", byPhase)
	}
}

func TestSaveSnapshot_TerminalIsFinal(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	repo.SaveSnapshot(ctx, &models.JobSnapshot{JobID: 8, Phase: models.PhaseRejected, MemoCount: 2})
	saved, _ := repo.SaveSnapshot(ctx, &models.JobSnapshot{JobID: 8, Phase: models.PhaseExpired, MemoCount: 2})
	if saved {
		t.Error("expected terminal snapshot to stay")
	}
}

func TestGetSnapshot_Missing(t *testing.T) {
	repo := newTestSQLite(t)
	if _, err := repo.GetSnapshot(context.Background(), 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

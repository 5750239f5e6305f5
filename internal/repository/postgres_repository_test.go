package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("ACP_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ACP_TEST_PG_DSN not set")
	}
	repo, err := NewPostgresRepository(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestPostgres_ClaimAndFail(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	key := fmt.Sprintf("sign:%d", time.Now().UnixNano())

	a := &models.Action{Key: key, JobID: 1, MemoID: 2, Kind: "sign", Phase: models.PhaseCompleted}
	if ok, err := repo.ClaimAction(ctx, a, time.Minute); err != nil || !ok {
		t.Fatalf("expected claim, got %v %v", ok, err)
	}
	if ok, _ := repo.ClaimAction(ctx, &models.Action{Key: key, JobID: 1, Kind: "sign"}, time.Minute); ok {
		t.Fatal("expected duplicate claim to be refused")
	}
	if err := repo.FailAction(ctx, key, "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := repo.ClaimAction(ctx, &models.Action{Key: key, JobID: 1, Kind: "sign"}, time.Minute); !ok {
		t.Fatal("expected failed action to be reclaimable")
	}
	got, err := repo.GetAction(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Attempts != 2 || got.Status != models.ActionPending {
		t.Errorf("unexpected action %+v", got)
	}
}

func TestPostgres_SnapshotMonotonic(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	jobID := time.Now().UnixNano()

	repo.SaveSnapshot(ctx, &models.JobSnapshot{JobID: jobID, Phase: models.PhaseEvaluation, MemoCount: 4})
	if saved, _ := repo.SaveSnapshot(ctx, &models.JobSnapshot{JobID: jobID, Phase: models.PhaseRequest, MemoCount: 1}); saved {
		t.Error("expected regression to be ignored")
	}
	got, err := repo.GetSnapshot(ctx, jobID)
	if err != nil || got.Phase != models.PhaseEvaluation {
		t.Errorf("unexpected snapshot %+v %v", got, err)
	}
}

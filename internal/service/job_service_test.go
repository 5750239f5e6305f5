package service

import (
	"context"
	"errors"
	"testing"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
)

func newTestJobService(wallet string) (*JobService, *fixture) {
	f := newFixture(wallet)
	return NewJobService(f.index, f.repo, f.orch), f
}

func TestJobService_GetJob_Success(t *testing.T) {
	service, f := newTestJobService(buyerWallet)
	f.index.put(requestJob())

	job, err := service.GetJob(context.Background(), 7)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job.ProviderAddress != sellerWallet {
		t.Fatalf("expected provider %s, got %s", sellerWallet, job.ProviderAddress)
	}
}

func TestJobService_GetJob_NotFound(t *testing.T) {
	service, _ := newTestJobService(buyerWallet)

	_, err := service.GetJob(context.Background(), 404)
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobService_BrowseAgents_ExcludesSelf(t *testing.T) {
	service, f := newTestJobService(buyerWallet)
	f.index.agents = []models.Agent{
		{ID: 1, WalletAddress: buyerWallet},
		{ID: 2, WalletAddress: sellerWallet},
	}

	agents, err := service.BrowseAgents(context.Background(), models.AgentSearch{Keyword: "meme"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(agents) != 1 || agents[0].ID != 2 {
		t.Fatalf("expected only agent 2, got %+v", agents)
	}
}

func TestJobService_GetAgent_NotFound(t *testing.T) {
	service, _ := newTestJobService(buyerWallet)

	if _, err := service.GetAgent(context.Background(), sellerWallet); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestJobService_GetSnapshot(t *testing.T) {
	service, f := newTestJobService(sellerWallet)
	ctx := context.Background()

	if _, err := service.GetSnapshot(ctx, 7); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := f.orch.Advance(ctx, requestJob(), nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	snap, err := service.GetSnapshot(ctx, 7)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if snap.Phase != models.PhaseRequest || snap.MemoCount != 1 {
		t.Fatalf("expected Request with 1 memo, got %s with %d", snap.Phase, snap.MemoCount)
	}

	snaps, err := service.ListSnapshots(ctx, models.PhaseRequest)
	if err != nil || len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d (%v)", len(snaps), err)
	}
}

func TestJobService_RetryAction_OnlyFailed(t *testing.T) {
	service, f := newTestJobService(sellerWallet)
	ctx := context.Background()

	if err := service.RetryAction(ctx, "respond:11"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := f.orch.SignMemo(ctx, 7, 11, true, "ok"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := service.RetryAction(ctx, "sign:11"); !errors.Is(err, ErrActionNotFailed) {
		t.Fatalf("expected ErrActionNotFailed, got %v", err)
	}
}

func TestJobService_RetryAction_RefusesPayableMemo(t *testing.T) {
	service, f := newTestJobService(buyerWallet)
	ctx := context.Background()
	job := requestJob()
	job.Phase = models.PhaseNegotiation
	job.Memos = []models.Memo{pendingMemo(20, models.MemoPayableRequest, models.PhaseTransaction, "")}
	f.index.put(job)

	f.ledger.signError = errors.New("connection reset")
	if err := f.orch.RespondToFundsRequest(ctx, 7, 20, true, 2, "ok"); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	f.ledger.signError = nil
	before := len(f.ledger.calls)

	if err := service.RetryAction(ctx, "sign:20"); !errors.Is(err, ErrRetryUnsupported) {
		t.Fatalf("expected ErrRetryUnsupported, got %v", err)
	}
	if got := len(f.ledger.calls); got != before {
		t.Fatalf("expected no ledger writes on refused retry, got %d", got-before)
	}
}

func TestJobService_RetryAction_ReadvancesJob(t *testing.T) {
	service, f := newTestJobService(sellerWallet)
	ctx := context.Background()
	job := requestJob()
	f.index.put(job)

	f.ledger.signError = errors.New("connection reset")
	if err := f.orch.Advance(ctx, job, nil); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	failed, _ := service.ListFailedActions(ctx)
	if len(failed) != 1 || failed[0].ActionKey != "respond:11" {
		t.Fatalf("expected failed respond:11, got %+v", failed)
	}

	f.ledger.signError = nil
	if err := service.RetryAction(ctx, "respond:11"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	assertCalls(t, f.ledger, "sign:11:true", "createMemo:7:Message:false:Transaction")

	done, _ := service.ListActionsByStatus(ctx, models.ActionDone)
	if len(done) != 1 {
		t.Fatalf("expected 1 done action, got %d", len(done))
	}
}

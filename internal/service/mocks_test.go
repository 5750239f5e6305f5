package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/ledger"
	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
)

const (
	buyerWallet     = "0xB000000000000000000000000000000000000001"
	sellerWallet    = "0x5E11000000000000000000000000000000000002"
	evaluatorWallet = "0xE000000000000000000000000000000000000003"
)

// mockLedger records every write as a short string in call order.
type mockLedger struct {
	mu       sync.Mutex
	wallet   string
	calls    []string
	contents []string
	nextID   int64

	createJobError error
	signError      error
	memoError      error
	x402           models.PaymentDetails
}

func newMockLedger(wallet string) *mockLedger {
	return &mockLedger{wallet: wallet, nextID: 100}
}

func (m *mockLedger) record(call string) ledger.TxResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.nextID++
	return ledger.TxResult{TxHash: fmt.Sprintf("0xtx%d", m.nextID), ID: m.nextID}
}

func (m *mockLedger) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockLedger) Address() string { return m.wallet }

func (m *mockLedger) CreateJob(ctx context.Context, provider, evaluator string, expiredAt time.Time) (ledger.TxResult, error) {
	if m.createJobError != nil {
		return ledger.TxResult{}, m.createJobError
	}
	return m.record("createJob:" + evaluator), nil
}

func (m *mockLedger) CreateJobWithAccount(ctx context.Context, accountID int64, evaluator string, budget float64, expiredAt time.Time) (ledger.TxResult, error) {
	return m.record(fmt.Sprintf("createJobWithAccount:%d:%v", accountID, budget)), nil
}

func (m *mockLedger) SetBudgetWithPaymentToken(ctx context.Context, jobID int64, amount float64, token string) (ledger.TxResult, error) {
	return m.record(fmt.Sprintf("setBudget:%d:%v", jobID, amount)), nil
}

func (m *mockLedger) CreateMemo(ctx context.Context, jobID int64, content string, memoType models.MemoType, isSecured bool, nextPhase models.Phase) (ledger.TxResult, error) {
	if m.memoError != nil {
		return ledger.TxResult{}, m.memoError
	}
	m.mu.Lock()
	m.contents = append(m.contents, content)
	m.mu.Unlock()
	return m.record(fmt.Sprintf("createMemo:%d:%s:%t:%s", jobID, memoType, isSecured, nextPhase)), nil
}

func (m *mockLedger) CreatePayableMemo(ctx context.Context, p ledger.PayableMemo) (ledger.TxResult, error) {
	return m.record(fmt.Sprintf("payableMemo:%d:%s:%v:%s", p.JobID, p.MemoType, p.Amount, p.NextPhase)), nil
}

func (m *mockLedger) SignMemo(ctx context.Context, memoID int64, approve bool, reason string) (ledger.TxResult, error) {
	if m.signError != nil {
		return ledger.TxResult{}, m.signError
	}
	return m.record(fmt.Sprintf("sign:%d:%t", memoID, approve)), nil
}

func (m *mockLedger) ApproveAllowance(ctx context.Context, amount float64) (ledger.TxResult, error) {
	return m.record(fmt.Sprintf("approve:%v", amount)), nil
}

func (m *mockLedger) CreateAccount(ctx context.Context, provider, metadata string) (ledger.TxResult, error) {
	return m.record("createAccount:" + metadata), nil
}

func (m *mockLedger) UpdateAccountMetadata(ctx context.Context, accountID int64, metadata string) (ledger.TxResult, error) {
	return m.record(fmt.Sprintf("updateAccount:%d:%s", accountID, metadata)), nil
}

func (m *mockLedger) GetAccount(ctx context.Context, accountID int64) (*models.AccountInfo, error) {
	return &models.AccountInfo{ID: accountID}, nil
}

func (m *mockLedger) X402PaymentDetails(ctx context.Context, jobID int64) (models.PaymentDetails, error) {
	return m.x402, nil
}

func (m *mockLedger) SignNonceMessage(jobID int64, nonce string) (string, error) {
	return "0xsig", nil
}

// mockIndexer serves jobs from a map.
type mockIndexer struct {
	mu      sync.Mutex
	wallet  string
	jobs    map[int64]*models.Job
	pending [][]models.Job
	agents  []models.Agent
	account *models.Account

	getJobError error
	nonce       string
}

func newMockIndexer(wallet string) *mockIndexer {
	return &mockIndexer{wallet: wallet, jobs: make(map[int64]*models.Job)}
}

func (m *mockIndexer) put(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

func (m *mockIndexer) Wallet() string { return m.wallet }

func (m *mockIndexer) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	if m.getJobError != nil {
		return nil, m.getJobError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, indexer.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *mockIndexer) GetMemo(ctx context.Context, jobID, memoID int64) (*models.Memo, error) {
	job, err := m.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if memo := job.MemoByID(memoID); memo != nil {
		return memo, nil
	}
	return nil, indexer.ErrNotFound
}

func (m *mockIndexer) ListJobs(ctx context.Context, category indexer.JobCategory, page, pageSize int) ([]models.Job, error) {
	if category != indexer.CategoryPendingMemos || page > len(m.pending) {
		return []models.Job{}, nil
	}
	return m.pending[page-1], nil
}

func (m *mockIndexer) GetAgent(ctx context.Context, wallet string) (*models.Agent, error) {
	for i := range m.agents {
		if m.agents[i].WalletAddress == wallet {
			return &m.agents[i], nil
		}
	}
	return nil, indexer.ErrNotFound
}

func (m *mockIndexer) SearchAgents(ctx context.Context, q models.AgentSearch) ([]models.Agent, error) {
	return m.agents, nil
}

func (m *mockIndexer) AccountByJobID(ctx context.Context, jobID int64) (*models.Account, error) {
	if m.account == nil {
		return nil, indexer.ErrNotFound
	}
	return m.account, nil
}

func (m *mockIndexer) AccountByClientAndProvider(ctx context.Context, client, provider string) (*models.Account, error) {
	if m.account == nil {
		return nil, indexer.ErrNotFound
	}
	return m.account, nil
}

func (m *mockIndexer) UpdateJobX402Nonce(ctx context.Context, jobID int64, nonce, signature string) (*indexer.OffChainJob, error) {
	m.nonce = nonce
	return &indexer.OffChainJob{ID: jobID}, nil
}

// mockRepository is an in-memory journal with the same claim rules as the
// SQL stores.
type mockRepository struct {
	mu        sync.Mutex
	actions   map[string]*models.Action
	failed    []*models.FailedAction
	events    map[string]bool
	snapshots map[int64]*models.JobSnapshot
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		actions:   make(map[string]*models.Action),
		failed:    make([]*models.FailedAction, 0),
		events:    make(map[string]bool),
		snapshots: make(map[int64]*models.JobSnapshot),
	}
}

func (m *mockRepository) ClaimAction(ctx context.Context, action *models.Action, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if prev, ok := m.actions[action.Key]; ok {
		switch {
		case prev.Status == models.ActionDone:
			return false, nil
		case prev.Status == models.ActionPending && prev.LeaseExpiresAt != nil && prev.LeaseExpiresAt.After(now):
			return false, nil
		}
		prev.Status = models.ActionPending
		prev.Attempts++
		expires := now.Add(lease)
		prev.LeaseExpiresAt = &expires
		return true, nil
	}
	cp := *action
	cp.Status = models.ActionPending
	cp.Attempts = 1
	expires := now.Add(lease)
	cp.LeaseExpiresAt = &expires
	m.actions[action.Key] = &cp
	return true, nil
}

func (m *mockRepository) CompleteAction(ctx context.Context, key, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[key]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = models.ActionDone
	a.TxHash = txHash
	return nil
}

func (m *mockRepository) FailAction(ctx context.Context, key, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[key]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = models.ActionFailed
	m.failed = append(m.failed, &models.FailedAction{
		ActionKey:     key,
		JobID:         a.JobID,
		MemoID:        a.MemoID,
		Kind:          a.Kind,
		Phase:         a.Phase,
		FailureReason: reason,
		FailedAt:      time.Now(),
	})
	return nil
}

func (m *mockRepository) GetAction(ctx context.Context, key string) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepository) ListActionsByStatus(ctx context.Context, status models.ActionStatus) ([]*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*models.Action, 0)
	for _, a := range m.actions {
		if a.Status == status {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *mockRepository) ListFailedActions(ctx context.Context) ([]*models.FailedAction, error) {
	return m.failed, nil
}

func (m *mockRepository) RecordEvent(ctx context.Context, fingerprint, kind string, jobID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events[fingerprint] {
		return false, nil
	}
	m.events[fingerprint] = true
	return true, nil
}

func (m *mockRepository) SaveSnapshot(ctx context.Context, snap *models.JobSnapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.JobID] = snap
	return true, nil
}

func (m *mockRepository) GetSnapshot(ctx context.Context, jobID int64) (*models.JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[jobID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (m *mockRepository) ListSnapshotsByPhase(ctx context.Context, phase models.Phase) ([]*models.JobSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*models.JobSnapshot, 0)
	for _, s := range m.snapshots {
		if s.Phase == phase {
			result = append(result, s)
		}
	}
	return result, nil
}

func (m *mockRepository) Close() error { return nil }

// fixture wires an orchestrator for wallet over fresh mocks. Settling gives
// up almost immediately so tests never wait on the indexer.
type fixture struct {
	ledger  *mockLedger
	index   *mockIndexer
	repo    *mockRepository
	metrics *metrics.Metrics
	orch    *Orchestrator
}

func newFixture(wallet string, opts ...Option) *fixture {
	f := &fixture{
		ledger:  newMockLedger(wallet),
		index:   newMockIndexer(wallet),
		repo:    newMockRepository(),
		metrics: metrics.NewMetrics(),
	}
	opts = append([]Option{
		WithSettler(NewSettler(f.index, 10*time.Millisecond)),
		WithPolicy(StaticPolicy{AutoAccept: true, DeliverableURL: "https://example.com/result.png"}),
	}, opts...)
	f.orch = NewOrchestrator(f.ledger, f.index, f.repo, NewRateLimiter(5, 10), f.metrics, opts...)
	return f
}

func pendingMemo(id int64, memoType models.MemoType, next models.Phase, content string) models.Memo {
	return models.Memo{ID: id, Type: memoType, NextPhase: next, Status: models.MemoPending, Content: content}
}

func signedMemo(id int64, memoType models.MemoType, next models.Phase, content string) models.Memo {
	return models.Memo{ID: id, Type: memoType, NextPhase: next, Status: models.MemoApproved, Content: content}
}

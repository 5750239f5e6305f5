package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/ledger"
	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
	"github.com/MaxBauer1337/VirtualACPNet/internal/service"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	buyerWallet  = "0xB000000000000000000000000000000000000001"
	sellerWallet = "0x5E11000000000000000000000000000000000002"
)

// mockLedger records memo writes and hands out increasing ids.
type mockLedger struct {
	nextID int64
	memos  []string
}

func (m *mockLedger) tx() (ledger.TxResult, error) {
	m.nextID++
	return ledger.TxResult{TxHash: "0xfeed", ID: 100 + m.nextID}, nil
}

func (m *mockLedger) Address() string { return buyerWallet }
func (m *mockLedger) CreateJob(ctx context.Context, provider, evaluator string, expiredAt time.Time) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) CreateJobWithAccount(ctx context.Context, accountID int64, evaluator string, budget float64, expiredAt time.Time) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) SetBudgetWithPaymentToken(ctx context.Context, jobID int64, amount float64, token string) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) CreateMemo(ctx context.Context, jobID int64, content string, memoType models.MemoType, isSecured bool, nextPhase models.Phase) (ledger.TxResult, error) {
	m.memos = append(m.memos, content)
	return m.tx()
}
func (m *mockLedger) CreatePayableMemo(ctx context.Context, p ledger.PayableMemo) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) SignMemo(ctx context.Context, memoID int64, approve bool, reason string) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) ApproveAllowance(ctx context.Context, amount float64) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) CreateAccount(ctx context.Context, provider, metadata string) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) UpdateAccountMetadata(ctx context.Context, accountID int64, metadata string) (ledger.TxResult, error) {
	return m.tx()
}
func (m *mockLedger) GetAccount(ctx context.Context, accountID int64) (*models.AccountInfo, error) {
	return &models.AccountInfo{ID: accountID}, nil
}
func (m *mockLedger) X402PaymentDetails(ctx context.Context, jobID int64) (models.PaymentDetails, error) {
	return models.PaymentDetails{}, nil
}
func (m *mockLedger) SignNonceMessage(jobID int64, nonce string) (string, error) { return "0xsig", nil }

// mockIndexer serves one job in Transaction phase.
type mockIndexer struct{}

func (mockIndexer) Wallet() string { return buyerWallet }
func (mockIndexer) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	if jobID != 9 {
		return nil, indexer.ErrNotFound
	}
	return &models.Job{
		ID:              9,
		ClientAddress:   buyerWallet,
		ProviderAddress: sellerWallet,
		Phase:           models.PhaseTransaction,
	}, nil
}
func (mockIndexer) GetMemo(ctx context.Context, jobID, memoID int64) (*models.Memo, error) {
	return nil, indexer.ErrNotFound
}
func (mockIndexer) ListJobs(ctx context.Context, category indexer.JobCategory, page, pageSize int) ([]models.Job, error) {
	return []models.Job{{ID: 9, Phase: models.PhaseTransaction}}, nil
}
func (mockIndexer) GetAgent(ctx context.Context, wallet string) (*models.Agent, error) {
	return nil, indexer.ErrNotFound
}
func (mockIndexer) SearchAgents(ctx context.Context, q models.AgentSearch) ([]models.Agent, error) {
	return []models.Agent{
		{ID: 1, Name: "me", WalletAddress: buyerWallet},
		{ID: 2, Name: "memer", WalletAddress: sellerWallet},
	}, nil
}
func (mockIndexer) AccountByJobID(ctx context.Context, jobID int64) (*models.Account, error) {
	return nil, indexer.ErrNotFound
}
func (mockIndexer) AccountByClientAndProvider(ctx context.Context, client, provider string) (*models.Account, error) {
	return nil, indexer.ErrNotFound
}
func (mockIndexer) UpdateJobX402Nonce(ctx context.Context, jobID int64, nonce, signature string) (*indexer.OffChainJob, error) {
	return &indexer.OffChainJob{ID: jobID}, nil
}

func newTestServer(t *testing.T) (*Server, *mockLedger) {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "acp.db"))
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	l := &mockLedger{}
	idx := mockIndexer{}
	orch := service.NewOrchestrator(l, idx, repo, service.NewRateLimiter(5, 10), metrics.NewMetrics(),
		service.WithSettler(service.NewSettler(idx, 10*time.Millisecond)))
	return NewServer(service.NewJobService(idx, repo, orch), "test"), l
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("expected tool errors in the result, got %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("expected content in the result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text, res.IsError
}

func TestServer_ToolsRegistered(t *testing.T) {
	s, _ := newTestServer(t)

	resp := s.GetMCPServer().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("failed to encode response: %v", err)
	}
	for _, name := range []string{"browse_agents", "initiate_job", "get_job", "list_jobs", "send_message"} {
		if !strings.Contains(string(b), `"`+name+`"`) {
			t.Fatalf("expected tool %s in %s", name, b)
		}
	}
}

func TestBrowseAgents_ExcludesSelf(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := call(t, s.browseAgents, map[string]any{"keyword": "meme", "sort_by": "successRate", "top_k": 3})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	var out struct {
		Agents     []models.Agent `json:"agents"`
		TotalCount int            `json:"total_count"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if out.TotalCount != 1 || out.Agents[0].WalletAddress != sellerWallet {
		t.Fatalf("expected only the seller, got %+v", out.Agents)
	}
}

func TestBrowseAgents_KeywordRequired(t *testing.T) {
	s, _ := newTestServer(t)

	if _, isErr := call(t, s.browseAgents, map[string]any{}); !isErr {
		t.Fatal("expected an error result without keyword")
	}
}

func TestInitiateJob_Success(t *testing.T) {
	s, l := newTestServer(t)

	text, isErr := call(t, s.initiateJob, map[string]any{
		"provider_address": sellerWallet,
		"requirement":      `{"prompt":"a cat"}`,
		"amount":           0.5,
		"expires_in_hours": 2,
	})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	if !strings.Contains(text, `"job_id": 101`) {
		t.Fatalf("expected job id 101, got %s", text)
	}
	if len(l.memos) != 1 || l.memos[0] != `{"prompt":"a cat"}` {
		t.Fatalf("expected the JSON requirement as memo content, got %v", l.memos)
	}
}

func TestInitiateJob_SelfDealing(t *testing.T) {
	s, l := newTestServer(t)

	text, isErr := call(t, s.initiateJob, map[string]any{
		"provider_address": buyerWallet,
		"requirement":      "anything",
	})
	if !isErr {
		t.Fatalf("expected an error result, got %s", text)
	}
	if l.nextID != 0 {
		t.Fatalf("expected no ledger writes, got %d", l.nextID)
	}
}

func TestGetJob(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := call(t, s.getJob, map[string]any{"job_id": 9})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	if !strings.Contains(text, `"phase": "Transaction"`) {
		t.Fatalf("expected Transaction phase, got %s", text)
	}

	text, isErr = call(t, s.getJob, map[string]any{"job_id": 10})
	if !isErr || !strings.Contains(text, "not found") {
		t.Fatalf("expected not found error, got %s", text)
	}

	if _, isErr := call(t, s.getJob, map[string]any{"job_id": 1.5}); !isErr {
		t.Fatal("expected an error result for a fractional id")
	}
}

func TestListJobs(t *testing.T) {
	s, _ := newTestServer(t)

	text, isErr := call(t, s.listJobs, map[string]any{"category": "pending-memos"})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	if !strings.Contains(text, `"total_count": 1`) {
		t.Fatalf("expected one job, got %s", text)
	}

	if _, isErr := call(t, s.listJobs, map[string]any{"category": "archived"}); !isErr {
		t.Fatal("expected an error result for an unknown category")
	}
}

func TestSendMessage(t *testing.T) {
	s, l := newTestServer(t)

	text, isErr := call(t, s.sendMessage, map[string]any{
		"job_id": 9,
		"type":   "open_position",
		"data":   map[string]any{"symbol": "VIRTUAL", "amount": 1},
	})
	if isErr {
		t.Fatalf("expected success, got %s", text)
	}
	if len(l.memos) != 1 || !strings.Contains(l.memos[0], `"open_position"`) {
		t.Fatalf("expected the payload in the memo, got %v", l.memos)
	}

	text, isErr = call(t, s.sendMessage, map[string]any{
		"job_id":     9,
		"type":       "close_position",
		"next_phase": "Negotiation",
	})
	if !isErr {
		t.Fatalf("expected phase regression error, got %s", text)
	}
	if len(l.memos) != 1 {
		t.Fatalf("expected no further memo, got %v", l.memos)
	}
}

// Package indexer reads jobs, memos, agents and accounts from the off-chain
// index that mirrors the ledger.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/acperr"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

// ErrNotFound is wrapped by the APIError returned when a job, memo, agent or
// account does not exist (yet) in the index.
var ErrNotFound = errors.New("not found")

// JobCategory selects one of the per-wallet job lists.
type JobCategory string

const (
	CategoryActive       JobCategory = "active"
	CategoryCompleted    JobCategory = "completed"
	CategoryCancelled    JobCategory = "cancelled"
	CategoryPendingMemos JobCategory = "pending-memos"
)

func ParseCategory(s string) (JobCategory, error) {
	switch c := JobCategory(strings.ToLower(s)); c {
	case CategoryActive, CategoryCompleted, CategoryCancelled, CategoryPendingMemos:
		return c, nil
	}
	return "", fmt.Errorf("unknown job category %q", s)
}

// OffChainJob is the index's own record of a job.
type OffChainJob struct {
	ID                 int64          `json:"id"`
	DocumentID         string         `json:"documentId"`
	TxHash             string         `json:"txHash"`
	Budget             float64        `json:"budget"`
	ClientAddress      string         `json:"clientAddress"`
	ProviderAddress    string         `json:"providerAddress"`
	Evaluators         []string       `json:"evaluators"`
	BudgetTxHash       string         `json:"budgetTxHash,omitempty"`
	Phase              int            `json:"phase"`
	OnChainJobID       string         `json:"onChainJobId"`
	Summary            string         `json:"summary"`
	Context            map[string]any `json:"context,omitempty"`
	Expiry             string         `json:"expiry"`
	BudgetTokenAddress string         `json:"budgetTokenAddress"`
}

// AuthStrategy decorates outgoing requests with caller identification.
type AuthStrategy interface {
	Apply(req *http.Request) error
}

// WalletAuth scopes requests to the given wallet through the wallet-address header.
type WalletAuth struct{ Wallet string }

func (a WalletAuth) Apply(req *http.Request) error {
	if strings.TrimSpace(a.Wallet) == "" {
		return errors.New("wallet address is required")
	}
	req.Header.Set("wallet-address", a.Wallet)
	return nil
}

// Client talks to the indexer. It performs no retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthStrategy
	wallet     string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func NewClient(baseURL, wallet string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		auth:       WalletAuth{Wallet: wallet},
		wallet:     wallet,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wallet is the address every scoped query is made for.
func (c *Client) Wallet() string { return c.wallet }

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// do performs one request and decodes the envelope's data into out. A null or
// missing data field is reported as ErrNotFound.
func (c *Client) do(ctx context.Context, op, method, path string, body any, headers map[string]string, scoped bool, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &acperr.APIError{Op: op, Err: fmt.Errorf("failed to encode body: %w", err)}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &acperr.APIError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if scoped && c.auth != nil {
		if err := c.auth.Apply(req); err != nil {
			return &acperr.APIError{Op: op, Err: err}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &acperr.APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &acperr.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr == nil && env.Error != nil && env.Error.Message != "" {
		apiErr := &acperr.APIError{Op: op, StatusCode: resp.StatusCode, Message: env.Error.Message}
		if resp.StatusCode == http.StatusNotFound {
			apiErr.Err = ErrNotFound
		}
		return apiErr
	}
	if resp.StatusCode == http.StatusNotFound {
		return &acperr.APIError{Op: op, StatusCode: resp.StatusCode, Err: ErrNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &acperr.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if decodeErr != nil {
		return &acperr.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", decodeErr)}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &acperr.APIError{Op: op, StatusCode: resp.StatusCode, Err: ErrNotFound}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &acperr.APIError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode data: %w", err)}
	}
	return nil
}

func pagination(page, pageSize int) string {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	v := url.Values{}
	v.Set("pagination[page]", strconv.Itoa(page))
	v.Set("pagination[pageSize]", strconv.Itoa(pageSize))
	return v.Encode()
}

// ListJobs returns one page of the wallet's jobs in the given category. Pages are 1-based.
func (c *Client) ListJobs(ctx context.Context, category JobCategory, page, pageSize int) ([]models.Job, error) {
	jobs := make([]models.Job, 0)
	path := "/jobs/" + string(category) + "?" + pagination(page, pageSize)
	if err := c.do(ctx, "list "+string(category)+" jobs", http.MethodGet, path, nil, nil, true, &jobs); err != nil {
		if errors.Is(err, ErrNotFound) {
			return make([]models.Job, 0), nil
		}
		return nil, err
	}
	if jobs == nil {
		jobs = make([]models.Job, 0)
	}
	return jobs, nil
}

func (c *Client) ActiveJobs(ctx context.Context, page, pageSize int) ([]models.Job, error) {
	return c.ListJobs(ctx, CategoryActive, page, pageSize)
}

func (c *Client) CompletedJobs(ctx context.Context, page, pageSize int) ([]models.Job, error) {
	return c.ListJobs(ctx, CategoryCompleted, page, pageSize)
}

func (c *Client) CancelledJobs(ctx context.Context, page, pageSize int) ([]models.Job, error) {
	return c.ListJobs(ctx, CategoryCancelled, page, pageSize)
}

func (c *Client) PendingMemoJobs(ctx context.Context, page, pageSize int) ([]models.Job, error) {
	return c.ListJobs(ctx, CategoryPendingMemos, page, pageSize)
}

func (c *Client) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, fmt.Sprintf("get job %d", jobID), http.MethodGet, "/jobs/"+strconv.FormatInt(jobID, 10), nil, nil, true, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetMemo(ctx context.Context, jobID, memoID int64) (*models.Memo, error) {
	var memo models.Memo
	path := fmt.Sprintf("/jobs/%d/memos/%d", jobID, memoID)
	if err := c.do(ctx, fmt.Sprintf("get memo %d of job %d", memoID, jobID), http.MethodGet, path, nil, nil, true, &memo); err != nil {
		return nil, err
	}
	return &memo, nil
}

func (c *Client) GetAgent(ctx context.Context, wallet string) (*models.Agent, error) {
	agents := make([]models.Agent, 0)
	path := "/agents?" + url.Values{"filters[walletAddress]": {wallet}}.Encode()
	op := "get agent " + wallet
	if err := c.do(ctx, op, http.MethodGet, path, nil, nil, false, &agents); err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, &acperr.APIError{Op: op, Err: ErrNotFound}
	}
	a := agents[0]
	fillOfferingProviders(&a)
	return &a, nil
}

// SearchAgents runs a keyword search. Filtering happens server side; the
// caller's wallet is passed as an exclusion when ExcludeWallet is set.
func (c *Client) SearchAgents(ctx context.Context, q models.AgentSearch) ([]models.Agent, error) {
	v := url.Values{}
	v.Set("search", q.Keyword)
	if len(q.SortBy) > 0 {
		keys := make([]string, len(q.SortBy))
		for i, s := range q.SortBy {
			keys[i] = string(s)
		}
		v.Set("sortBy", strings.Join(keys, ","))
	}
	if q.TopK > 0 {
		v.Set("top_k", strconv.Itoa(q.TopK))
	}
	if q.ExcludeWallet != "" {
		v.Set("walletAddressesToExclude", q.ExcludeWallet)
	}
	if q.Cluster != "" {
		v.Set("cluster", q.Cluster)
	}
	if q.Graduation != "" {
		v.Set("graduationStatus", strings.ToLower(string(q.Graduation)))
	}
	if q.Online != "" {
		v.Set("onlineStatus", strings.ToLower(string(q.Online)))
	}

	agents := make([]models.Agent, 0)
	if err := c.do(ctx, "search agents", http.MethodGet, "/agents/v2/search?"+v.Encode(), nil, nil, false, &agents); err != nil {
		if errors.Is(err, ErrNotFound) {
			return make([]models.Agent, 0), nil
		}
		return nil, err
	}
	if agents == nil {
		agents = make([]models.Agent, 0)
	}
	for i := range agents {
		fillOfferingProviders(&agents[i])
	}
	return agents, nil
}

func fillOfferingProviders(a *models.Agent) {
	if a.Offerings == nil {
		a.Offerings = make([]models.Offering, 0)
	}
	for i := range a.Offerings {
		if a.Offerings[i].ProviderAddress == "" {
			a.Offerings[i].ProviderAddress = a.WalletAddress
		}
	}
}

func (c *Client) AccountByJobID(ctx context.Context, jobID int64) (*models.Account, error) {
	var acct models.Account
	if err := c.do(ctx, fmt.Sprintf("get account for job %d", jobID), http.MethodGet, "/accounts/job/"+strconv.FormatInt(jobID, 10), nil, nil, false, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *Client) AccountByClientAndProvider(ctx context.Context, client, provider string) (*models.Account, error) {
	var acct models.Account
	path := "/accounts/client/" + url.PathEscape(client) + "/provider/" + url.PathEscape(provider)
	if err := c.do(ctx, "get account for "+client+"/"+provider, http.MethodGet, path, nil, nil, false, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// UpdateJobX402Nonce registers a payment nonce, authenticated by a signature over "<jobID>-<nonce>".
func (c *Client) UpdateJobX402Nonce(ctx context.Context, jobID int64, nonce, signature string) (*OffChainJob, error) {
	op := fmt.Sprintf("update x402 nonce for job %d", jobID)
	headers := map[string]string{"x-signature": signature, "x-nonce": nonce}
	body := map[string]any{"data": map[string]string{"nonce": nonce}}
	var job OffChainJob
	if err := c.do(ctx, op, http.MethodPost, fmt.Sprintf("/jobs/%d/x402-nonce", jobID), body, headers, false, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

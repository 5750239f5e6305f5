package ledger

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/acperr"
	"github.com/MaxBauer1337/VirtualACPNet/internal/config"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client issues job, memo, budget and account operations against the
// commerce contract. Every write is confirmed before it returns.
type Client struct {
	backend   Backend
	identity  *Identity
	submitter Submitter
	poller    *ReceiptPoller

	contract common.Address
	token    common.Address
	decimals int32
}

type Option func(*Client)

// WithSmartAccount routes every write through the given smart account.
func WithSmartAccount(account common.Address) Option {
	return func(c *Client) {
		if direct, ok := c.submitter.(*DirectSubmitter); ok {
			c.submitter = NewSmartAccountSubmitter(direct, account)
		}
	}
}

// WithConfirmTimeout bounds how long a write waits to be mined.
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *Client) { c.poller = NewReceiptPoller(c.backend, d) }
}

func NewClient(backend Backend, identity *Identity, chain config.Chain, opts ...Option) *Client {
	c := &Client{
		backend:   backend,
		identity:  identity,
		submitter: NewDirectSubmitter(backend, identity, chain.ChainID),
		poller:    NewReceiptPoller(backend, DefaultConfirmTimeout),
		contract:  common.HexToAddress(chain.ContractAddress),
		token:     common.HexToAddress(chain.PaymentTokenAddress),
		decimals:  chain.PaymentTokenDecimals,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address is the wallet the ledger sees as the caller of every write.
func (c *Client) Address() string { return c.submitter.Sender().Hex() }

func (c *Client) ContractAddress() string { return c.contract.Hex() }

func (c *Client) PaymentToken() string { return c.token.Hex() }

// transact submits one call and waits for it to be mined.
func (c *Client) transact(ctx context.Context, op string, to common.Address, contract abi.ABI, method string, args ...any) (*types.Receipt, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, acperr.Contract(op, acperr.StageEstimation, "", fmt.Errorf("failed to encode call: %w", err))
	}
	hash, err := c.submitter.Submit(ctx, op, to, data)
	if err != nil {
		return nil, err
	}
	receipt, err := c.poller.Wait(ctx, op, hash)
	if err != nil {
		return nil, err
	}
	log.Printf("op=%s: tx_hash=%s: transaction confirmed in block %v", op, hash.Hex(), receipt.BlockNumber)
	return receipt, nil
}

func (c *Client) call(ctx context.Context, op string, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, acperr.Contract(op, acperr.StageCall, "", fmt.Errorf("failed to encode call: %w", err))
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.submitter.Sender(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, acperr.Contract(op, acperr.StageCall, "", err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, acperr.Contract(op, acperr.StageCall, "", fmt.Errorf("failed to decode result: %w", err))
	}
	return values, nil
}

// TxResult identifies a confirmed write.
type TxResult struct {
	TxHash string
	// ID is the job or memo id the write created, when it created one.
	ID int64
}

func (c *Client) CreateJob(ctx context.Context, provider, evaluator string, expiredAt time.Time) (TxResult, error) {
	receipt, err := c.transact(ctx, "createJob", c.contract, acpABI, "createJob",
		common.HexToAddress(provider), common.HexToAddress(evaluator), big.NewInt(expiredAt.Unix()))
	if err != nil {
		return TxResult{}, err
	}
	return c.jobResult("createJob", receipt)
}

func (c *Client) CreateJobWithAccount(ctx context.Context, accountID int64, evaluator string, budget float64, expiredAt time.Time) (TxResult, error) {
	receipt, err := c.transact(ctx, "createJobWithAccount", c.contract, acpABI, "createJobWithAccount",
		big.NewInt(accountID), common.HexToAddress(evaluator), FloatToBaseUnits(budget, c.decimals), c.token, big.NewInt(expiredAt.Unix()))
	if err != nil {
		return TxResult{}, err
	}
	return c.jobResult("createJobWithAccount", receipt)
}

func (c *Client) jobResult(op string, receipt *types.Receipt) (TxResult, error) {
	hash := receipt.TxHash.Hex()
	jobID, err := ExtractJobID(receipt, c.contract)
	if err != nil {
		return TxResult{TxHash: hash}, acperr.Contract(op, acperr.StageExtraction, hash, err)
	}
	log.Printf("job_id=%d: job created, tx_hash=%s", jobID, hash)
	return TxResult{TxHash: hash, ID: jobID}, nil
}

func (c *Client) SetBudget(ctx context.Context, jobID int64, amount float64) (TxResult, error) {
	receipt, err := c.transact(ctx, "setBudget", c.contract, acpABI, "setBudget",
		big.NewInt(jobID), FloatToBaseUnits(amount, c.decimals))
	if err != nil {
		return TxResult{}, err
	}
	return TxResult{TxHash: receipt.TxHash.Hex()}, nil
}

// SetBudgetWithPaymentToken escrows amount of token for the job. An empty token
// means the configured payment token.
func (c *Client) SetBudgetWithPaymentToken(ctx context.Context, jobID int64, amount float64, token string) (TxResult, error) {
	tokenAddr := c.token
	if token != "" {
		tokenAddr = common.HexToAddress(token)
	}
	receipt, err := c.transact(ctx, "setBudgetWithPaymentToken", c.contract, acpABI, "setBudgetWithPaymentToken",
		big.NewInt(jobID), FloatToBaseUnits(amount, c.decimals), tokenAddr)
	if err != nil {
		return TxResult{}, err
	}
	return TxResult{TxHash: receipt.TxHash.Hex()}, nil
}

func (c *Client) CreateMemo(ctx context.Context, jobID int64, content string, memoType models.MemoType, isSecured bool, nextPhase models.Phase) (TxResult, error) {
	receipt, err := c.transact(ctx, "createMemo", c.contract, acpABI, "createMemo",
		big.NewInt(jobID), content, uint8(memoType), isSecured, uint8(nextPhase))
	if err != nil {
		return TxResult{}, err
	}
	return c.memoResult(jobID, receipt), nil
}

// PayableMemo describes a memo that moves funds when approved.
type PayableMemo struct {
	JobID     int64
	Content   string
	Token     string
	Amount    float64
	Recipient string
	FeeAmount float64
	FeeType   models.FeeType
	MemoType  models.MemoType
	NextPhase models.Phase
	ExpiredAt time.Time
}

func (c *Client) CreatePayableMemo(ctx context.Context, p PayableMemo) (TxResult, error) {
	tokenAddr := c.token
	if p.Token != "" {
		tokenAddr = common.HexToAddress(p.Token)
	}
	receipt, err := c.transact(ctx, "createPayableMemo", c.contract, acpABI, "createPayableMemo",
		big.NewInt(p.JobID), p.Content, tokenAddr,
		FloatToBaseUnits(p.Amount, c.decimals), common.HexToAddress(p.Recipient),
		FloatToBaseUnits(p.FeeAmount, c.decimals), uint8(p.FeeType), uint8(p.MemoType), uint8(p.NextPhase),
		big.NewInt(p.ExpiredAt.Unix()))
	if err != nil {
		return TxResult{}, err
	}
	return c.memoResult(p.JobID, receipt), nil
}

func (c *Client) memoResult(jobID int64, receipt *types.Receipt) TxResult {
	res := TxResult{TxHash: receipt.TxHash.Hex()}
	if id, err := ExtractMemoID(receipt, c.contract); err == nil {
		res.ID = id
		log.Printf("job_id=%d: memo_id=%d: memo created, tx_hash=%s", jobID, id, res.TxHash)
	}
	return res
}

func (c *Client) SignMemo(ctx context.Context, memoID int64, approve bool, reason string) (TxResult, error) {
	receipt, err := c.transact(ctx, "signMemo", c.contract, acpABI, "signMemo",
		big.NewInt(memoID), approve, reason)
	if err != nil {
		return TxResult{}, err
	}
	return TxResult{TxHash: receipt.TxHash.Hex(), ID: memoID}, nil
}

// ApproveAllowance lets the commerce contract pull amount of the payment token from the caller.
func (c *Client) ApproveAllowance(ctx context.Context, amount float64) (TxResult, error) {
	receipt, err := c.transact(ctx, "approve", c.token, erc20ABI, "approve",
		c.contract, FloatToBaseUnits(amount, c.decimals))
	if err != nil {
		return TxResult{}, err
	}
	return TxResult{TxHash: receipt.TxHash.Hex()}, nil
}

func (c *Client) CreateAccount(ctx context.Context, provider, metadata string) (TxResult, error) {
	receipt, err := c.transact(ctx, "createAccount", c.contract, acpABI, "createAccount",
		common.HexToAddress(provider), metadata)
	if err != nil {
		return TxResult{}, err
	}
	return TxResult{TxHash: receipt.TxHash.Hex()}, nil
}

func (c *Client) UpdateAccountMetadata(ctx context.Context, accountID int64, metadata string) (TxResult, error) {
	receipt, err := c.transact(ctx, "updateAccountMetadata", c.contract, acpABI, "updateAccountMetadata",
		big.NewInt(accountID), metadata)
	if err != nil {
		return TxResult{}, err
	}
	return TxResult{TxHash: receipt.TxHash.Hex(), ID: accountID}, nil
}

type accountOutput struct {
	Id                *big.Int
	Client            common.Address
	Provider          common.Address
	CreatedAt         *big.Int
	Metadata          string
	JobCount          *big.Int
	CompletedJobCount *big.Int
	IsActive          bool
}

func (c *Client) GetAccount(ctx context.Context, accountID int64) (*models.AccountInfo, error) {
	data, err := acpABI.Pack("getAccount", big.NewInt(accountID))
	if err != nil {
		return nil, acperr.Contract("getAccount", acperr.StageCall, "", err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.submitter.Sender(), To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, acperr.Contract("getAccount", acperr.StageCall, "", err)
	}
	var out accountOutput
	if err := acpABI.UnpackIntoInterface(&out, "getAccount", raw); err != nil {
		return nil, acperr.Contract("getAccount", acperr.StageCall, "", fmt.Errorf("failed to decode account: %w", err))
	}
	if out.Id == nil || out.Id.Sign() == 0 {
		return nil, acperr.Contract("getAccount", acperr.StageCall, "", fmt.Errorf("account %d not found", accountID))
	}
	return &models.AccountInfo{
		ID:                out.Id.Int64(),
		Client:            out.Client.Hex(),
		Provider:          out.Provider.Hex(),
		CreatedAt:         out.CreatedAt.Int64(),
		Metadata:          out.Metadata,
		JobCount:          out.JobCount.Int64(),
		CompletedJobCount: out.CompletedJobCount.Int64(),
		IsActive:          out.IsActive,
	}, nil
}

type contractMemo struct {
	Id               *big.Int
	JobId            *big.Int
	Sender           common.Address
	Content          string
	MemoType         uint8
	CreatedAt        *big.Int
	IsApproved       bool
	ApprovedBy       common.Address
	ApprovedAt       *big.Int
	RequiresApproval bool
	Metadata         string
	IsSecured        bool
	NextPhase        uint8
	ExpiredAt        *big.Int
}

func (m contractMemo) toModel(now time.Time) models.Memo {
	memo := models.Memo{
		ID:        m.Id.Int64(),
		Type:      models.MemoType(m.MemoType),
		Content:   m.Content,
		NextPhase: models.Phase(m.NextPhase),
		Status:    models.MemoPending,
	}
	if m.ExpiredAt != nil && m.ExpiredAt.Sign() > 0 {
		t := time.Unix(m.ExpiredAt.Int64(), 0).UTC()
		memo.Expiry = &t
	}
	switch {
	case m.IsApproved:
		memo.Status = models.MemoApproved
	case m.ApprovedAt != nil && m.ApprovedAt.Sign() > 0:
		memo.Status = models.MemoRejected
	case memo.Expiry != nil && now.After(*memo.Expiry):
		memo.Status = models.MemoExpired
	}
	return memo
}

func decodeMemos(values []any) ([]models.Memo, int64, error) {
	if len(values) != 2 {
		return nil, 0, fmt.Errorf("unexpected memo result arity %d", len(values))
	}
	raw := *abi.ConvertType(values[0], new([]contractMemo)).(*[]contractMemo)
	total, _ := values[1].(*big.Int)
	now := time.Now()
	memos := make([]models.Memo, 0, len(raw))
	for _, m := range raw {
		memos = append(memos, m.toModel(now))
	}
	if total == nil {
		return memos, int64(len(memos)), nil
	}
	return memos, total.Int64(), nil
}

// GetMemos returns one page of a job's memos and the total count.
func (c *Client) GetMemos(ctx context.Context, jobID int64, offset, limit int) ([]models.Memo, int64, error) {
	values, err := c.call(ctx, "getAllMemos", c.contract, acpABI, "getAllMemos",
		big.NewInt(jobID), big.NewInt(int64(offset)), big.NewInt(int64(limit)))
	if err != nil {
		return nil, 0, err
	}
	return decodeMemos(values)
}

// GetMemosForPhase returns one page of memos that target phase.
func (c *Client) GetMemosForPhase(ctx context.Context, jobID int64, phase models.Phase, offset, limit int) ([]models.Memo, int64, error) {
	values, err := c.call(ctx, "getMemosForPhase", c.contract, acpABI, "getMemosForPhase",
		big.NewInt(jobID), uint8(phase), big.NewInt(int64(offset)), big.NewInt(int64(limit)))
	if err != nil {
		return nil, 0, err
	}
	return decodeMemos(values)
}

func (c *Client) CanSign(ctx context.Context, jobID int64) (bool, error) {
	values, err := c.call(ctx, "canSign", c.contract, acpABI, "canSign", c.submitter.Sender(), big.NewInt(jobID))
	if err != nil {
		return false, err
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

func (c *Client) IsJobEvaluator(ctx context.Context, jobID int64, account string) (bool, error) {
	values, err := c.call(ctx, "isJobEvaluator", c.contract, acpABI, "isJobEvaluator", big.NewInt(jobID), common.HexToAddress(account))
	if err != nil {
		return false, err
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

func (c *Client) X402PaymentDetails(ctx context.Context, jobID int64) (models.PaymentDetails, error) {
	values, err := c.call(ctx, "x402PaymentDetails", c.contract, acpABI, "x402PaymentDetails", big.NewInt(jobID))
	if err != nil {
		return models.PaymentDetails{}, err
	}
	var d models.PaymentDetails
	d.IsX402, _ = values[0].(bool)
	d.IsBudgetReceived, _ = values[1].(bool)
	return d, nil
}

// Allowance is how much of the payment token the contract may still pull from owner.
func (c *Client) Allowance(ctx context.Context, owner string) (*big.Int, error) {
	values, err := c.call(ctx, "allowance", c.token, erc20ABI, "allowance", common.HexToAddress(owner), c.contract)
	if err != nil {
		return nil, err
	}
	v, _ := values[0].(*big.Int)
	return v, nil
}

func (c *Client) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	values, err := c.call(ctx, "balanceOf", c.token, erc20ABI, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	v, _ := values[0].(*big.Int)
	return v, nil
}

func (c *Client) TokenName(ctx context.Context) (string, error) {
	values, err := c.call(ctx, "name", c.token, erc20ABI, "name")
	if err != nil {
		return "", err
	}
	name, _ := values[0].(string)
	return name, nil
}

// SignNonceMessage signs "<jobID>-<nonce>" with the identity key.
func (c *Client) SignNonceMessage(jobID int64, nonce string) (string, error) {
	return c.identity.SignPersonal(NonceMessage(jobID, nonce))
}

// Decimals is the payment token precision used for amount conversion.
func (c *Client) Decimals() int32 { return c.decimals }

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/acperr"
	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/ledger"
	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
)

var (
	ErrSelfDealing     = errors.New("cannot initiate a job with yourself as the provider")
	ErrNoMemoToSign    = errors.New("no memo awaiting signature")
	ErrInvalidAmount   = errors.New("amount must not be negative")
	ErrInvalidProvider = errors.New("provider address is required")
	ErrPhaseRegression = errors.New("next phase must not precede the current phase")
	ErrJobTerminal     = errors.New("job is in a terminal phase")
	ErrExpiryInPast    = errors.New("expiry must be in the future")
)

// Ledger is the part of the ledger adapter the orchestrator drives.
type Ledger interface {
	Address() string
	CreateJob(ctx context.Context, provider, evaluator string, expiredAt time.Time) (ledger.TxResult, error)
	CreateJobWithAccount(ctx context.Context, accountID int64, evaluator string, budget float64, expiredAt time.Time) (ledger.TxResult, error)
	SetBudgetWithPaymentToken(ctx context.Context, jobID int64, amount float64, token string) (ledger.TxResult, error)
	CreateMemo(ctx context.Context, jobID int64, content string, memoType models.MemoType, isSecured bool, nextPhase models.Phase) (ledger.TxResult, error)
	CreatePayableMemo(ctx context.Context, p ledger.PayableMemo) (ledger.TxResult, error)
	SignMemo(ctx context.Context, memoID int64, approve bool, reason string) (ledger.TxResult, error)
	ApproveAllowance(ctx context.Context, amount float64) (ledger.TxResult, error)
	CreateAccount(ctx context.Context, provider, metadata string) (ledger.TxResult, error)
	UpdateAccountMetadata(ctx context.Context, accountID int64, metadata string) (ledger.TxResult, error)
	GetAccount(ctx context.Context, accountID int64) (*models.AccountInfo, error)
	X402PaymentDetails(ctx context.Context, jobID int64) (models.PaymentDetails, error)
	SignNonceMessage(jobID int64, nonce string) (string, error)
}

// Indexer is the part of the indexer client the service layer reads from.
type Indexer interface {
	Wallet() string
	GetJob(ctx context.Context, jobID int64) (*models.Job, error)
	GetMemo(ctx context.Context, jobID, memoID int64) (*models.Memo, error)
	ListJobs(ctx context.Context, category indexer.JobCategory, page, pageSize int) ([]models.Job, error)
	GetAgent(ctx context.Context, wallet string) (*models.Agent, error)
	SearchAgents(ctx context.Context, q models.AgentSearch) ([]models.Agent, error)
	AccountByJobID(ctx context.Context, jobID int64) (*models.Account, error)
	AccountByClientAndProvider(ctx context.Context, client, provider string) (*models.Account, error)
	UpdateJobX402Nonce(ctx context.Context, jobID int64, nonce, signature string) (*indexer.OffChainJob, error)
}

// ActionError reports which step of which job failed, with enough context to
// retry exactly that step.
type ActionError struct {
	Action string
	JobID  int64
	MemoID int64
	Phase  models.Phase
	Err    error
}

func (e *ActionError) Error() string {
	if stage, ok := acperr.FailedStage(e.Err); ok {
		return fmt.Sprintf("job_id=%d: memo_id=%d: phase=%s: %s failed at %s: %v", e.JobID, e.MemoID, e.Phase, e.Action, stage, e.Err)
	}
	return fmt.Sprintf("job_id=%d: memo_id=%d: phase=%s: %s failed: %v", e.JobID, e.MemoID, e.Phase, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Orchestrator sequences the ledger writes that move jobs through their phases.
type Orchestrator struct {
	ledger        Ledger
	index         Indexer
	repo          repository.Repository
	limiter       *RateLimiter
	metrics       *metrics.Metrics
	policy        Policy
	settler       *Settler
	lease         time.Duration
	defaultExpiry time.Duration
}

type Option func(*Orchestrator)

func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithSettler(s *Settler) Option {
	return func(o *Orchestrator) { o.settler = s }
}

// WithActionLease bounds how long a claimed action blocks other handlers
// before it may be taken over.
func WithActionLease(d time.Duration) Option {
	return func(o *Orchestrator) { o.lease = d }
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(l Ledger, index Indexer, repo repository.Repository, limiter *RateLimiter, m *metrics.Metrics, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:        l,
		index:         index,
		repo:          repo,
		limiter:       limiter,
		metrics:       m,
		policy:        StaticPolicy{AutoAccept: true},
		lease:         10 * time.Minute,
		defaultExpiry: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.settler == nil {
		o.settler = NewSettler(index, 30*time.Second)
	}
	return o
}

// Wallet is the address the orchestrator acts as.
func (o *Orchestrator) Wallet() string { return o.ledger.Address() }

// InitiateJob opens a job as buyer: create the job, escrow the budget and
// post the requirement as the memo that proposes Negotiation.
func (o *Orchestrator) InitiateJob(ctx context.Context, req *models.InitiateJobRequest) (int64, error) {
	wallet := o.ledger.Address()
	provider := strings.TrimSpace(req.ProviderAddress)
	if provider == "" {
		return 0, ErrInvalidProvider
	}
	if strings.EqualFold(provider, wallet) {
		return 0, ErrSelfDealing
	}
	if req.Amount < 0 {
		return 0, ErrInvalidAmount
	}
	content, err := requirementContent(req.Requirement)
	if err != nil {
		return 0, err
	}
	expiredAt := time.Now().Add(o.defaultExpiry)
	if req.ExpiredAt != nil {
		if !req.ExpiredAt.After(time.Now()) {
			return 0, ErrExpiryInPast
		}
		expiredAt = *req.ExpiredAt
	}
	evaluator := req.EvaluatorAddress
	if evaluator == "" {
		evaluator = wallet
	}

	if err := o.limiter.CheckSubmissionRate(ctx, provider); err != nil {
		return 0, err
	}
	if err := o.limiter.Acquire(ctx, provider); err != nil {
		return 0, err
	}
	defer o.limiter.Release(provider)

	jobID, err := o.createJob(ctx, wallet, provider, evaluator, req.Amount, expiredAt)
	if err != nil {
		return 0, err
	}

	res, err := o.ledger.CreateMemo(ctx, jobID, content, models.MemoMessage, true, models.PhaseNegotiation)
	if err != nil {
		err = &ActionError{Action: "create requirement memo", JobID: jobID, Phase: models.PhaseNegotiation, Err: err}
		log.Printf("%v", err)
		return jobID, err
	}

	o.metrics.IncrementJobsInitiated()
	log.Printf("job_id=%d: memo_id=%d: job initiated with provider %s for %v, evaluator %s", jobID, res.ID, provider, req.Amount, evaluator)

	if job := o.settler.settle(ctx, jobID, "requirement memo", hasMemoTargeting(models.PhaseNegotiation)); job != nil {
		o.saveSnapshot(ctx, job)
	}
	return jobID, nil
}

// createJob uses the client/provider account when the indexer knows one,
// which sets the budget in the same write.
func (o *Orchestrator) createJob(ctx context.Context, wallet, provider, evaluator string, amount float64, expiredAt time.Time) (int64, error) {
	acct, err := o.index.AccountByClientAndProvider(ctx, wallet, provider)
	if err != nil && !errors.Is(err, indexer.ErrNotFound) {
		log.Printf("provider=%s: account lookup failed, creating job without account: %v", provider, err)
	}
	if err == nil && acct != nil && acct.ID > 0 {
		res, err := o.ledger.CreateJobWithAccount(ctx, acct.ID, evaluator, amount, expiredAt)
		if err != nil {
			err = &ActionError{Action: "create job with account", Phase: models.PhaseRequest, Err: err}
			log.Printf("%v", err)
			return 0, err
		}
		return res.ID, nil
	}

	res, err := o.ledger.CreateJob(ctx, provider, evaluator, expiredAt)
	if err != nil {
		err = &ActionError{Action: "create job", Phase: models.PhaseRequest, Err: err}
		log.Printf("%v", err)
		return 0, err
	}
	if _, err := o.ledger.SetBudgetWithPaymentToken(ctx, res.ID, amount, ""); err != nil {
		err = &ActionError{Action: "set budget", JobID: res.ID, Phase: models.PhaseRequest, Err: err}
		log.Printf("%v", err)
		return res.ID, err
	}
	return res.ID, nil
}

// InitiateOffering opens a job for one of a provider's offerings at its listed price.
func (o *Orchestrator) InitiateOffering(ctx context.Context, offering models.Offering, requirement any, evaluator string, expiredAt *time.Time) (int64, error) {
	np, err := offering.BuildRequirement(requirement)
	if err != nil {
		return 0, err
	}
	return o.InitiateJob(ctx, &models.InitiateJobRequest{
		ProviderAddress:  offering.ProviderAddress,
		EvaluatorAddress: evaluator,
		Amount:           offering.Price,
		Requirement:      np,
		ExpiredAt:        expiredAt,
	})
}

func requirementContent(requirement any) (string, error) {
	switch r := requirement.(type) {
	case nil:
		return "", errors.New("service requirement is required")
	case string:
		return r, nil
	case json.RawMessage:
		return string(r), nil
	}
	b, err := json.Marshal(requirement)
	if err != nil {
		return "", fmt.Errorf("failed to encode service requirement: %w", err)
	}
	return string(b), nil
}

// Advance performs this wallet's next step on job, if the phase table has one.
// hint is the memo the push channel flagged for signing.
func (o *Orchestrator) Advance(ctx context.Context, job *models.Job, hint *models.Memo) error {
	o.saveSnapshot(ctx, job)

	step, ok := NextAction(job, o.ledger.Address(), hint)
	if !ok {
		log.Printf("job_id=%d: phase=%s: no action for this wallet", job.ID, job.Phase)
		return nil
	}

	switch step.Kind {
	case ActionRespond:
		accept, reason, err := o.policy.Respond(ctx, job)
		if err != nil {
			return fmt.Errorf("job %d: failed to decide on request: %w", job.ID, err)
		}
		return o.RespondToJob(ctx, job.ID, step.Memo.ID, accept, "", reason)
	case ActionPay:
		return o.PayJob(ctx, job.ID, step.Memo.ID, job.Price, "")
	case ActionDeliver:
		deliverable, err := o.policy.Deliver(ctx, job)
		if err != nil {
			return fmt.Errorf("job %d: failed to produce deliverable: %w", job.ID, err)
		}
		return o.DeliverJob(ctx, job.ID, deliverable)
	case ActionSign:
		accept, reason, err := o.policy.Evaluate(ctx, job)
		if err != nil {
			return fmt.Errorf("job %d: failed to evaluate: %w", job.ID, err)
		}
		return o.signMemoAt(ctx, job.ID, step.Memo.ID, step.Memo.NextPhase, accept, reason)
	}
	return nil
}

// Evaluate judges a delivery as the job's evaluator. When no memo can be
// identified as the one awaiting judgment nothing is signed.
func (o *Orchestrator) Evaluate(ctx context.Context, job *models.Job) error {
	o.saveSnapshot(ctx, job)

	memo := EvaluationMemo(job)
	if memo == nil {
		log.Printf("job_id=%d: phase=%s: no evaluation memo found, abstaining", job.ID, job.Phase)
		return nil
	}
	accept, reason, err := o.policy.Evaluate(ctx, job)
	if err != nil {
		return fmt.Errorf("job %d: failed to evaluate: %w", job.ID, err)
	}
	return o.signMemoAt(ctx, job.ID, memo.ID, memo.NextPhase, accept, reason)
}

// RespondToJob signs the buyer's request memo and, when accepting, proposes
// the Transaction phase. An empty content gets a default acceptance message.
func (o *Orchestrator) RespondToJob(ctx context.Context, jobID, memoID int64, accept bool, content, reason string) error {
	a := newAction(ActionRespond, jobID, memoID, models.PhaseNegotiation)
	return o.run(ctx, a, func(ctx context.Context) (string, error) {
		res, err := o.signTolerant(ctx, jobID, memoID, accept, reason)
		if err != nil || !accept {
			return res.TxHash, err
		}

		o.settler.settle(ctx, jobID, "acceptance", phaseAtLeast(models.PhaseNegotiation))
		if content == "" {
			content = strings.TrimSpace(fmt.Sprintf("Job %d accepted. %s", jobID, reason))
		}
		memo, err := o.ledger.CreateMemo(ctx, jobID, content, models.MemoMessage, false, models.PhaseTransaction)
		if err != nil {
			return "", err
		}
		return memo.TxHash, nil
	})
}

// PayJob approves the allowance, signs the provider's terms and posts the
// memo that moves the job to Evaluation. The three writes are strictly ordered.
func (o *Orchestrator) PayJob(ctx context.Context, jobID, memoID int64, amount float64, reason string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	a := newAction(ActionPay, jobID, memoID, models.PhaseTransaction)
	return o.run(ctx, a, func(ctx context.Context) (string, error) {
		if _, err := o.ledger.ApproveAllowance(ctx, amount); err != nil {
			return "", err
		}
		if _, err := o.signTolerant(ctx, jobID, memoID, true, reason); err != nil {
			return "", err
		}

		o.settler.settle(ctx, jobID, "payment", phaseAtLeast(models.PhaseTransaction))
		if reason == "" {
			reason = fmt.Sprintf("Job %d paid.", jobID)
		}
		memo, err := o.ledger.CreateMemo(ctx, jobID, reason, models.MemoMessage, false, models.PhaseEvaluation)
		if err != nil {
			return "", err
		}
		log.Printf("job_id=%d: memo_id=%d: paid %v", jobID, memoID, amount)
		return memo.TxHash, nil
	})
}

// DeliverJob posts the deliverable as the memo that proposes completion.
func (o *Orchestrator) DeliverJob(ctx context.Context, jobID int64, deliverable models.DeliverablePayload) error {
	content, err := models.EncodePayload(deliverable)
	if err != nil {
		return err
	}
	a := newAction(ActionDeliver, jobID, 0, models.PhaseCompleted)
	return o.run(ctx, a, func(ctx context.Context) (string, error) {
		res, err := o.ledger.CreateMemo(ctx, jobID, content, models.MemoObjectURL, true, models.PhaseCompleted)
		if err != nil {
			return "", err
		}
		return res.TxHash, nil
	})
}

// SignMemo approves or rejects a memo once. A memo the ledger reports as
// already signed counts as done.
func (o *Orchestrator) SignMemo(ctx context.Context, jobID, memoID int64, accept bool, reason string) error {
	return o.signMemoAt(ctx, jobID, memoID, o.memoPhase(ctx, jobID, memoID, models.PhaseCompleted), accept, reason)
}

// signMemoAt journals the signature under the phase the memo proposes.
func (o *Orchestrator) signMemoAt(ctx context.Context, jobID, memoID int64, phase models.Phase, accept bool, reason string) error {
	a := newAction(ActionSign, jobID, memoID, phase)
	return o.run(ctx, a, func(ctx context.Context) (string, error) {
		res, err := o.ledger.SignMemo(ctx, memoID, accept, reason)
		if err != nil {
			return "", err
		}
		log.Printf("job_id=%d: memo_id=%d: memo %s, tx_hash=%s", jobID, memoID, verdict(accept), res.TxHash)
		return res.TxHash, nil
	})
}

// memoPhase looks up the phase memoID proposes, falling back when the index
// cannot say.
func (o *Orchestrator) memoPhase(ctx context.Context, jobID, memoID int64, fallback models.Phase) models.Phase {
	memo, err := o.index.GetMemo(ctx, jobID, memoID)
	if err != nil {
		log.Printf("job_id=%d: memo_id=%d: error looking up memo, journaling as %s: %v", jobID, memoID, fallback, err)
		return fallback
	}
	return memo.NextPhase
}

// signTolerant signs as the first write of a multi-write step, where a retry
// must get past a signature that already landed.
func (o *Orchestrator) signTolerant(ctx context.Context, jobID, memoID int64, accept bool, reason string) (ledger.TxResult, error) {
	res, err := o.ledger.SignMemo(ctx, memoID, accept, reason)
	if err != nil {
		if acperr.IsAlreadySigned(err) {
			log.Printf("job_id=%d: memo_id=%d: memo already signed, continuing", jobID, memoID)
			return ledger.TxResult{ID: memoID}, nil
		}
		return ledger.TxResult{}, err
	}
	log.Printf("job_id=%d: memo_id=%d: memo %s, tx_hash=%s", jobID, memoID, verdict(accept), res.TxHash)
	return res, nil
}

func verdict(accept bool) string {
	if accept {
		return "accepted"
	}
	return "rejected"
}

func actionKey(kind ActionKind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

func newAction(kind ActionKind, jobID, memoID int64, phase models.Phase) *models.Action {
	key := actionKey(kind, memoID)
	if kind == ActionDeliver {
		key = actionKey(kind, jobID)
	}
	return &models.Action{Key: key, JobID: jobID, MemoID: memoID, Kind: string(kind), Phase: phase}
}

// run claims a in the journal, performs fn and records the outcome. A claim
// held elsewhere, or a signature the ledger already has, is not an error.
func (o *Orchestrator) run(ctx context.Context, a *models.Action, fn func(context.Context) (string, error)) error {
	claimed, err := o.repo.ClaimAction(ctx, a, o.lease)
	if err != nil {
		return fmt.Errorf("failed to claim action %s: %w", a.Key, err)
	}
	if !claimed {
		o.metrics.IncrementActionsSkipped(a.Kind)
		log.Printf("job_id=%d: memo_id=%d: %s already claimed, skipping", a.JobID, a.MemoID, a.Key)
		return nil
	}

	// Journal writes must land even if the caller gave up meanwhile.
	journalCtx := context.WithoutCancel(ctx)

	txHash, err := fn(ctx)
	if err != nil {
		if acperr.IsAlreadySigned(err) {
			if cerr := o.repo.CompleteAction(journalCtx, a.Key, ""); cerr != nil {
				log.Printf("job_id=%d: error completing action %s: %v", a.JobID, a.Key, cerr)
			}
			o.metrics.IncrementActionsSkipped(a.Kind)
			log.Printf("job_id=%d: memo_id=%d: memo already signed, nothing to do", a.JobID, a.MemoID)
			return nil
		}

		actErr := &ActionError{Action: a.Kind, JobID: a.JobID, MemoID: a.MemoID, Phase: a.Phase, Err: err}
		if ferr := o.repo.FailAction(journalCtx, a.Key, actErr.Error()); ferr != nil {
			log.Printf("job_id=%d: error recording failed action %s: %v", a.JobID, a.Key, ferr)
		}
		o.metrics.IncrementActionsFailed(a.Kind)
		log.Printf("%v", actErr)
		return actErr
	}

	if err := o.repo.CompleteAction(journalCtx, a.Key, txHash); err != nil {
		log.Printf("job_id=%d: error completing action %s: %v", a.JobID, a.Key, err)
	}
	o.metrics.IncrementActionsCompleted(a.Kind)
	log.Printf("job_id=%d: memo_id=%d: %s done, tx_hash=%s", a.JobID, a.MemoID, a.Key, txHash)
	return nil
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, job *models.Job) {
	if job == nil || job.ID == 0 {
		return
	}
	if _, err := o.repo.SaveSnapshot(ctx, models.SnapshotOf(job)); err != nil {
		log.Printf("job_id=%d: error saving snapshot: %v", job.ID, err)
	}
}

package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/ledger"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

var ErrNotX402 = errors.New("job does not use x402 payment")

// FundsMemo describes a request for, or a transfer of, funds mid-job.
type FundsMemo struct {
	JobID     int64
	Amount    float64
	Recipient string
	FeeAmount float64
	FeeType   models.FeeType
	Payload   models.GenericPayload
	NextPhase models.Phase
	ExpiredAt *time.Time
}

// checkNextPhase loads the job and refuses ad-hoc memos on finished jobs or
// ones that would move the job backwards.
func (o *Orchestrator) checkNextPhase(ctx context.Context, jobID int64, next models.Phase) (*models.Job, error) {
	job, err := o.index.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return nil, fmt.Errorf("job %d: %w", jobID, ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to get job %d: %w", jobID, err)
	}
	if job.Phase.IsTerminal() {
		return nil, fmt.Errorf("job %d in %s: %w", jobID, job.Phase, ErrJobTerminal)
	}
	if !job.Phase.CanTransitionTo(next) {
		return nil, fmt.Errorf("job %d in %s cannot target %s: %w", jobID, job.Phase, next, ErrPhaseRegression)
	}
	return job, nil
}

func (o *Orchestrator) payableMemo(ctx context.Context, f FundsMemo, memoType models.MemoType) (ledger.TxResult, error) {
	content, err := models.EncodePayload(f.Payload)
	if err != nil {
		return ledger.TxResult{}, err
	}
	expiredAt := time.Now().Add(5 * time.Minute)
	if f.ExpiredAt != nil {
		expiredAt = *f.ExpiredAt
	}
	return o.ledger.CreatePayableMemo(ctx, ledger.PayableMemo{
		JobID:     f.JobID,
		Content:   content,
		Amount:    f.Amount,
		Recipient: f.Recipient,
		FeeAmount: f.FeeAmount,
		FeeType:   f.FeeType,
		MemoType:  memoType,
		NextPhase: f.NextPhase,
		ExpiredAt: expiredAt,
	})
}

// RequestFunds asks the counterparty to send funds to f.Recipient.
func (o *Orchestrator) RequestFunds(ctx context.Context, f FundsMemo) (ledger.TxResult, error) {
	if f.Amount < 0 || f.FeeAmount < 0 {
		return ledger.TxResult{}, ErrInvalidAmount
	}
	if _, err := o.checkNextPhase(ctx, f.JobID, f.NextPhase); err != nil {
		return ledger.TxResult{}, err
	}
	res, err := o.payableMemo(ctx, f, models.MemoPayableRequest)
	if err != nil {
		return ledger.TxResult{}, &ActionError{Action: "request funds", JobID: f.JobID, Phase: f.NextPhase, Err: err}
	}
	log.Printf("job_id=%d: memo_id=%d: requested %v for %s", f.JobID, res.ID, f.Amount, f.Recipient)
	return res, nil
}

// RespondToFundsRequest approves the allowance for amount and signs the
// request memo, or rejects it without moving any funds.
func (o *Orchestrator) RespondToFundsRequest(ctx context.Context, jobID, memoID int64, accept bool, amount float64, reason string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	a := newAction(ActionSign, jobID, memoID, o.memoPhase(ctx, jobID, memoID, models.PhaseTransaction))
	return o.run(ctx, a, func(ctx context.Context) (string, error) {
		if accept && amount > 0 {
			if _, err := o.ledger.ApproveAllowance(ctx, amount); err != nil {
				return "", err
			}
		}
		res, err := o.ledger.SignMemo(ctx, memoID, accept, reason)
		if err != nil {
			return "", err
		}
		log.Printf("job_id=%d: memo_id=%d: funds request %s", jobID, memoID, verdict(accept))
		return res.TxHash, nil
	})
}

// TransferFunds escrows amount plus fee for f.Recipient. The counterparty
// releases it by signing the memo.
func (o *Orchestrator) TransferFunds(ctx context.Context, f FundsMemo) (ledger.TxResult, error) {
	if f.Amount < 0 || f.FeeAmount < 0 {
		return ledger.TxResult{}, ErrInvalidAmount
	}
	if _, err := o.checkNextPhase(ctx, f.JobID, f.NextPhase); err != nil {
		return ledger.TxResult{}, err
	}
	if total := f.Amount + f.FeeAmount; total > 0 {
		if _, err := o.ledger.ApproveAllowance(ctx, total); err != nil {
			return ledger.TxResult{}, &ActionError{Action: "approve transfer", JobID: f.JobID, Phase: f.NextPhase, Err: err}
		}
	}
	res, err := o.payableMemo(ctx, f, models.MemoPayableTransferEscrow)
	if err != nil {
		return ledger.TxResult{}, &ActionError{Action: "transfer funds", JobID: f.JobID, Phase: f.NextPhase, Err: err}
	}
	log.Printf("job_id=%d: memo_id=%d: transferred %v to %s", f.JobID, res.ID, f.Amount, f.Recipient)
	return res, nil
}

// RespondToFundsTransfer releases (or refuses) an escrowed transfer.
func (o *Orchestrator) RespondToFundsTransfer(ctx context.Context, jobID, memoID int64, accept bool, reason string) error {
	return o.SignMemo(ctx, jobID, memoID, accept, reason)
}

// SendMessage posts a typed payload to the job's counterparty.
func (o *Orchestrator) SendMessage(ctx context.Context, jobID int64, payload models.GenericPayload, next models.Phase) (ledger.TxResult, error) {
	if _, err := o.checkNextPhase(ctx, jobID, next); err != nil {
		return ledger.TxResult{}, err
	}
	content, err := models.EncodePayload(payload)
	if err != nil {
		return ledger.TxResult{}, err
	}
	res, err := o.ledger.CreateMemo(ctx, jobID, content, models.MemoMessage, false, next)
	if err != nil {
		return ledger.TxResult{}, &ActionError{Action: "send message", JobID: jobID, Phase: next, Err: err}
	}
	log.Printf("job_id=%d: memo_id=%d: sent %s message", jobID, res.ID, payload.Type)
	return res, nil
}

// CreateAccount opens a client/provider account carrying metadata as JSON.
func (o *Orchestrator) CreateAccount(ctx context.Context, provider string, metadata any) (int64, error) {
	if provider == "" {
		return 0, ErrInvalidProvider
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to encode account metadata: %w", err)
	}
	res, err := o.ledger.CreateAccount(ctx, provider, string(b))
	if err != nil {
		return 0, fmt.Errorf("failed to create account with %s: %w", provider, err)
	}
	log.Printf("account_id=%d: account created with provider %s", res.ID, provider)
	return res.ID, nil
}

// UpdateAccountMetadata replaces the metadata of an existing account.
func (o *Orchestrator) UpdateAccountMetadata(ctx context.Context, accountID int64, metadata any) error {
	b, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode account metadata: %w", err)
	}
	if _, err := o.ledger.UpdateAccountMetadata(ctx, accountID, string(b)); err != nil {
		return fmt.Errorf("failed to update account %d: %w", accountID, err)
	}
	return nil
}

func (o *Orchestrator) GetAccount(ctx context.Context, accountID int64) (*models.AccountInfo, error) {
	return o.ledger.GetAccount(ctx, accountID)
}

func (o *Orchestrator) AccountForJob(ctx context.Context, jobID int64) (*models.Account, error) {
	return o.index.AccountByJobID(ctx, jobID)
}

// RegisterX402Nonce signs a fresh nonce for an x402 job and records it with
// the indexer, which hands it to the payment facilitator.
func (o *Orchestrator) RegisterX402Nonce(ctx context.Context, jobID int64) (*indexer.OffChainJob, error) {
	details, err := o.ledger.X402PaymentDetails(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment details for job %d: %w", jobID, err)
	}
	if !details.IsX402 {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrNotX402)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := "0x" + hex.EncodeToString(buf)

	sig, err := o.ledger.SignNonceMessage(jobID, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to sign nonce for job %d: %w", jobID, err)
	}
	job, err := o.index.UpdateJobX402Nonce(ctx, jobID, nonce, sig)
	if err != nil {
		return nil, err
	}
	log.Printf("job_id=%d: x402 nonce registered", jobID)
	return job, nil
}

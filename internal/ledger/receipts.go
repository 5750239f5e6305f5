package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/acperr"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	DefaultConfirmTimeout = 2 * time.Minute
	defaultPollInitial    = 500 * time.Millisecond
	defaultPollMax        = 5 * time.Second
)

// ReceiptPoller waits for transactions to be mined.
type ReceiptPoller struct {
	backend Backend
	timeout time.Duration
	initial time.Duration
	max     time.Duration
}

func NewReceiptPoller(backend Backend, timeout time.Duration) *ReceiptPoller {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &ReceiptPoller{backend: backend, timeout: timeout, initial: defaultPollInitial, max: defaultPollMax}
}

// Wait polls for the receipt of hash with growing delays until it is mined or
// the timeout elapses. A mined receipt with a non-success status and an
// expired timeout are both reported as a TransactionFailedError wrapped in a
// ContractError at the confirmation stage.
func (p *ReceiptPoller) Wait(ctx context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(p.timeout)
	delay := p.initial
	var lastErr error

	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, acperr.Contract(op, acperr.StageConfirmation, hash.Hex(),
					&acperr.TransactionFailedError{TxHash: hash.Hex(), Status: receipt.Status})
			}
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
			log.Printf("op=%s: tx_hash=%s: error polling receipt: %v", op, hash.Hex(), err)
		}

		if time.Now().Add(delay).After(deadline) {
			reason := fmt.Sprintf("not confirmed within %s", p.timeout)
			if lastErr != nil {
				reason += ": " + lastErr.Error()
			}
			return nil, acperr.Contract(op, acperr.StageConfirmation, hash.Hex(),
				&acperr.TransactionFailedError{TxHash: hash.Hex(), Reason: reason})
		}

		select {
		case <-ctx.Done():
			return nil, acperr.Contract(op, acperr.StageConfirmation, hash.Hex(), ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.max {
			delay = p.max
		}
	}
}

package ledger

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"

	"github.com/MaxBauer1337/VirtualACPNet/internal/acperr"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Submitter signs and sends one contract call on behalf of the agent.
type Submitter interface {
	Submit(ctx context.Context, op string, to common.Address, data []byte) (common.Hash, error)
	// Sender is the address the ledger sees as the caller.
	Sender() common.Address
}

// DirectSubmitter sends transactions straight from the identity's key.
// Estimation, nonce assignment and sending are serialized so two concurrent
// writes never pick the same nonce.
type DirectSubmitter struct {
	backend  Backend
	identity *Identity
	chainID  *big.Int

	mu sync.Mutex
}

func NewDirectSubmitter(backend Backend, identity *Identity, chainID int64) *DirectSubmitter {
	return &DirectSubmitter{
		backend:  backend,
		identity: identity,
		chainID:  big.NewInt(chainID),
	}
}

func (s *DirectSubmitter) Sender() common.Address { return s.identity.Address() }

func (s *DirectSubmitter) Submit(ctx context.Context, op string, to common.Address, data []byte) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.identity.Address()
	estimate, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, acperr.Contract(op, acperr.StageEstimation, "", err)
	}
	gasLimit := estimate + estimate/5

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, acperr.Contract(op, acperr.StageSubmission, "", fmt.Errorf("failed to get nonce: %w", err))
	}

	tx, err := s.buildTx(ctx, nonce, to, gasLimit, data)
	if err != nil {
		return common.Hash{}, acperr.Contract(op, acperr.StageSubmission, "", err)
	}
	signed, err := s.identity.signTx(tx, s.chainID)
	if err != nil {
		return common.Hash{}, acperr.Contract(op, acperr.StageSubmission, "", fmt.Errorf("failed to sign transaction: %w", err))
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, acperr.Contract(op, acperr.StageSubmission, signed.Hash().Hex(), err)
	}

	log.Printf("op=%s: tx_hash=%s: transaction sent, nonce=%d, gas_limit=%d (estimate %d)", op, signed.Hash().Hex(), nonce, gasLimit, estimate)
	return signed.Hash(), nil
}

// buildTx prefers a dynamic fee transaction and falls back to a legacy gas
// price on chains without a base fee.
func (s *DirectSubmitter) buildTx(ctx context.Context, nonce uint64, to common.Address, gas uint64, data []byte) (*types.Transaction, error) {
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	if head.BaseFee != nil {
		tip, err := s.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     new(big.Int),
			Data:      data,
		}), nil
	}
	price, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	}), nil
}

// SmartAccountSubmitter routes every call through the execute entry point of a
// smart account, signed by the account's whitelisted key.
type SmartAccountSubmitter struct {
	direct  *DirectSubmitter
	account common.Address
}

func NewSmartAccountSubmitter(direct *DirectSubmitter, account common.Address) *SmartAccountSubmitter {
	return &SmartAccountSubmitter{direct: direct, account: account}
}

func (s *SmartAccountSubmitter) Sender() common.Address { return s.account }

func (s *SmartAccountSubmitter) Submit(ctx context.Context, op string, to common.Address, data []byte) (common.Hash, error) {
	wrapped, err := smartAccountABI.Pack("execute", to, new(big.Int), data)
	if err != nil {
		return common.Hash{}, acperr.Contract(op, acperr.StageEstimation, "", fmt.Errorf("failed to encode execute call: %w", err))
	}
	return s.direct.Submit(ctx, op, s.account, wrapped)
}

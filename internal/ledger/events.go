package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrJobCreatedNotFound = errors.New("no JobCreated event in receipt")
	ErrNewMemoNotFound    = errors.New("no NewMemo event in receipt")
)

// ExtractJobID reads the job id from the JobCreated event the contract emitted
// in receipt. Logs from other addresses are ignored.
func ExtractJobID(receipt *types.Receipt, contract common.Address) (int64, error) {
	return firstEventID(receipt, contract, "JobCreated", ErrJobCreatedNotFound)
}

// ExtractMemoID reads the memo id from the NewMemo event in receipt.
func ExtractMemoID(receipt *types.Receipt, contract common.Address) (int64, error) {
	return firstEventID(receipt, contract, "NewMemo", ErrNewMemoNotFound)
}

func firstEventID(receipt *types.Receipt, contract common.Address, event string, notFound error) (int64, error) {
	if receipt == nil {
		return 0, notFound
	}
	topic := acpABI.Events[event].ID
	for _, l := range receipt.Logs {
		if l == nil || l.Address != contract || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		values, err := acpABI.Unpack(event, l.Data)
		if err != nil {
			return 0, fmt.Errorf("failed to decode %s event: %w", event, err)
		}
		if len(values) == 0 {
			return 0, fmt.Errorf("%s event has no data", event)
		}
		id, ok := values[0].(*big.Int)
		if !ok || !id.IsInt64() {
			return 0, fmt.Errorf("%s event id %v is not a valid integer", event, values[0])
		}
		return id.Int64(), nil
	}
	return 0, notFound
}

package acperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestContractError_WrapsTransactionFailed(t *testing.T) {
	inner := &TransactionFailedError{TxHash: "0xabc", Status: 0}
	err := fmt.Errorf("failed to sign memo: %w", Contract("signMemo", StageConfirmation, "0xabc", inner))

	var ce *ContractError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContractError in chain")
	}
	if ce.Stage != StageConfirmation {
		t.Fatalf("expected confirmation stage, got %s", ce.Stage)
	}
	var tf *TransactionFailedError
	if !errors.As(err, &tf) {
		t.Fatalf("expected TransactionFailedError in chain")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected error to match ErrProtocol")
	}
	if stage, ok := FailedStage(err); !ok || stage != StageConfirmation {
		t.Fatalf("expected FailedStage confirmation, got %s", stage)
	}
}

func TestContract_DoesNotDoubleWrap(t *testing.T) {
	first := Contract("createJob", StageEstimation, "", errors.New("boom"))
	second := Contract("createJob", StageSubmission, "", first)
	if second != first {
		t.Fatalf("expected existing ContractError to be returned unchanged")
	}
	if Contract("x", StageCall, "", nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestAPIError_Kinds(t *testing.T) {
	business := &APIError{Op: "GetJob", StatusCode: 400, Message: "job not visible"}
	if business.Transport() {
		t.Fatalf("expected business error not to be transport")
	}
	cause := errors.New("connection refused")
	transport := &APIError{Op: "GetJob", Err: cause}
	if !transport.Transport() {
		t.Fatalf("expected transport error")
	}
	if !errors.Is(transport, cause) {
		t.Fatalf("expected transport error to unwrap to cause")
	}
	if !errors.Is(business, ErrProtocol) {
		t.Fatalf("expected api error to match ErrProtocol")
	}
}

func TestIsAlreadySigned(t *testing.T) {
	err := Contract("signMemo", StageEstimation, "", errors.New("execution reverted: Memo already signed"))
	if !IsAlreadySigned(err) {
		t.Fatalf("expected already-signed revert to be recognised")
	}
	if !errors.Is(err, ErrMemoAlreadySigned) {
		t.Fatalf("expected errors.Is to match ErrMemoAlreadySigned")
	}
	if IsAlreadySigned(errors.New("insufficient funds")) {
		t.Fatalf("expected unrelated error not to match")
	}
	if IsAlreadySigned(nil) {
		t.Fatalf("expected nil not to match")
	}
}

// Package acperr holds the error types shared by the ledger and indexer adapters.
package acperr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol matches every error raised while talking to the ledger or the indexer.
var ErrProtocol = errors.New("acp protocol error")

// ErrMemoAlreadySigned is reported when the ledger refuses a signature because
// the memo was already signed.
var ErrMemoAlreadySigned = errors.New("memo already signed")

// Stage identifies where a ledger write failed.
type Stage string

const (
	StageEstimation   Stage = "estimation"
	StageSubmission   Stage = "submission"
	StageConfirmation Stage = "confirmation"
	StageExtraction   Stage = "extraction"
	StageCall         Stage = "call"
)

// APIError is an indexer failure. Message is set when the indexer rejected the
// request; Err is set when the request never got a usable answer.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s: api error (status %d): %s", e.Op, e.StatusCode, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: api error: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("%s: api request failed: %v", e.Op, e.Err)
	}
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool { return target == ErrProtocol }

// Transport reports whether the failure happened below the indexer's own error envelope.
func (e *APIError) Transport() bool { return e.Message == "" }

// ContractError is a ledger failure at a given stage of a write or read.
type ContractError struct {
	Op     string
	Stage  Stage
	TxHash string
	Err    error
}

func (e *ContractError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s: contract %s failed (tx %s): %v", e.Op, e.Stage, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s: contract %s failed: %v", e.Op, e.Stage, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

func (e *ContractError) Is(target error) bool {
	if target == ErrProtocol {
		return true
	}
	return target == ErrMemoAlreadySigned && IsAlreadySignedMessage(e.Error())
}

// TransactionFailedError is a transaction that was mined with a non-success
// status or could not be confirmed in time.
type TransactionFailedError struct {
	TxHash string
	Status uint64
	Reason string
}

func (e *TransactionFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transaction %s failed: %s", e.TxHash, e.Reason)
	}
	return fmt.Sprintf("transaction %s failed with status %d", e.TxHash, e.Status)
}

func (e *TransactionFailedError) Is(target error) bool { return target == ErrProtocol }

// Contract wraps err as a ContractError unless it already is one.
func Contract(op string, stage Stage, txHash string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ContractError
	if errors.As(err, &ce) {
		return err
	}
	return &ContractError{Op: op, Stage: stage, TxHash: txHash, Err: err}
}

var alreadySignedMarkers = []string{
	"already signed",
	"memo already",
	"already approved",
	"already been signed",
}

// IsAlreadySignedMessage reports whether a revert message says the memo was signed before.
func IsAlreadySignedMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range alreadySignedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsAlreadySigned reports whether err is a rejected duplicate signature.
func IsAlreadySigned(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMemoAlreadySigned) || IsAlreadySignedMessage(err.Error())
}

// FailedStage returns the stage of the first ContractError in err's chain.
func FailedStage(err error) (Stage, bool) {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce.Stage, true
	}
	return "", false
}

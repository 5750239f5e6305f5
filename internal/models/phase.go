package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Phase is the stage of a job in its lifecycle.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseNegotiation
	PhaseTransaction
	PhaseEvaluation
	PhaseCompleted
	PhaseRejected
	PhaseExpired
)

var phaseNames = []string{"Request", "Negotiation", "Transaction", "Evaluation", "Completed", "Rejected", "Expired"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	return p >= PhaseRequest && p <= PhaseExpired
}

// IsTerminal reports whether no further transition is possible from p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseRejected || p == PhaseExpired
}

// CanTransitionTo reports whether a job in phase p may be observed in phase next.
// Phases only move forward; Rejected and Expired are reachable from any
// non-terminal phase and absorb everything after them.
func (p Phase) CanTransitionTo(next Phase) bool {
	if !next.Valid() {
		return false
	}
	if p == next {
		return true
	}
	if p.IsTerminal() {
		return false
	}
	if next == PhaseRejected || next == PhaseExpired {
		return true
	}
	return next > p
}

// ParsePhase accepts a phase name in any case ("Negotiation", "NEGOTIATION") or its numeric value.
func ParsePhase(s string) (Phase, error) {
	idx, err := parseEnum(s, phaseNames)
	if err != nil {
		return 0, fmt.Errorf("invalid phase %q: %w", s, err)
	}
	return Phase(idx), nil
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	idx, err := unmarshalEnum(data, phaseNames)
	if err != nil {
		return fmt.Errorf("invalid phase: %w", err)
	}
	*p = Phase(idx)
	return nil
}

// MemoType is the kind of content a memo carries.
type MemoType int

const (
	MemoMessage MemoType = iota
	MemoContextURL
	MemoImageURL
	MemoVoiceURL
	MemoObjectURL
	MemoTxHash
	MemoPayableRequest
	MemoPayableTransfer
	MemoPayableTransferEscrow
)

var memoTypeNames = []string{
	"Message", "ContextUrl", "ImageUrl", "VoiceUrl", "ObjectUrl", "TxHash",
	"PayableRequest", "PayableTransfer", "PayableTransferEscrow",
}

func (t MemoType) String() string {
	if t < 0 || int(t) >= len(memoTypeNames) {
		return fmt.Sprintf("MemoType(%d)", int(t))
	}
	return memoTypeNames[t]
}

// IsDelivery reports whether the memo type is used to hand over a deliverable.
func (t MemoType) IsDelivery() bool {
	return t == MemoObjectURL
}

// IsPayable reports whether the memo moves funds when approved.
func (t MemoType) IsPayable() bool {
	return t == MemoPayableRequest || t == MemoPayableTransfer || t == MemoPayableTransferEscrow
}

func ParseMemoType(s string) (MemoType, error) {
	idx, err := parseEnum(s, memoTypeNames)
	if err != nil {
		return 0, fmt.Errorf("invalid memo type %q: %w", s, err)
	}
	return MemoType(idx), nil
}

func (t *MemoType) UnmarshalJSON(data []byte) error {
	idx, err := unmarshalEnum(data, memoTypeNames)
	if err != nil {
		return fmt.Errorf("invalid memo type: %w", err)
	}
	*t = MemoType(idx)
	return nil
}

// MemoStatus is the approval state of a memo.
type MemoStatus string

const (
	MemoPending  MemoStatus = "PENDING"
	MemoApproved MemoStatus = "APPROVED"
	MemoRejected MemoStatus = "REJECTED"
	MemoExpired  MemoStatus = "EXPIRED"
)

var memoStatusNames = []string{"Pending", "Approved", "Rejected", "Expired"}

// CanTransitionTo reports whether a memo may move from s to next.
// Only pending memos change status.
func (s MemoStatus) CanTransitionTo(next MemoStatus) bool {
	if s == next {
		return true
	}
	return s == MemoPending && (next == MemoApproved || next == MemoRejected || next == MemoExpired)
}

func (s *MemoStatus) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = MemoPending
		return nil
	}
	idx, err := unmarshalEnum(data, memoStatusNames)
	if err != nil {
		return fmt.Errorf("invalid memo status: %w", err)
	}
	*s = MemoStatus(strings.ToUpper(memoStatusNames[idx]))
	return nil
}

// FeeType selects how a payable memo's fee is charged.
type FeeType int

const (
	FeeNone FeeType = iota
	FeeImmediate
	FeeDeferred
)

// Role is the part a wallet plays in a job.
type Role string

const (
	RoleClient    Role = "client"
	RoleProvider  Role = "provider"
	RoleEvaluator Role = "evaluator"
	RoleNone      Role = ""
)

func parseEnum(s string, names []string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(names) {
			return 0, fmt.Errorf("value %d out of range", n)
		}
		return n, nil
	}
	norm := strings.ReplaceAll(strings.ToLower(s), "_", "")
	for i, name := range names {
		if strings.ToLower(name) == norm {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown name")
}

func unmarshalEnum(data []byte, names []string) (int, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return parseEnum(s, names)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, err
	}
	return parseEnum(strconv.Itoa(n), names)
}

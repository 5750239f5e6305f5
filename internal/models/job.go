package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job is a read snapshot of a ledger job. The ledger is the source of truth;
// a Job value is never mutated to reflect a write, it is fetched again.
type Job struct {
	ID               int64          `json:"id"`
	ClientAddress    string         `json:"clientAddress"`
	ProviderAddress  string         `json:"providerAddress"`
	EvaluatorAddress string         `json:"evaluatorAddress"`
	Price            float64        `json:"price"`
	Phase            Phase          `json:"phase"`
	Memos            []Memo         `json:"memos"`
	Context          map[string]any `json:"context,omitempty"`
}

// Memo is a signed statement attached to a job proposing a phase transition.
type Memo struct {
	ID           int64      `json:"id"`
	Type         MemoType   `json:"type"`
	Content      string     `json:"content"`
	NextPhase    Phase      `json:"nextPhase"`
	Status       MemoStatus `json:"status"`
	SignedReason string     `json:"signedReason,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
}

// IsPending reports whether the memo still awaits a signature.
func (m *Memo) IsPending() bool {
	return m.Status == MemoPending || m.Status == ""
}

// Payload decodes the memo content. It never fails; unrecognised content
// comes back as an OpaquePayload.
func (m *Memo) Payload() Payload {
	return DecodePayload(m.Content)
}

// LatestMemo returns the last memo of the job, or nil when there is none.
func (j *Job) LatestMemo() *Memo {
	if len(j.Memos) == 0 {
		return nil
	}
	return &j.Memos[len(j.Memos)-1]
}

// MemoByID returns the memo with the given id, or nil.
func (j *Job) MemoByID(id int64) *Memo {
	for i := range j.Memos {
		if j.Memos[i].ID == id {
			return &j.Memos[i]
		}
	}
	return nil
}

// MemoAwaitingPhase returns the first pending memo whose approval would move the
// job to target, or nil. Payable memos are skipped.
func (j *Job) MemoAwaitingPhase(target Phase) *Memo {
	for i := range j.Memos {
		m := &j.Memos[i]
		if m.NextPhase == target && m.IsPending() && !m.Type.IsPayable() {
			return m
		}
	}
	return nil
}

// PendingMemos returns every memo still awaiting a signature, in ledger order.
func (j *Job) PendingMemos() []*Memo {
	out := make([]*Memo, 0)
	for i := range j.Memos {
		if j.Memos[i].IsPending() {
			out = append(out, &j.Memos[i])
		}
	}
	return out
}

func (j *Job) negotiationMemo() *Memo {
	for i := range j.Memos {
		if j.Memos[i].NextPhase == PhaseNegotiation {
			return &j.Memos[i]
		}
	}
	return nil
}

// ServiceName is the offering name the buyer requested, taken from the first
// memo that opened negotiation. Raw content is returned when it is not JSON.
func (j *Job) ServiceName() string {
	m := j.negotiationMemo()
	if m == nil {
		return ""
	}
	if np, ok := m.Payload().(NegotiationPayload); ok {
		return np.Name
	}
	return m.Content
}

// Requirement returns the decoded service requirement the buyer sent.
func (j *Job) Requirement() (NegotiationPayload, bool) {
	m := j.negotiationMemo()
	if m == nil {
		return NegotiationPayload{}, false
	}
	np, ok := m.Payload().(NegotiationPayload)
	return np, ok
}

// Deliverable returns the raw content of the provider's delivery memo.
func (j *Job) Deliverable() (string, bool) {
	for i := len(j.Memos) - 1; i >= 0; i-- {
		m := &j.Memos[i]
		if m.NextPhase == PhaseCompleted && m.Type.IsDelivery() {
			return m.Content, true
		}
	}
	return "", false
}

// RoleOf returns the part wallet plays in the job. Addresses compare case-insensitively.
// A wallet acting as both client and evaluator is reported as client.
func (j *Job) RoleOf(wallet string) Role {
	switch {
	case strings.EqualFold(wallet, j.ClientAddress):
		return RoleClient
	case strings.EqualFold(wallet, j.ProviderAddress):
		return RoleProvider
	case strings.EqualFold(wallet, j.EvaluatorAddress):
		return RoleEvaluator
	}
	return RoleNone
}

// SelfEvaluated reports whether the client judges the delivery itself.
func (j *Job) SelfEvaluated() bool {
	return j.EvaluatorAddress == "" || strings.EqualFold(j.EvaluatorAddress, j.ClientAddress)
}

func (j *Job) UnmarshalJSON(data []byte) error {
	type alias Job
	aux := struct {
		*alias
		ID    json.RawMessage `json:"id"`
		Price json.RawMessage `json:"price"`
		Phase json.RawMessage `json:"phase"`
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := rawInt(aux.ID)
	if err != nil {
		return fmt.Errorf("invalid job id: %w", err)
	}
	j.ID = id
	if j.Price, err = rawFloat(aux.Price); err != nil {
		return fmt.Errorf("invalid job price: %w", err)
	}
	if len(aux.Phase) > 0 && string(aux.Phase) != "null" {
		if err := j.Phase.UnmarshalJSON(aux.Phase); err != nil {
			return err
		}
	}
	if j.Memos == nil {
		j.Memos = make([]Memo, 0)
	}
	return nil
}

func (m *Memo) UnmarshalJSON(data []byte) error {
	type alias Memo
	aux := struct {
		*alias
		ID       json.RawMessage `json:"id"`
		Type     json.RawMessage `json:"type"`
		MemoType json.RawMessage `json:"memoType"`
		Expiry   json.RawMessage `json:"expiry"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := rawInt(aux.ID)
	if err != nil {
		return fmt.Errorf("invalid memo id: %w", err)
	}
	m.ID = id
	typ := aux.Type
	if len(typ) == 0 || string(typ) == "null" {
		typ = aux.MemoType
	}
	if len(typ) > 0 && string(typ) != "null" {
		if err := m.Type.UnmarshalJSON(typ); err != nil {
			return err
		}
	}
	if m.Status == "" {
		m.Status = MemoPending
	}
	m.Expiry = rawTime(aux.Expiry)
	return nil
}

func rawInt(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	return strconv.ParseInt(strings.Trim(string(raw), `"`), 10, 64)
}

func rawFloat(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.Trim(string(raw), `"`), 64)
}

// rawTime accepts RFC 3339 strings and unix seconds. Anything else is dropped.
func rawTime(raw json.RawMessage) *time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := strings.Trim(string(raw), `"`)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		t := time.Unix(n, 0).UTC()
		return &t
	}
	return nil
}

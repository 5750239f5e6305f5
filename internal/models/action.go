package models

import "time"

// ActionStatus is the state of a locally journaled ledger action.
type ActionStatus string

const (
	ActionPending ActionStatus = "PENDING"
	ActionDone    ActionStatus = "DONE"
	ActionFailed  ActionStatus = "FAILED"
)

// Action is one state-advancing write claimed by this agent, keyed so that a
// redelivered event cannot trigger it twice.
type Action struct {
	ID             string       `json:"id"`
	Key            string       `json:"key"`
	JobID          int64        `json:"job_id"`
	MemoID         int64        `json:"memo_id,omitempty"`
	Kind           string       `json:"kind"`
	Phase          Phase        `json:"phase"`
	Status         ActionStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	TxHash         string       `json:"tx_hash,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// FailedAction records an action that did not complete, with enough context
// to retry exactly that step by hand.
type FailedAction struct {
	ID            string    `json:"id"`
	ActionKey     string    `json:"action_key"`
	JobID         int64     `json:"job_id"`
	MemoID        int64     `json:"memo_id,omitempty"`
	Kind          string    `json:"kind"`
	Phase         Phase     `json:"phase"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
}

// JobSnapshot is the latest locally observed state of a job.
type JobSnapshot struct {
	JobID            int64     `json:"job_id"`
	Phase            Phase     `json:"phase"`
	ClientAddress    string    `json:"client_address"`
	ProviderAddress  string    `json:"provider_address"`
	EvaluatorAddress string    `json:"evaluator_address"`
	Price            float64   `json:"price"`
	MemoCount        int       `json:"memo_count"`
	LatestMemoID     int64     `json:"latest_memo_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// SnapshotOf captures the fields of job kept in the local journal.
func SnapshotOf(job *Job) *JobSnapshot {
	s := &JobSnapshot{
		JobID:            job.ID,
		Phase:            job.Phase,
		ClientAddress:    job.ClientAddress,
		ProviderAddress:  job.ProviderAddress,
		EvaluatorAddress: job.EvaluatorAddress,
		Price:            job.Price,
		MemoCount:        len(job.Memos),
		ObservedAt:       time.Now(),
	}
	if m := job.LatestMemo(); m != nil {
		s.LatestMemoID = m.ID
	}
	return s
}

// InitiateJobRequest describes a new job a buyer wants to open.
type InitiateJobRequest struct {
	ProviderAddress  string     `json:"provider_address"`
	EvaluatorAddress string     `json:"evaluator_address,omitempty"`
	Amount           float64    `json:"amount"`
	Requirement      any        `json:"requirement"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
}

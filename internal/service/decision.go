package service

import (
	"log"
	"strings"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

// ActionKind names a state-advancing step. It prefixes the journal key.
type ActionKind string

const (
	ActionRespond ActionKind = "respond"
	ActionPay     ActionKind = "pay"
	ActionDeliver ActionKind = "deliver"
	ActionSign    ActionKind = "sign"
)

// Step is the next legal action for one wallet on one job snapshot.
type Step struct {
	Kind ActionKind
	Memo *models.Memo
	Role models.Role
}

// ActionKey is the journal key that makes a step happen at most once:
// deliveries are per job, everything else per memo.
func (s Step) ActionKey(jobID int64) string {
	if s.Kind == ActionDeliver {
		return actionKey(ActionDeliver, jobID)
	}
	return actionKey(s.Kind, s.Memo.ID)
}

// NextAction applies the phase table:
//
//	Request     -> Negotiation  provider            respond
//	Negotiation -> Transaction  client              pay
//	Transaction -> Evaluation   provider            deliver
//	Evaluation  -> Completed    client or evaluator sign
//
// hint is the memo the push channel named, if any. Without a hint the first
// pending non-payable memo targeting the phase after the current one is used.
// During Evaluation the memo is always EvaluationMemo's pick, so push and poll
// sign the same one. Payable memos belong to the funds flows and never
// produce a step.
func NextAction(job *models.Job, wallet string, hint *models.Memo) (Step, bool) {
	if job == nil || job.Phase.IsTerminal() {
		return Step{}, false
	}
	var memo *models.Memo
	switch {
	case job.Phase == models.PhaseEvaluation:
		memo = EvaluationMemo(job)
	case hint != nil:
		memo = hint
	default:
		memo = job.MemoAwaitingPhase(job.Phase + 1)
	}
	if memo == nil || !memo.IsPending() {
		return Step{}, false
	}
	if memo.Type.IsPayable() {
		log.Printf("job_id=%d: memo_id=%d: payable memo left to the funds flow", job.ID, memo.ID)
		return Step{}, false
	}

	role := job.RoleOf(wallet)
	isEvaluator := strings.EqualFold(job.EvaluatorAddress, wallet) || (role == models.RoleClient && job.SelfEvaluated())

	switch {
	case job.Phase == models.PhaseRequest && memo.NextPhase == models.PhaseNegotiation && role == models.RoleProvider:
		return Step{Kind: ActionRespond, Memo: memo, Role: role}, true
	case job.Phase == models.PhaseNegotiation && memo.NextPhase == models.PhaseTransaction && role == models.RoleClient:
		return Step{Kind: ActionPay, Memo: memo, Role: role}, true
	case job.Phase == models.PhaseTransaction && memo.NextPhase == models.PhaseEvaluation && role == models.RoleProvider:
		return Step{Kind: ActionDeliver, Memo: memo, Role: role}, true
	case job.Phase == models.PhaseEvaluation && memo.NextPhase == models.PhaseCompleted && isEvaluator:
		if role != models.RoleClient {
			role = models.RoleEvaluator
		}
		return Step{Kind: ActionSign, Memo: memo, Role: role}, true
	}
	return Step{}, false
}

// EvaluationMemo picks the memo an evaluator should sign. A delegated
// evaluation request (a pending memo targeting Completed that is neither a
// delivery nor payable) wins
// over the provider's delivery memo, which is what a self-evaluating client
// signs. nil means nothing identifiable is awaiting judgment.
func EvaluationMemo(job *models.Job) *models.Memo {
	if job == nil {
		return nil
	}
	var delivery *models.Memo
	for i := range job.Memos {
		m := &job.Memos[i]
		if m.NextPhase != models.PhaseCompleted || !m.IsPending() || m.Type.IsPayable() {
			continue
		}
		if !m.Type.IsDelivery() {
			return m
		}
		if delivery == nil {
			delivery = m
		}
	}
	return delivery
}

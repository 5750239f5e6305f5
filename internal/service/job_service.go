package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrActionNotFailed   = errors.New("only failed actions can be retried")
	ErrRetryUnsupported  = errors.New("funds actions must be re-issued by the caller")
)

// JobService is the read and command surface the operator API and the MCP
// tools share. Writes go through the orchestrator.
type JobService struct {
	index Indexer
	repo  repository.Repository
	orch  *Orchestrator
}

// NewJobService creates a new job service
func NewJobService(index Indexer, repo repository.Repository, orch *Orchestrator) *JobService {
	return &JobService{
		index: index,
		repo:  repo,
		orch:  orch,
	}
}

func (s *JobService) Orchestrator() *Orchestrator { return s.orch }

// InitiateJob opens a new job as buyer
func (s *JobService) InitiateJob(ctx context.Context, req *models.InitiateJobRequest) (int64, error) {
	return s.orch.InitiateJob(ctx, req)
}

// GetJob retrieves a job by ID
func (s *JobService) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := s.index.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetMemo retrieves one memo of a job
func (s *JobService) GetMemo(ctx context.Context, jobID, memoID int64) (*models.Memo, error) {
	memo, err := s.index.GetMemo(ctx, jobID, memoID)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get memo: %w", err)
	}
	return memo, nil
}

// ListJobs retrieves one page of the wallet's jobs in a category
func (s *JobService) ListJobs(ctx context.Context, category indexer.JobCategory, page, pageSize int) ([]models.Job, error) {
	jobs, err := s.index.ListJobs(ctx, category, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// BrowseAgents searches the directory, never returning this wallet itself.
func (s *JobService) BrowseAgents(ctx context.Context, q models.AgentSearch) ([]models.Agent, error) {
	q.ExcludeWallet = s.index.Wallet()
	agents, err := s.index.SearchAgents(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to search agents: %w", err)
	}
	return models.ExcludeWallet(agents, q.ExcludeWallet), nil
}

func (s *JobService) GetAgent(ctx context.Context, wallet string) (*models.Agent, error) {
	agent, err := s.index.GetAgent(ctx, wallet)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return agent, nil
}

// ListActionsByStatus retrieves journaled actions by status
func (s *JobService) ListActionsByStatus(ctx context.Context, status models.ActionStatus) ([]*models.Action, error) {
	actions, err := s.repo.ListActionsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

// ListFailedActions retrieves every recorded action failure
func (s *JobService) ListFailedActions(ctx context.Context) ([]*models.FailedAction, error) {
	failed, err := s.repo.ListFailedActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed actions: %w", err)
	}
	return failed, nil
}

// GetSnapshot returns the last locally observed state of a job
func (s *JobService) GetSnapshot(ctx context.Context, jobID int64) (*models.JobSnapshot, error) {
	snap, err := s.repo.GetSnapshot(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns the locally tracked jobs last seen in phase
func (s *JobService) ListSnapshots(ctx context.Context, phase models.Phase) ([]*models.JobSnapshot, error) {
	snaps, err := s.repo.ListSnapshotsByPhase(ctx, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}

// RetryAction re-runs a failed action against the job's current state. If
// the job has moved on meanwhile the retry is a no-op. Actions on payable
// memos carry caller-chosen amounts and cannot be replayed from the journal.
func (s *JobService) RetryAction(ctx context.Context, key string) error {
	action, err := s.repo.GetAction(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("action %s: %w", key, repository.ErrNotFound)
		}
		return fmt.Errorf("failed to get action: %w", err)
	}
	if action.Status != models.ActionFailed {
		return fmt.Errorf("action %s is %s: %w", key, action.Status, ErrActionNotFailed)
	}

	job, err := s.GetJob(ctx, action.JobID)
	if err != nil {
		return err
	}
	memo := job.MemoByID(action.MemoID)
	if memo != nil && memo.Type.IsPayable() {
		return fmt.Errorf("action %s on %s memo: %w", key, memo.Type, ErrRetryUnsupported)
	}
	log.Printf("job_id=%d: memo_id=%d: retrying %s (attempt %d)", action.JobID, action.MemoID, key, action.Attempts+1)

	// Deliveries carry no memo; the phase table finds the one to act on.
	return s.orch.Advance(ctx, job, memo)
}

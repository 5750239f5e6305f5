package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

var ErrSettleTimeout = errors.New("indexer did not catch up in time")

// Settler waits for the indexer to reflect a write the ledger already
// confirmed. It polls with doubling delays instead of sleeping a fixed time.
type Settler struct {
	index   Indexer
	timeout time.Duration
	initial time.Duration
	max     time.Duration
}

func NewSettler(index Indexer, timeout time.Duration) *Settler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Settler{
		index:   index,
		timeout: timeout,
		initial: 500 * time.Millisecond,
		max:     5 * time.Second,
	}
}

// WaitForJob polls the job until ready reports true. A job the indexer does
// not know yet counts as not ready; any other read error aborts the wait.
func (s *Settler) WaitForJob(ctx context.Context, jobID int64, ready func(*models.Job) bool) (*models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	delay := s.initial
	for attempt := 1; ; attempt++ {
		job, err := s.index.GetJob(ctx, jobID)
		switch {
		case err == nil && ready(job):
			return job, nil
		case err != nil && !errors.Is(err, indexer.ErrNotFound):
			if ctx.Err() != nil {
				return nil, fmt.Errorf("job %d: %w", jobID, ErrSettleTimeout)
			}
			return nil, fmt.Errorf("failed to poll job %d: %w", jobID, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %d after %d polls: %w", jobID, attempt, ErrSettleTimeout)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.max {
			delay = s.max
		}
	}
}

// settle is WaitForJob for callers that can carry on without the indexer:
// the ledger write is already confirmed, so a slow index is only logged.
func (s *Settler) settle(ctx context.Context, jobID int64, what string, ready func(*models.Job) bool) *models.Job {
	job, err := s.WaitForJob(ctx, jobID, ready)
	if err != nil {
		log.Printf("job_id=%d: %s not visible in indexer yet: %v", jobID, what, err)
		return nil
	}
	return job
}

func phaseAtLeast(p models.Phase) func(*models.Job) bool {
	return func(j *models.Job) bool { return j.Phase >= p }
}

func hasMemoTargeting(p models.Phase) func(*models.Job) bool {
	return func(j *models.Job) bool {
		for _, m := range j.Memos {
			if m.NextPhase == p {
				return true
			}
		}
		return false
	}
}

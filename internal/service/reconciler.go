package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

// Sink receives jobs the reconciler found waiting on this wallet.
type Sink interface {
	Redeliver(ctx context.Context, job *models.Job)
}

// Reconciler periodically lists jobs with memos awaiting this wallet and
// feeds them back through the event path. It recovers pushes missed while
// the socket was down.
type Reconciler struct {
	index    Indexer
	sink     Sink
	metrics  *metrics.Metrics
	interval time.Duration
	pageSize int
	maxPages int
}

// NewReconciler creates a new reconciler
func NewReconciler(index Indexer, sink Sink, metrics *metrics.Metrics, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		index:    index,
		sink:     sink,
		metrics:  metrics,
		interval: interval,
		pageSize: 50,
		maxPages: 20,
	}
}

// Run reconciles once immediately and then on every interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if n, err := r.ReconcileOnce(ctx); err != nil {
			log.Printf("reconcile failed after %d jobs: %v", n, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReconcileOnce pages through the pending-memo jobs and redelivers each one.
// It returns how many jobs were redelivered.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	r.metrics.IncrementReconcileRuns()

	count := 0
	for page := 1; page <= r.maxPages; page++ {
		jobs, err := r.index.ListJobs(ctx, indexer.CategoryPendingMemos, page, r.pageSize)
		if err != nil {
			return count, fmt.Errorf("failed to list pending jobs: %w", err)
		}
		for i := range jobs {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			job := &jobs[i]
			if job.Phase.IsTerminal() {
				continue
			}
			r.sink.Redeliver(ctx, job)
			count++
		}
		if len(jobs) < r.pageSize {
			break
		}
	}

	if count > 0 {
		log.Printf("reconcile: redelivered %d jobs", count)
	}
	return count, nil
}

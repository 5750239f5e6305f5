package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/models"
)

func fastSettler(index Indexer, timeout time.Duration) *Settler {
	s := NewSettler(index, timeout)
	s.initial = time.Millisecond
	s.max = 5 * time.Millisecond
	return s
}

func TestSettler_WaitForJob_Ready(t *testing.T) {
	index := newMockIndexer(buyerWallet)
	job := requestJob()
	job.Phase = models.PhaseNegotiation
	index.put(job)

	got, err := fastSettler(index, time.Second).WaitForJob(context.Background(), 7, phaseAtLeast(models.PhaseNegotiation))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Phase != models.PhaseNegotiation {
		t.Fatalf("expected Negotiation, got %s", got.Phase)
	}
}

func TestSettler_WaitForJob_UnknownJobBecomesVisible(t *testing.T) {
	index := newMockIndexer(buyerWallet)
	go func() {
		time.Sleep(20 * time.Millisecond)
		index.put(requestJob())
	}()

	got, err := fastSettler(index, time.Second).WaitForJob(context.Background(), 7, hasMemoTargeting(models.PhaseNegotiation))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.ID != 7 {
		t.Fatalf("expected job 7, got %d", got.ID)
	}
}

func TestSettler_WaitForJob_Timeout(t *testing.T) {
	index := newMockIndexer(buyerWallet)
	index.put(requestJob())

	_, err := fastSettler(index, 30*time.Millisecond).WaitForJob(context.Background(), 7, phaseAtLeast(models.PhaseCompleted))
	if !errors.Is(err, ErrSettleTimeout) {
		t.Fatalf("expected ErrSettleTimeout, got %v", err)
	}
}

func TestSettler_WaitForJob_ReadErrorAborts(t *testing.T) {
	index := newMockIndexer(buyerWallet)
	index.getJobError = errors.New("connection refused")

	_, err := fastSettler(index, time.Second).WaitForJob(context.Background(), 7, phaseAtLeast(models.PhaseRequest))
	if err == nil || errors.Is(err, ErrSettleTimeout) {
		t.Fatalf("expected read error, got %v", err)
	}
}

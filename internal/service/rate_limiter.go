package service

import (
	"context"
	"strings"
	"sync"
	"time"
)

// RateLimiter throttles job initiation per provider: a cap on initiations in
// flight at once and a cap on initiations per minute.
type RateLimiter struct {
	mu sync.RWMutex

	// Per-provider concurrent initiations limit
	maxConcurrentRunning int
	running              map[string]int

	// Per-provider submission rate limit
	maxSubmissionsPerMinute int
	submissionWindows       map[string]*submissionWindow
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxConcurrentRunning, maxSubmissionsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxConcurrentRunning:    maxConcurrentRunning,
		running:                 make(map[string]int),
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		submissionWindows:       make(map[string]*submissionWindow),
	}
}

func limiterKey(provider string) string {
	return strings.ToLower(provider)
}

// CheckConcurrentLimit checks if more initiations may run against a provider
func (rl *RateLimiter) CheckConcurrentLimit(ctx context.Context, provider string, currentRunning int) error {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if currentRunning >= rl.maxConcurrentRunning {
		return ErrRateLimitExceeded
	}

	return nil
}

// CheckSubmissionRate checks if another initiation against a provider fits in the current minute
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, provider string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := limiterKey(provider)
	now := time.Now()
	window, exists := rl.submissionWindows[key]

	if !exists || now.After(window.windowEnd) {
		rl.submissionWindows[key] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(1 * time.Minute),
		}
		return nil
	}

	if window.count >= rl.maxSubmissionsPerMinute {
		return ErrRateLimitExceeded
	}

	window.count++
	return nil
}

// Acquire reserves an in-flight slot for provider. Release must follow.
func (rl *RateLimiter) Acquire(ctx context.Context, provider string) error {
	key := limiterKey(provider)

	rl.mu.RLock()
	current := rl.running[key]
	rl.mu.RUnlock()
	if err := rl.CheckConcurrentLimit(ctx, provider, current); err != nil {
		return err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.running[key] >= rl.maxConcurrentRunning {
		return ErrRateLimitExceeded
	}
	rl.running[key]++
	return nil
}

func (rl *RateLimiter) Release(provider string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := limiterKey(provider)
	if rl.running[key] <= 1 {
		delete(rl.running, key)
		return
	}
	rl.running[key]--
}

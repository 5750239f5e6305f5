package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper shares seen-event fingerprints between agents running for the
// same wallet, so a push event fanned out to every replica is handled once.
type RedisDeduper struct {
	Client   *redis.Client
	Prefix   string
	TTL      time.Duration
	WorkerID string
}

func NewRedisDeduper(client *redis.Client, prefix, workerID string) *RedisDeduper {
	if prefix == "" {
		prefix = "acp"
	}
	return &RedisDeduper{
		Client:   client,
		Prefix:   prefix,
		TTL:      24 * time.Hour,
		WorkerID: workerID,
	}
}

// RecordEvent claims the fingerprint with SET NX; the first caller wins.
func (d *RedisDeduper) RecordEvent(ctx context.Context, fingerprint, kind string, jobID int64) (bool, error) {
	ok, err := d.Client.SetNX(ctx, d.eventKey(fingerprint), d.WorkerID, d.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record event for job %d: %w", jobID, err)
	}
	return ok, nil
}

func (d *RedisDeduper) eventKey(fingerprint string) string {
	return fmt.Sprintf("%s:event:%s", d.Prefix, fingerprint)
}

// ChainDeduper consults each Deduper in turn and reports an event as new only
// when all of them do. Every store is updated, so a local journal keeps its
// own event log even when redis decides.
type ChainDeduper []Deduper

func (c ChainDeduper) RecordEvent(ctx context.Context, fingerprint, kind string, jobID int64) (bool, error) {
	fresh := true
	for _, d := range c {
		ok, err := d.RecordEvent(ctx, fingerprint, kind, jobID)
		if err != nil {
			return false, err
		}
		fresh = fresh && ok
	}
	return fresh, nil
}

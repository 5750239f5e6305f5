package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisDeduper_SharedBetweenWorkers(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisDeduper(client, "test", "worker-a")
	b := NewRedisDeduper(client, "test", "worker-b")

	ok, err := a.RecordEvent(ctx, "fp", "onNewTask", 1)
	if err != nil || !ok {
		t.Fatalf("expected worker a to win, got %v %v", ok, err)
	}
	ok, err = b.RecordEvent(ctx, "fp", "onNewTask", 1)
	if err != nil || ok {
		t.Fatalf("expected worker b to see a duplicate, got %v %v", ok, err)
	}
	if owner, _ := client.Get(ctx, "test:event:fp").Result(); owner != "worker-a" {
		t.Errorf("expected owner worker-a, got %s", owner)
	}
}

func TestChainDeduper_UpdatesEveryStore(t *testing.T) {
	client := newTestRedis(t)
	local, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "acp.db"))
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	defer local.Close()
	ctx := context.Background()

	chain := ChainDeduper{NewRedisDeduper(client, "", "w"), local}
	if ok, _ := chain.RecordEvent(ctx, "fp-2", "onEvaluate", 2); !ok {
		t.Fatal("expected first sighting")
	}
	if ok, _ := chain.RecordEvent(ctx, "fp-2", "onEvaluate", 2); ok {
		t.Fatal("expected duplicate")
	}
	if ok, _ := local.RecordEvent(ctx, "fp-2", "onEvaluate", 2); ok {
		t.Error("expected local journal to have recorded the event too")
	}
}

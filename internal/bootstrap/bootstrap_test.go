package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MaxBauer1337/VirtualACPNet/internal/config"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
	"github.com/alicebob/miniredis/v2"
)

func sqliteConfig(t *testing.T) *config.Config {
	return &config.Config{StoreDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "acp.db")}
}

func TestOpenRepository_SQLite(t *testing.T) {
	repo, err := OpenRepository(context.Background(), sqliteConfig(t))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer repo.Close()

	if _, ok := repo.(*repository.SQLiteRepository); !ok {
		t.Fatalf("expected sqlite repository, got %T", repo)
	}
}

func TestOpenRepository_UnknownDriver(t *testing.T) {
	if _, err := OpenRepository(context.Background(), &config.Config{StoreDriver: "mongo"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDeduper_JournalOnlyWithoutRedis(t *testing.T) {
	cfg := sqliteConfig(t)
	repo, err := OpenRepository(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer repo.Close()

	d, closeFn, err := Deduper(context.Background(), cfg, repo)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer closeFn()
	if d != repository.Deduper(repo) {
		t.Fatalf("expected the journal itself, got %T", d)
	}
}

func TestDeduper_SharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := sqliteConfig(t)
	cfg.RedisAddr = mr.Addr()
	ctx := context.Background()

	repo, err := OpenRepository(ctx, cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer repo.Close()

	d, closeFn, err := Deduper(ctx, cfg, repo)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer closeFn()
	if _, ok := d.(repository.ChainDeduper); !ok {
		t.Fatalf("expected chained deduper, got %T", d)
	}

	fresh, err := d.RecordEvent(ctx, "fp-1", "new_task", 42)
	if err != nil || !fresh {
		t.Fatalf("expected first sighting, got %v %v", fresh, err)
	}
	fresh, err = d.RecordEvent(ctx, "fp-1", "new_task", 42)
	if err != nil || fresh {
		t.Fatalf("expected duplicate, got %v %v", fresh, err)
	}
	if !mr.Exists("acp:event:fp-1") {
		t.Fatal("expected fingerprint in redis")
	}
}

func TestDeduper_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := sqliteConfig(t)
	cfg.RedisAddr = addr
	repo, err := OpenRepository(context.Background(), cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	defer repo.Close()

	if _, _, err := Deduper(context.Background(), cfg, repo); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestBuild_RequiresSigner(t *testing.T) {
	if _, err := Build(context.Background(), sqliteConfig(t)); err == nil {
		t.Fatal("expected error without a private key")
	}
}

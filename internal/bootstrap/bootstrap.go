// Package bootstrap builds the agent's stack from configuration. Every binary
// under cmd/ shares it so they all talk to the same ledger, index and journal.
package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/MaxBauer1337/VirtualACPNet/internal/config"
	"github.com/MaxBauer1337/VirtualACPNet/internal/indexer"
	"github.com/MaxBauer1337/VirtualACPNet/internal/ledger"
	"github.com/MaxBauer1337/VirtualACPNet/internal/metrics"
	"github.com/MaxBauer1337/VirtualACPNet/internal/repository"
	"github.com/MaxBauer1337/VirtualACPNet/internal/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Submissions per provider per minute accepted by InitiateJob.
const submissionsPerMinute = 10

// Stack is everything a binary needs to drive jobs.
type Stack struct {
	Config       *config.Config
	Ledger       *ledger.Client
	Index        *indexer.Client
	Repo         repository.Repository
	Metrics      *metrics.Metrics
	Orchestrator *service.Orchestrator
	JobService   *service.JobService

	closers []func() error
}

// Build dials the RPC node and opens the journal.
func Build(ctx context.Context, cfg *config.Config) (*Stack, error) {
	if err := cfg.RequireSigner(); err != nil {
		return nil, err
	}
	identity, err := ledger.NewIdentity(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	rpc, err := ledger.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}

	s := &Stack{Config: cfg, Metrics: metrics.NewMetrics()}
	s.closers = append(s.closers, func() error { rpc.Close(); return nil })

	opts := []ledger.Option{ledger.WithConfirmTimeout(cfg.ConfirmTimeout)}
	if cfg.AgentWallet != "" {
		opts = append(opts, ledger.WithSmartAccount(common.HexToAddress(cfg.AgentWallet)))
	}
	s.Ledger = ledger.NewClient(rpc, identity, cfg.Chain, opts...)
	s.Index = indexer.NewClient(cfg.Chain.APIURL, s.Ledger.Address())

	s.Repo, err = OpenRepository(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, s.Repo.Close)

	s.Orchestrator = service.NewOrchestrator(s.Ledger, s.Index, s.Repo,
		service.NewRateLimiter(cfg.MaxConcurrency, submissionsPerMinute), s.Metrics,
		service.WithPolicy(service.StaticPolicy{AutoAccept: cfg.AutoAccept, DeliverableURL: cfg.DeliverableURL}),
		service.WithSettler(service.NewSettler(s.Index, cfg.SettleTimeout)),
	)
	s.JobService = service.NewJobService(s.Index, s.Repo, s.Orchestrator)

	log.Printf("wallet=%s: chain=%s: contract=%s: store=%s: stack ready",
		s.Ledger.Address(), cfg.Chain.Name, s.Ledger.ContractAddress(), cfg.StoreDriver)
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *Stack) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// OpenRepository opens the journal selected by ACP_STORE_DRIVER.
func OpenRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	switch cfg.StoreDriver {
	case "postgres":
		repo, err := repository.NewPostgresRepository(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		return repo, nil
	case "", "sqlite":
		repo, err := repository.NewSQLiteRepository(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// Deduper returns the journal itself, or the journal chained with a shared
// redis set when REDIS_ADDR is configured. The returned close func is never nil.
func Deduper(ctx context.Context, cfg *config.Config, repo repository.Repository) (repository.Deduper, func() error, error) {
	if cfg.RedisAddr == "" {
		return repo, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	workerID := "agent-" + uuid.NewString()
	log.Printf("redis=%s: worker=%s: sharing event dedupe", cfg.RedisAddr, workerID)
	return repository.ChainDeduper{repo, repository.NewRedisDeduper(client, "acp", workerID)}, client.Close, nil
}

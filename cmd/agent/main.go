package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MaxBauer1337/VirtualACPNet/internal/bootstrap"
	"github.com/MaxBauer1337/VirtualACPNet/internal/config"
	"github.com/MaxBauer1337/VirtualACPNet/internal/dispatch"
	"github.com/MaxBauer1337/VirtualACPNet/internal/service"
	"github.com/MaxBauer1337/VirtualACPNet/internal/socket"
)

func main() {
	dbPath := flag.String("db", "", "path to SQLite database (overrides ACP_DB_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize agent: %v", err)
	}
	defer stack.Close()

	dedupe, closeDedupe, err := bootstrap.Deduper(ctx, cfg, stack.Repo)
	if err != nil {
		log.Fatalf("failed to initialize dedupe: %v", err)
	}
	defer closeDedupe()

	orch := stack.Orchestrator
	wallet := orch.Wallet()
	dispatcher := dispatch.NewDispatcher(wallet, dedupe, stack.Metrics, cfg.MaxConcurrency,
		dispatch.OnNewTask(func(ctx context.Context, n dispatch.Notification) error {
			return orch.Advance(ctx, n.Job, n.MemoToSign)
		}),
		dispatch.OnEvaluate(func(ctx context.Context, n dispatch.Notification) error {
			return orch.Evaluate(ctx, n.Job)
		}),
	)

	sock, err := socket.NewClient(cfg.SocketURL(), socket.Auth{
		WalletAddress:    wallet,
		EvaluatorAddress: cfg.EvaluatorAddress,
	})
	if err != nil {
		log.Fatalf("failed to initialize socket client: %v", err)
	}
	reconciler := service.NewReconciler(stack.Index, dispatcher, stack.Metrics, cfg.ReconcileInterval)

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("shutting down agent...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sock.Run(ctx, dispatcher.SocketHandler(ctx)); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("socket error: %v", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("reconciler error: %v", err)
			cancel()
		}
	}()

	log.Printf("wallet=%s: agent started, listening for jobs...", wallet)
	wg.Wait()

	// Wait for in-flight handlers to return
	dispatcher.Wait()
	log.Println("agent stopped")
}

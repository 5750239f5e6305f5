package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MaxBauer1337/VirtualACPNet/internal/bootstrap"
	"github.com/MaxBauer1337/VirtualACPNet/internal/config"
	"github.com/MaxBauer1337/VirtualACPNet/internal/handler"
)

func main() {
	dbPath := flag.String("db", "", "path to SQLite database (overrides ACP_DB_PATH)")
	port := flag.String("port", "8080", "HTTP server port")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	stack, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to initialize stack: %v", err)
	}
	defer stack.Close()

	// Initialize handlers
	jobHandler := handler.NewJobHandler(stack.JobService, stack.Metrics)

	// Start server
	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           handler.NewRouter(jobHandler, stack.Metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("API server starting on port %s", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-sigChan
	log.Println("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("error closing server: %v", err)
	}
	log.Println("server stopped")
}

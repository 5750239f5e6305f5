package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/MaxBauer1337/VirtualACPNet/internal/bootstrap"
	"github.com/MaxBauer1337/VirtualACPNet/internal/config"
	"github.com/MaxBauer1337/VirtualACPNet/internal/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const version = "1.0.0"

func main() {
	dbPath := flag.String("db", "", "path to SQLite database (overrides ACP_DB_PATH)")
	flag.Parse()

	// stdout carries the protocol
	log.SetOutput(os.Stderr)

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

	mcpServer := mcp.NewServer(stack.JobService, version)

	log.Printf("wallet=%s: ACP MCP server %s starting on stdio", stack.Ledger.Address(), version)
	if err := server.ServeStdio(mcpServer.GetMCPServer()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

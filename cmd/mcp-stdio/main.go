// Command mcp-stdio serves the MCP tools over stdin/stdout for editor and
// desktop-client integrations. The caller is fixed at startup from the
// MCP_CONNECTION_TOKEN environment variable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/engage"
	"github.com/engagekit/mcp-server/internal/config"
	"github.com/engagekit/mcp-server/internal/engine"
	"github.com/engagekit/mcp-server/internal/logctx"
	"github.com/engagekit/mcp-server/mcpservice"
	"github.com/engagekit/mcp-server/stdio"
	"github.com/engagekit/mcp-server/store"
	"github.com/engagekit/mcp-server/store/memorystore"
	"github.com/engagekit/mcp-server/store/sqlitestore"
)

const serverVersion = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ConnectionToken == "" {
		return fmt.Errorf("MCP_CONNECTION_TOKEN is required for stdio mode")
	}

	// stdout carries the protocol stream; logs go to stderr.
	log := slog.New(logctx.Handler{
		Handler: slog.NewTextHandler(os.Stderr, nil),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		tokens     store.TokenStore
		identities store.IdentityStore
		ledger     store.ActivityLedger
		posts      store.PostSource
		closeStore func() error = func() error { return nil }
	)
	if cfg.Storage == "memory" {
		mem := memorystore.New()
		mem.AddIdentity(store.Identity{ID: "local", ConnectionToken: cfg.ConnectionToken})
		tokens, identities, ledger, posts = mem, mem, mem, mem
	} else {
		db, err := sqlitestore.Open(cfg.SQLitePath, log)
		if err != nil {
			return fmt.Errorf("opening sqlite store: %w", err)
		}
		tokens, identities, ledger, posts = db, db, db, db
		closeStore = db.Close
	}
	defer closeStore()

	authenticator := auth.NewTokenAuthenticator(tokens, identities, log)
	caller, err := authenticator.ResolveConnectionToken(ctx, cfg.ConnectionToken)
	if err != nil {
		return fmt.Errorf("resolving connection token: %w", err)
	}

	svc := engage.NewService(posts, ledger, log)
	server := mcpservice.NewServer(cfg.ServerName, serverVersion,
		mcpservice.WithToolsContainer(mcpservice.NewToolsContainer(svc.Tools()...)),
		mcpservice.WithPromptsContainer(mcpservice.NewPromptsContainer(svc.Prompts()...)),
	)
	eng := engine.New(server, log)

	h := stdio.New(eng, caller, os.Stdout, log)
	return h.Run(ctx, os.Stdin)
}

// Command mcp-server runs the streamable HTTP gateway together with the
// OAuth authorization server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/engage"
	"github.com/engagekit/mcp-server/internal/config"
	"github.com/engagekit/mcp-server/internal/engine"
	"github.com/engagekit/mcp-server/internal/logctx"
	"github.com/engagekit/mcp-server/mcpservice"
	"github.com/engagekit/mcp-server/oauth"
	"github.com/engagekit/mcp-server/sessions"
	"github.com/engagekit/mcp-server/store"
	"github.com/engagekit/mcp-server/store/memorystore"
	"github.com/engagekit/mcp-server/store/redisstore"
	"github.com/engagekit/mcp-server/store/sqlitestore"
	"github.com/engagekit/mcp-server/streaminghttp"
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

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(cfg, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	svc := engage.NewService(backend.posts, backend.ledger, log)
	server := mcpservice.NewServer(cfg.ServerName, serverVersion,
		mcpservice.WithToolsContainer(mcpservice.NewToolsContainer(svc.Tools()...)),
		mcpservice.WithPromptsContainer(mcpservice.NewPromptsContainer(svc.Prompts()...)),
		mcpservice.WithInstructions("Tools for working with your LinkedIn engagement history: persona extraction, engagement analytics, and post drafting."),
	)
	eng := engine.New(server, log)

	var regOpts []sessions.RegistryOption
	if cfg.SessionIdleTimeout > 0 {
		regOpts = append(regOpts, sessions.WithIdleTimeout(cfg.SessionIdleTimeout))
	}
	registry := sessions.NewRegistry(log, regOpts...)
	defer registry.Close()

	authenticator := auth.NewTokenAuthenticator(backend.tokens, backend.identities, log)

	mcpHandler, err := streaminghttp.New(cfg.PublicEndpoint, registry, eng, authenticator,
		streaminghttp.WithServerName(cfg.ServerName),
		streaminghttp.WithLogger(log),
		streaminghttp.WithAllowedOrigins(cfg.Origins()),
		streaminghttp.WithFallbackConnectionToken(cfg.ConnectionToken),
	)
	if err != nil {
		return fmt.Errorf("building mcp handler: %w", err)
	}

	authServer := oauth.NewServer(backend.tokens, backend.identities, log)

	mux := http.NewServeMux()
	mux.Handle("/oauth/", authServer)
	mux.Handle("/", mcpHandler)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(ctx, "server.start",
			slog.String("addr", cfg.ListenAddr),
			slog.String("endpoint", cfg.PublicEndpoint),
			slog.String("storage", cfg.Storage),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.InfoContext(context.Background(), "server.shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// backend bundles the storage interfaces the server wires together. The
// redis backend covers tokens only; domain data stays in sqlite beside it.
type backend struct {
	tokens     store.TokenStore
	identities store.IdentityStore
	ledger     store.ActivityLedger
	posts      store.PostSource

	closers []func() error
}

func (b *backend) Close() {
	for _, fn := range b.closers {
		_ = fn()
	}
}

func openBackend(cfg *config.Config, log *slog.Logger) (*backend, error) {
	switch cfg.Storage {
	case "memory":
		mem := memorystore.New()
		if cfg.ConnectionToken != "" {
			mem.AddIdentity(store.Identity{
				ID:              "local",
				ConnectionToken: cfg.ConnectionToken,
			})
		}
		return &backend{tokens: mem, identities: mem, ledger: mem, posts: mem}, nil

	case "sqlite":
		db, err := sqlitestore.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return &backend{
			tokens:     db,
			identities: db,
			ledger:     db,
			posts:      db,
			closers:    []func() error{db.Close},
		}, nil

	case "redis":
		tokens, err := redisstore.New(redisstore.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		db, err := sqlitestore.Open(cfg.SQLitePath, log)
		if err != nil {
			tokens.Close()
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return &backend{
			tokens:     tokens,
			identities: db,
			ledger:     db,
			posts:      db,
			closers:    []func() error{tokens.Close, db.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown STORAGE %q", cfg.Storage)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}),
	})
}

// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds everything the serving binary needs. All fields come from
// the environment; the cmd loads a .env file first when one is present.
type Config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`

	// PublicEndpoint is the externally reachable MCP URL, used for the
	// discovery documents and the legacy SSE endpoint event.
	// ENV: PUBLIC_ENDPOINT
	PublicEndpoint string `env:"PUBLIC_ENDPOINT,default=http://localhost:8080/mcp"`

	// ServerName is advertised during the initialize handshake.
	// ENV: SERVER_NAME
	ServerName string `env:"SERVER_NAME,default=engagekit-mcp"`

	// Storage selects the token/post backend: "memory", "sqlite" or
	// "redis". ENV: STORAGE
	Storage string `env:"STORAGE,default=sqlite"`

	// SQLitePath is the database file for the sqlite backend.
	// ENV: SQLITE_PATH
	SQLitePath string `env:"SQLITE_PATH,default=engagekit.db"`

	// RedisAddr like "localhost:6379", for the redis backend.
	// ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// AllowedOrigins is a comma-separated list of extra Origin prefixes
	// accepted on browser-facing endpoints. ENV: MCP_ALLOWED_ORIGINS
	AllowedOrigins string `env:"MCP_ALLOWED_ORIGINS,default="`

	// ConnectionToken is the fallback static token accepted when a request
	// carries no credential of its own, for single-user deployments.
	// ENV: MCP_CONNECTION_TOKEN
	ConnectionToken string `env:"MCP_CONNECTION_TOKEN,default="`

	// SessionIdleTimeout evicts sessions idle longer than this. Zero
	// disables the sweeper. ENV: MCP_SESSION_IDLE_TIMEOUT
	SessionIdleTimeout time.Duration `env:"MCP_SESSION_IDLE_TIMEOUT,default=0"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load populates a Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding environment: %w", err)
	}
	switch cfg.Storage {
	case "memory", "sqlite", "redis":
	default:
		return nil, fmt.Errorf("unknown STORAGE %q", cfg.Storage)
	}
	return &cfg, nil
}

// Origins returns AllowedOrigins split into individual prefixes.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

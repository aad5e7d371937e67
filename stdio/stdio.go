// Package stdio runs the MCP server over a newline-delimited JSON-RPC pipe.
// This is the pipe transport variant: exactly one implicit session for the
// process lifetime, so the registry is never involved. The caller identity
// comes from the process environment's connection token.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/internal/engine"
	"github.com/engagekit/mcp-server/internal/jsonrpc"
	"github.com/engagekit/mcp-server/internal/logctx"
)

// Inbound messages can carry sizeable tool arguments.
const maxLineBytes = 4 * 1024 * 1024

// Handler drives the pipe transport read loop.
type Handler struct {
	eng    *engine.Engine
	caller auth.UserInfo
	log    *slog.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// New builds a stdio handler bound to one resolved caller.
func New(eng *engine.Engine, caller auth.UserInfo, out io.Writer, log *slog.Logger) *Handler {
	return &Handler{eng: eng, caller: caller, out: out, log: log}
}

// Run consumes newline-delimited JSON-RPC messages from in until EOF or
// context cancellation. Malformed lines get a JSON-RPC error response rather
// than terminating the loop.
func (h *Handler) Run(ctx context.Context, in io.Reader) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: "stdio",
		UserID:    h.caller.UserID(),
		Transport: "pipe",
	})

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
			h.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
			continue
		}
		req := msg.AsRequest()
		if req == nil {
			// Client responses have no recipient on this transport.
			h.log.DebugContext(ctx, "stdio.message.ignored")
			continue
		}

		if res := h.eng.HandleRequest(ctx, h.caller, req); res != nil {
			h.write(ctx, res)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	h.log.InfoContext(ctx, "stdio.eof")
	return nil
}

func (h *Handler) write(ctx context.Context, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.out.Write(append(b, '\n')); err != nil {
		h.log.ErrorContext(ctx, "stdio.response.write.fail", slog.String("err", err.Error()))
	}
}

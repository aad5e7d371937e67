// Package engine is the transport-agnostic dispatch layer: it maps an
// authenticated JSON-RPC request onto the server's capability surface and
// produces the response. Transports own framing, sessions and authentication;
// the engine only ever sees a resolved caller.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/internal/jsonrpc"
	"github.com/engagekit/mcp-server/internal/logctx"
	"github.com/engagekit/mcp-server/mcp"
	"github.com/engagekit/mcp-server/mcpservice"
)

// Engine dispatches protocol requests against a capability server.
type Engine struct {
	server *mcpservice.Server
	log    *slog.Logger
}

func New(server *mcpservice.Server, log *slog.Logger) *Engine {
	return &Engine{server: server, log: log}
}

// Server exposes the underlying capability server.
func (e *Engine) Server() *mcpservice.Server { return e.server }

// Initialize computes the handshake result for a client's initialize request.
func (e *Engine) Initialize(ctx context.Context, req *mcp.InitializeRequest) *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: mcpservice.NegotiateProtocolVersion(req.ProtocolVersion),
		Capabilities:    e.server.Capabilities(),
		ServerInfo:      e.server.Info(),
		Instructions:    e.server.Instructions(),
	}
}

// HandleRequest dispatches one JSON-RPC request or notification for an
// authenticated caller. A nil response means the message was a notification
// and nothing should be written back.
func (e *Engine) HandleRequest(ctx context.Context, caller auth.UserInfo, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod, mcp.CancelledNotificationMethod:
		return nil

	case mcp.InitializeMethod:
		var initReq mcp.InitializeRequest
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
		return e.respond(ctx, req, e.Initialize(ctx, &initReq))

	case mcp.PingMethod:
		return e.respond(ctx, req, struct{}{})

	case mcp.ToolsListMethod:
		tools := e.server.Tools()
		if tools == nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
		}
		var listReq mcp.ListToolsRequest
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &listReq); err != nil {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
			}
		}
		res, err := tools.ListTools(ctx, listReq.Cursor)
		if err != nil {
			return e.internalError(ctx, req, err)
		}
		return e.respond(ctx, req, res)

	case mcp.ToolsCallMethod:
		tools := e.server.Tools()
		if tools == nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
		}
		var callReq mcp.CallToolRequest
		if err := json.Unmarshal(req.Params, &callReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
		res, err := tools.Call(ctx, caller, &callReq)
		if err != nil {
			if errors.Is(err, mcpservice.ErrToolNotFound) {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
			}
			return e.internalError(ctx, req, err)
		}
		return e.respond(ctx, req, res)

	case mcp.PromptsListMethod:
		prompts := e.server.Prompts()
		if prompts == nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil)
		}
		var listReq mcp.ListPromptsRequest
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &listReq); err != nil {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
			}
		}
		res, err := prompts.ListPrompts(ctx, listReq.Cursor)
		if err != nil {
			return e.internalError(ctx, req, err)
		}
		return e.respond(ctx, req, res)

	case mcp.PromptsGetMethod:
		prompts := e.server.Prompts()
		if prompts == nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil)
		}
		var getReq mcp.GetPromptRequest
		if err := json.Unmarshal(req.Params, &getReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
		res, err := prompts.Get(ctx, caller, &getReq)
		if err != nil {
			if errors.Is(err, mcpservice.ErrPromptNotFound) {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
			}
			return e.internalError(ctx, req, err)
		}
		return e.respond(ctx, req, res)

	default:
		if req.ID.IsNil() {
			// Unknown notification; drop silently per JSON-RPC.
			e.log.DebugContext(ctx, "engine.notification.unknown", slog.String("method", req.Method))
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (e *Engine) respond(ctx context.Context, req *jsonrpc.Request, result any) *jsonrpc.Response {
	if req.ID.IsNil() {
		return nil
	}
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return e.internalError(ctx, req, err)
	}
	return res
}

func (e *Engine) internalError(ctx context.Context, req *jsonrpc.Request, err error) *jsonrpc.Response {
	e.log.ErrorContext(ctx, "engine.handle.fail",
		slog.String("method", req.Method),
		slog.String("err", err.Error()),
	)
	// Detail stays in operator logs only.
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
}

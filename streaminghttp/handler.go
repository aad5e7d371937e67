// Package streaminghttp is the HTTP face of the MCP server: the streamable
// transport under /mcp, the legacy SSE transport under /mcp/sse plus its
// /mcp/message ingress, session termination, the OAuth discovery documents
// and the health probe. Each inbound request is classified as a new session,
// a continuation, a termination or a rejection, then forwarded to the
// dispatch engine against the live transport resolved from the registry.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/engagekit/mcp-server/auth"
	"github.com/engagekit/mcp-server/internal/engine"
	"github.com/engagekit/mcp-server/internal/jsonrpc"
	"github.com/engagekit/mcp-server/internal/logctx"
	"github.com/engagekit/mcp-server/internal/wellknown"
	"github.com/engagekit/mcp-server/mcp"
	"github.com/engagekit/mcp-server/sessions"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	// Legacy connection-token carriers, kept for pre-OAuth clients.
	engageTokenHeader     = "X-Engage-Gpt-Mcp-Token"
	connectionTokenHeader = "Mcp-Connection-Token"
	connectionTokenQuery  = "token"
)

// writeRPCError emits the structured JSON-RPC error shape used for every
// protocol-surface rejection, transport-level ones included.
func writeRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg, nil))
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Realm is omitted if empty per RFC 6750.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverName      string
	logger          *slog.Logger
	realm           string
	allowedOrigins  []string
	fallbackConnTok string
}

// WithServerName sets a human-readable server name surfaced in the protected
// resource metadata.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the slog handler used by the server. If not provided, logs are discarded.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithAllowedOrigins appends origin prefixes that pass the DNS-rebinding
// check, on top of the loopback and editor-webview defaults.
func WithAllowedOrigins(origins []string) Option {
	return func(c *newConfig) { c.allowedOrigins = origins }
}

// WithFallbackConnectionToken supplies a process-level connection token used
// when a request carries no credential at all. Meant for single-user
// deployments driven by the MCP_CONNECTION_TOKEN environment variable.
func WithFallbackConnectionToken(tok string) Option {
	return func(c *newConfig) { c.fallbackConnTok = tok }
}

// Handler is the protocol gateway over HTTP.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	registry *sessions.Registry
	eng      *engine.Engine
	auth     auth.Authenticator

	prmDocument        wellknown.ProtectedResourceMetadata
	prmDocumentURL     *url.URL
	authServerMetadata wellknown.AuthServerMetadata

	realm           string
	allowedOrigins  []string
	fallbackConnTok string
}

// connectionTokenResolver is implemented by authenticators that can resolve
// legacy member connection tokens in addition to bearer tokens.
type connectionTokenResolver interface {
	ResolveConnectionToken(ctx context.Context, tok string) (auth.UserInfo, error)
}

// New constructs the gateway.
//
// publicEndpoint is the externally visible URL of the MCP endpoint (scheme,
// host, path). The OAuth endpoints and discovery documents are derived from
// its origin.
func New(publicEndpoint string, registry *sessions.Registry, eng *engine.Engine, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", mcpURL.Scheme)
	}

	cfg := newConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	origin := &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host}
	prmURL := origin.JoinPath("/.well-known/oauth-protected-resource")
	scopes := []string{"mcp:tools", "mcp:prompts"}

	h := &Handler{
		mux:      http.NewServeMux(),
		log:      log,
		registry: registry,
		eng:      eng,
		auth:     authenticator,
		prmDocument: wellknown.ProtectedResourceMetadata{
			Resource:               mcpURL.String(),
			AuthorizationServers:   []string{origin.String()},
			ScopesSupported:        scopes,
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.serverName,
		},
		prmDocumentURL: prmURL,
		authServerMetadata: wellknown.AuthServerMetadata{
			Issuer:                            origin.String(),
			AuthorizationEndpoint:             origin.JoinPath("/oauth/authorize").String(),
			TokenEndpoint:                     origin.JoinPath("/oauth/token").String(),
			RevocationEndpoint:                origin.JoinPath("/oauth/revoke").String(),
			RegistrationEndpoint:              origin.JoinPath("/oauth/register").String(),
			ScopesSupported:                   scopes,
			ResponseTypesSupported:            []string{"code"},
			GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
			TokenEndpointAuthMethodsSupported: []string{"none"},
			CodeChallengeMethodsSupported:     []string{"S256"},
		},
		realm:           cfg.realm,
		allowedOrigins:  cfg.allowedOrigins,
		fallbackConnTok: cfg.fallbackConnTok,
	}

	mcpPath := mcpURL.Path
	if mcpPath == "" {
		mcpPath = "/mcp"
	}

	h.mux.HandleFunc("POST "+mcpPath, h.handlePostMCP)
	h.mux.HandleFunc("GET "+mcpPath, h.handleGetMCP)
	h.mux.HandleFunc("DELETE "+mcpPath, h.handleDeleteMCP)
	h.mux.HandleFunc("GET "+mcpPath+"/sse", h.handleGetSSE)
	h.mux.HandleFunc("POST "+mcpPath+"/message", h.handlePostMessage)

	h.mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleGetProtectedResourceMetadata)
	h.mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", h.handleOptionsWellKnown)
	h.mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleGetAuthorizationServerMetadata)
	h.mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", h.handleOptionsWellKnown)
	h.mux.HandleFunc("GET /.well-known/openid-configuration", h.handleGetAuthorizationServerMetadata)
	h.mux.HandleFunc("OPTIONS /.well-known/openid-configuration", h.handleOptionsWellKnown)

	h.mux.HandleFunc("GET /healthz", h.handleHealthz)

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkOrigin enforces the DNS-rebinding guard shared by every MCP endpoint.
func (h *Handler) checkOrigin(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if originAllowed(origin, h.allowedOrigins) {
		return true
	}
	h.log.WarnContext(ctx, "origin.blocked", slog.String("origin", origin))
	writeRPCError(w, http.StatusForbidden, jsonrpc.ErrorCodeBadRequest, "Forbidden: Invalid Origin")
	return false
}

// handlePostMCP handles the POST /mcp endpoint: session initialization and
// continuation messages for the streamable transport.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if !h.checkOrigin(ctx, w, r) {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeRPCError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeBadRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "expected a JSON-RPC request or notification")
		h.log.WarnContext(ctx, "jsonrpc.message.unrecognized")
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		if req.Method != string(mcp.InitializeMethod) {
			writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "no session: expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		h.handleInitialize(ctx, w, userInfo, req, start)
		return
	}

	sess, err := h.registry.Lookup(sessID)
	if err != nil {
		// Unknown continuation id never creates a session; the client must
		// re-initialize.
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "unknown session")
		h.log.InfoContext(ctx, "session.lookup.miss", slog.String("session_id", sessID))
		return
	}
	sess.Touch()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.SessionID(),
		UserID:    sess.UserID(),
		Transport: string(sess.Transport().Kind()),
	})

	if req.Method == string(mcp.InitializeMethod) {
		writeRPCError(w, http.StatusConflict, jsonrpc.ErrorCodeBadRequest, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	res := h.eng.HandleRequest(ctx, userInfo, req)
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	w.Header().Set(mcpSessionIDHeader, sess.SessionID())
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleInitialize mints a session for the streamable transport. The session
// is parked as pending until the response carrying the new identifier has
// been committed; any failure fully unwinds it.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, req *jsonrpc.Request, start time.Time) {
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	initRes := h.eng.Initialize(ctx, &initReq)

	sessID := uuid.NewString()
	transport := newChannelTransport(sessions.KindStream, sessID)
	sess := sessions.NewSession(sessID, userInfo.UserID(), initRes.ProtocolVersion, sessions.ClientInfo{
		Name:    initReq.ClientInfo.Name,
		Version: initReq.ClientInfo.Version,
	}, transport)

	if err := h.registry.RegisterPending(sess); err != nil {
		_ = transport.Close()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		h.registry.AbortPending(sessID)
		_ = transport.Close()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		UserID:    userInfo.UserID(),
		Transport: string(sessions.KindStream),
	})

	if err := h.registry.ConfirmPending(sessID); err != nil {
		h.registry.AbortPending(sessID)
		_ = transport.Close()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session")
		h.log.ErrorContext(ctx, "session.confirm.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sessID)
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		h.registry.Evict(sessID)
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP attaches an event stream to an existing streamable session for
// server-initiated messages.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkOrigin(ctx, w, r) {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, err := h.registry.Lookup(sessID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "unknown session")
		h.log.InfoContext(ctx, "session.lookup.miss", slog.String("session_id", sessID))
		return
	}
	sess.Touch()
	transport, ok := sess.Transport().(*channelTransport)
	if !ok || transport.Kind() != sessions.KindStream {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "session does not support streaming")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		UserID:    sess.UserID(),
		Transport: string(sessions.KindStream),
	})

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion())
	h.startEventStream(w, wf)
	h.log.InfoContext(ctx, "sse.stream.start")
	h.pumpOutbound(ctx, wf, transport)
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDeleteMCP terminates a session. 204 on success, 404 for an unknown
// id, 400 when the header is absent.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.checkOrigin(ctx, w, r) {
		return
	}
	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "missing session id")
		return
	}

	if !h.registry.Evict(sessID) {
		h.log.InfoContext(ctx, "session.delete.miss", slog.String("session_id", sessID))
		writeRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeBadRequest, "session not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetSSE opens a push-variant channel: the server self-assigns the
// session identifier and announces the companion ingress endpoint as the
// first event on the stream.
func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkOrigin(ctx, w, r) {
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := uuid.NewString()
	transport := newChannelTransport(sessions.KindPush, sessID)
	sess := sessions.NewSession(sessID, userInfo.UserID(), mcp.LatestProtocolVersion, sessions.ClientInfo{}, transport)
	if err := h.registry.Register(sess); err != nil {
		_ = transport.Close()
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session")
		h.log.ErrorContext(ctx, "sse.session.register.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		UserID:    userInfo.UserID(),
		Transport: string(sessions.KindPush),
	})

	h.startEventStream(w, wf)

	// First frame tells the client where to POST its messages.
	endpoint := fmt.Sprintf("/mcp/message?sessionId=%s", url.QueryEscape(sessID))
	if err := writeSSENamedEvent(wf, "endpoint", ulid.Make().String(), []byte(endpoint)); err != nil {
		h.log.ErrorContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		h.registry.Evict(sessID)
		return
	}
	h.log.InfoContext(ctx, "sse.session.open")

	h.pumpOutbound(ctx, wf, transport)

	// Connection gone: the transport closes and the registry watcher evicts.
	_ = transport.Close()
	h.log.InfoContext(ctx, "sse.session.close", slog.Duration("dur", time.Since(start)))
}

// handlePostMessage is the companion ingress for push sessions. Responses
// travel back over the session's event stream, not this request.
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkOrigin(ctx, w, r) {
		return
	}
	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "missing sessionId")
		h.log.WarnContext(ctx, "message.session_id.missing")
		return
	}
	sess, err := h.registry.Lookup(sessID)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "unknown session")
		h.log.InfoContext(ctx, "session.lookup.miss", slog.String("session_id", sessID))
		return
	}
	sess.Touch()
	transport, ok := sess.Transport().(*channelTransport)
	if !ok || transport.Kind() != sessions.KindPush {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest, "not a push session")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		UserID:    sess.UserID(),
		Transport: string(sessions.KindPush),
	})

	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message")
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	req := msg.AsRequest()
	if req == nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "expected a JSON-RPC request or notification")
		return
	}

	res := h.eng.HandleRequest(ctx, userInfo, req)
	if res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal error")
			return
		}
		if err := transport.Send(ctx, b); err != nil {
			h.log.ErrorContext(ctx, "sse.send.fail", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "session channel closed")
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "message.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) startEventStream(w http.ResponseWriter, wf *lockedWriteFlusher) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()
}

// pumpOutbound forwards queued transport messages to the event stream until
// the client disconnects or the transport closes.
func (h *Handler) pumpOutbound(ctx context.Context, wf *lockedWriteFlusher, transport *channelTransport) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-transport.Done():
			return
		case msg := <-transport.Outbound():
			if err := writeSSEEvent(wf, ulid.Make().String(), msg); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "success",
		"message":   "MCP server is healthy",
		"sessions":  h.registry.Count(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleOptionsWellKnown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
	}
}

// handleGetAuthorizationServerMetadata serves the Authorization Server
// Metadata (RFC 8414). The openid-configuration alias serves the same body.
func (h *Handler) handleGetAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.authServerMetadata); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode authorization server metadata: %v", err), http.StatusInternalServerError)
	}
}

// checkAuthentication resolves the caller from the Authorization header, or
// from a legacy connection token carried in headers, the query string, or the
// configured process fallback. A nil return means the response is written.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		if tok := h.connectionToken(r); tok != "" {
			return h.checkConnectionToken(ctx, w, tok)
		}
		// RFC 6750: no credentials at all gets a bare challenge without an
		// error code.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(), nil))
		writeRPCError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeMissingToken, "No connection token provided. Access denied.")
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(), map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidToken, "malformed bearer authorization header")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(), map[string]string{"error": "invalid_token", "error_description": "invalid or expired token"}))
			writeRPCError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeInvalidToken, "Invalid connection token.")
			return nil
		}
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmDocumentURL.String(), map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			writeRPCError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidToken, "insufficient scope")
			return nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeStoreFailure, "internal error")
		return nil
	}
	return userInfo
}

func (h *Handler) checkConnectionToken(ctx context.Context, w http.ResponseWriter, tok string) auth.UserInfo {
	resolver, ok := h.auth.(connectionTokenResolver)
	if !ok {
		h.log.WarnContext(ctx, "auth.connection_token.unsupported")
		writeRPCError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeInvalidToken, "Invalid connection token.")
		return nil
	}
	userInfo, err := resolver.ResolveConnectionToken(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.connection_token.fail")
			writeRPCError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeInvalidToken, "Invalid connection token.")
			return nil
		}
		h.log.ErrorContext(ctx, "auth.connection_token.err", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeStoreFailure, "internal error")
		return nil
	}
	h.log.InfoContext(ctx, "auth.connection_token.ok")
	return userInfo
}

func (h *Handler) connectionToken(r *http.Request) string {
	if tok := r.Header.Get(engageTokenHeader); tok != "" {
		return tok
	}
	if tok := r.Header.Get(connectionTokenHeader); tok != "" {
		return tok
	}
	if tok := r.URL.Query().Get(connectionTokenQuery); tok != "" {
		return tok
	}
	return h.fallbackConnTok
}

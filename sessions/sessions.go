package sessions

import (
	"sync/atomic"
	"time"
)

// Kind tags the transport variant a session rides on.
type Kind string

const (
	// KindStream is the streamable HTTP transport (POST /mcp request/response,
	// optionally upgraded to a server event stream).
	KindStream Kind = "stream"
	// KindPush is the legacy SSE transport: a long-lived server event channel
	// with a companion ingress endpoint for client messages.
	KindPush Kind = "push"
	// KindPipe is the stdio transport. One implicit session per process.
	KindPipe Kind = "pipe"
)

// Transport carries protocol messages over one connection. Implementations
// MUST be safe for concurrent use, and Close MUST be idempotent.
type Transport interface {
	Kind() Kind
	SessionID() string

	// Done is closed when the transport terminates, regardless of cause. It
	// fires at most once; the registry uses it as the eviction signal.
	Done() <-chan struct{}

	// Close tears the transport down and causes Done to fire.
	Close() error
}

// ClientInfo identifies the client connecting to the server.
type ClientInfo struct {
	Name    string
	Version string
}

// Session is a registered continuation context. The registry exclusively owns
// the session-to-transport association; nothing else should retain the
// transport beyond a single call.
type Session struct {
	id              string
	userID          string
	protocolVersion string
	clientInfo      ClientInfo
	transport       Transport
	createdAt       time.Time

	lastActivity atomic.Int64
}

// NewSession binds an identifier and principal to a transport.
func NewSession(id string, userID string, protocolVersion string, clientInfo ClientInfo, transport Transport) *Session {
	s := &Session{
		id:              id,
		userID:          userID,
		protocolVersion: protocolVersion,
		clientInfo:      clientInfo,
		transport:       transport,
		createdAt:       time.Now(),
	}
	s.Touch()
	return s
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) UserID() string { return s.userID }

// ProtocolVersion is the negotiated MCP protocol version baked into the session.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

func (s *Session) ClientInfo() ClientInfo { return s.clientInfo }

func (s *Session) Transport() Transport { return s.transport }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Touch records request activity for idle accounting.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

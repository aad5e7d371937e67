package streaminghttp

import (
	"context"
	"errors"
	"sync"

	"github.com/engagekit/mcp-server/internal/jsonrpc"
	"github.com/engagekit/mcp-server/sessions"
)

// ErrTransportClosed indicates a send raced with transport teardown.
var ErrTransportClosed = errors.New("transport closed")

const outboundBuffer = 32

// channelTransport is the HTTP-side transport: a buffered outbound message
// channel plus the closure signal the registry watches. The same type backs
// both the stream and push variants; the kind tag is fixed at construction.
type channelTransport struct {
	kind sessions.Kind
	id   string

	out       chan jsonrpc.Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ sessions.Transport = (*channelTransport)(nil)

func newChannelTransport(kind sessions.Kind, id string) *channelTransport {
	return &channelTransport{
		kind: kind,
		id:   id,
		out:  make(chan jsonrpc.Message, outboundBuffer),
		done: make(chan struct{}),
	}
}

func (t *channelTransport) Kind() sessions.Kind   { return t.kind }
func (t *channelTransport) SessionID() string     { return t.id }
func (t *channelTransport) Done() <-chan struct{} { return t.done }

func (t *channelTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Send queues a message for the client-facing event stream.
func (t *channelTransport) Send(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case t.out <- msg:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbound is consumed by exactly one event-stream writer at a time.
func (t *channelTransport) Outbound() <-chan jsonrpc.Message { return t.out }

// Package sessions defines the session abstraction shared by the MCP
// transports and the registry that owns their lifecycles. A session binds an
// opaque identifier to exactly one live transport plus the identity and
// protocol version negotiated during initialize.
//
// Layers & Roles
//
//	Transport -> carries protocol messages over one connection (stream, push or pipe)
//	Session   -> per-connection view: id, principal, negotiated version
//	Registry  -> single source of truth for "is this session alive"
//
// # Lifecycle
//
// Stream sessions go through a short pending phase: the transport mints the
// identifier during the initialize exchange and the registry only publishes
// it once the handshake succeeds. Push sessions self-assign their id on
// connection open and register directly. Pipe sessions (stdio) are the sole
// session of their process and never touch the registry.
//
// Every transport exposes a Done channel that closes when the underlying
// connection terminates for any reason. The registry watches it and evicts
// the entry exactly once, whether closure came from the client, an explicit
// delete, or an abnormal disconnect.
package sessions

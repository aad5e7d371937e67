package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateSession indicates an insert raced with an existing live entry.
var ErrDuplicateSession = errors.New("duplicate session")

// ErrSessionNotFound indicates the identifier resolves to no live session.
var ErrSessionNotFound = errors.New("session not found")

// Registry is the in-memory map of live sessions. All mutation is per-key
// (insert-if-absent, delete-if-present) so unrelated sessions never contend.
type Registry struct {
	log *slog.Logger

	live    sync.Map // sessionID -> *Session
	pending sync.Map // sessionID -> *Session
	count   atomic.Int64

	idleTimeout   time.Duration
	sweepInterval time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout enables the background sweeper: sessions with no activity
// for longer than d get evicted. Zero disables sweeping (the default).
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithSweepInterval overrides how often the idle sweeper scans. Only
// meaningful together with WithIdleTimeout.
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.sweepInterval = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:           log,
		sweepInterval: 30 * time.Second,
		closed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.idleTimeout > 0 {
		go r.sweep()
	}
	return r
}

// Register publishes a session for continuation lookups. It fails with
// ErrDuplicateSession if the identifier is already live. On success the
// registry starts watching the transport's Done channel and evicts the entry
// when it fires.
func (r *Registry) Register(sess *Session) error {
	if _, loaded := r.live.LoadOrStore(sess.SessionID(), sess); loaded {
		return ErrDuplicateSession
	}
	r.count.Add(1)
	r.log.Info("session.register",
		slog.String("session_id", sess.SessionID()),
		slog.String("user_id", sess.UserID()),
		slog.String("kind", string(sess.Transport().Kind())),
	)
	go r.watch(sess)
	return nil
}

// RegisterPending parks a session whose initialize exchange has not finished.
// Pending sessions are invisible to Lookup until confirmed.
func (r *Registry) RegisterPending(sess *Session) error {
	if _, ok := r.live.Load(sess.SessionID()); ok {
		return ErrDuplicateSession
	}
	if _, loaded := r.pending.LoadOrStore(sess.SessionID(), sess); loaded {
		return ErrDuplicateSession
	}
	return nil
}

// ConfirmPending promotes a pending session to live after a successful
// handshake. The identifier never resolves in both tables at once.
func (r *Registry) ConfirmPending(sessionID string) error {
	v, loaded := r.pending.LoadAndDelete(sessionID)
	if !loaded {
		return ErrSessionNotFound
	}
	return r.Register(v.(*Session))
}

// AbortPending unwinds a failed handshake. The caller still owns the
// transport and must close it; the registry never saw it as live.
func (r *Registry) AbortPending(sessionID string) {
	r.pending.Delete(sessionID)
}

// Lookup resolves a live session.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	v, ok := r.live.Load(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*Session), nil
}

// Evict removes a session and closes its transport. It is idempotent: the
// delete-if-present on the live table guarantees at most one caller wins,
// whether eviction came from an explicit delete, the Done watcher, or the
// idle sweeper.
func (r *Registry) Evict(sessionID string) bool {
	v, loaded := r.live.LoadAndDelete(sessionID)
	if !loaded {
		return false
	}
	sess := v.(*Session)
	r.count.Add(-1)
	if err := sess.Transport().Close(); err != nil {
		r.log.Warn("session.evict.close_fail",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()),
		)
	}
	r.log.Info("session.evict", slog.String("session_id", sessionID))
	return true
}

// Count reports the number of live sessions. Observability only.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Close evicts every live session and stops the sweeper.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.live.Range(func(key, _ any) bool {
		r.Evict(key.(string))
		return true
	})
}

func (r *Registry) watch(sess *Session) {
	select {
	case <-sess.Transport().Done():
		r.Evict(sess.SessionID())
	case <-r.closed:
	}
}

func (r *Registry) sweep() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closed:
			return
		case now := <-ticker.C:
			r.live.Range(func(key, v any) bool {
				sess := v.(*Session)
				if sess.IdleFor(now) > r.idleTimeout {
					r.log.Info("session.sweep.idle",
						slog.String("session_id", sess.SessionID()),
						slog.Duration("idle", sess.IdleFor(now)),
					)
					r.Evict(key.(string))
				}
				return true
			})
		}
	}
}

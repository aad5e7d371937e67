// Package memorystore is an in-memory implementation of the store
// contracts, suitable for tests and single-process deployments. Atomicity
// of the consume operations is provided by a mutex held across the
// check-and-set.
package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/engagekit/mcp-server/store"
)

// Store implements store.TokenStore, store.IdentityStore,
// store.ActivityLedger, and store.PostSource in process memory.
type Store struct {
	mu         sync.Mutex
	tokens     map[string]*store.TokenRecord // keyed by access token / code
	byRefresh  map[string]string             // refresh token -> access token
	identities map[string]*store.Identity    // keyed by connection token
	posts      []store.Post

	activities   []ActivityEntry
	transactions []TransactionEntry

	now func() time.Time
}

// ActivityEntry is one captured LogActivity call.
type ActivityEntry struct {
	OrganizationID string
	Action         string
	Metadata       map[string]any
	At             time.Time
}

// TransactionEntry is one captured RecordTransaction call.
type TransactionEntry struct {
	OrganizationID string
	Tx             store.Transaction
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source; tests use it to exercise expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tokens:     make(map[string]*store.TokenRecord),
		byRefresh:  make(map[string]string),
		identities: make(map[string]*store.Identity),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ store.TokenStore     = (*Store)(nil)
	_ store.IdentityStore  = (*Store)(nil)
	_ store.ActivityLedger = (*Store)(nil)
	_ store.PostSource     = (*Store)(nil)
)

// --- TokenStore ---

func (s *Store) CreateToken(ctx context.Context, rec *store.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[rec.AccessToken]; exists {
		return store.ErrDuplicateToken
	}
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.tokens[cp.AccessToken] = &cp
	if cp.RefreshToken != "" {
		s.byRefresh[cp.RefreshToken] = cp.AccessToken
	}
	return nil
}

func (s *Store) FindValidToken(ctx context.Context, accessToken string) (*store.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[accessToken]
	if !ok || rec.Kind != store.KindBearer || !rec.Valid(s.now()) {
		return nil, store.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) FindAuthorizationCode(ctx context.Context, code string) (*store.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[code]
	if !ok || rec.Kind != store.KindAuthorizationCode || !rec.Valid(s.now()) {
		return nil, store.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*store.TokenRecord, error) {
	return s.consume(code, store.KindAuthorizationCode)
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, refreshToken string) (*store.TokenRecord, error) {
	s.mu.Lock()
	accessToken, ok := s.byRefresh[refreshToken]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrTokenNotFound
	}
	return s.consume(accessToken, store.KindBearer)
}

// consume flips Revoked on a live record of the wanted kind. The mutex spans
// the check and the set so concurrent callers see exactly one winner.
func (s *Store) consume(accessToken string, kind store.TokenKind) (*store.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[accessToken]
	if !ok || rec.Kind != kind || !rec.Valid(s.now()) {
		return nil, store.ErrTokenNotFound
	}
	rec.Revoked = true
	cp := *rec
	return &cp, nil
}

func (s *Store) RevokeToken(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.tokens[token]; ok {
		matched := !rec.Revoked
		rec.Revoked = true
		return matched, nil
	}
	if accessToken, ok := s.byRefresh[token]; ok {
		if rec, ok := s.tokens[accessToken]; ok {
			matched := !rec.Revoked
			rec.Revoked = true
			return matched, nil
		}
	}
	return false, nil
}

func (s *Store) Close() error { return nil }

// --- IdentityStore ---

// AddIdentity registers an identity for connection-token lookup.
func (s *Store) AddIdentity(ident store.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ident
	s.identities[ident.ConnectionToken] = &cp
}

func (s *Store) FindByConnectionToken(ctx context.Context, connectionToken string) (*store.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[connectionToken]
	if !ok {
		return nil, store.ErrIdentityNotFound
	}
	cp := *ident
	return &cp, nil
}

// --- ActivityLedger ---

func (s *Store) LogActivity(ctx context.Context, organizationID, action string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, ActivityEntry{
		OrganizationID: organizationID,
		Action:         action,
		Metadata:       metadata,
		At:             s.now(),
	})
	return nil
}

func (s *Store) RecordTransaction(ctx context.Context, organizationID string, tx store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, TransactionEntry{OrganizationID: organizationID, Tx: tx})
	return nil
}

// Activities returns a snapshot of captured activity entries.
func (s *Store) Activities() []ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActivityEntry, len(s.activities))
	copy(out, s.activities)
	return out
}

// --- PostSource ---

// AddPost registers a post for the member feeds.
func (s *Store) AddPost(p store.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, p)
}

func (s *Store) HighEngagementPosts(ctx context.Context, organizationID, memberID string, limit int) ([]store.Post, error) {
	posts, err := s.PostsByMember(ctx, organizationID, memberID)
	if err != nil {
		return nil, err
	}
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].Likes+posts[i].Comments > posts[j].Likes+posts[j].Comments
	})
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (s *Store) PostsByMember(ctx context.Context, organizationID, memberID string) ([]store.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Post
	for _, p := range s.posts {
		if p.OrganizationID == organizationID && p.MemberID == memberID {
			out = append(out, p)
		}
	}
	return out, nil
}

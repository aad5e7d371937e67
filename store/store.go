// Package store defines the persistence contracts the gateway and the
// authorization server depend on. The protocol core never reaches a database
// directly; it calls these interfaces and tolerates their failure without
// corrupting session or token state. Implementations live in the
// memorystore, sqlitestore, and redisstore subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTokenNotFound indicates no live token record matched. Consume
	// operations return it both for unknown tokens and for tokens that were
	// already consumed, expired, or revoked: callers cannot distinguish a
	// loser of a redemption race from a bogus token, which is the point.
	ErrTokenNotFound = errors.New("token not found")

	// ErrIdentityNotFound indicates no identity matched a connection token.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrDuplicateToken indicates a token string collision on create.
	ErrDuplicateToken = errors.New("duplicate token")
)

// TokenKind discriminates authorization codes from issued bearer pairs.
type TokenKind string

const (
	KindAuthorizationCode TokenKind = "authorization_code"
	KindBearer            TokenKind = "bearer"
)

// TokenRecord is one issued credential: either a short-lived authorization
// code (AccessToken holds the code) or a bearer access/refresh pair.
type TokenRecord struct {
	AccessToken         string
	RefreshToken        string
	Kind                TokenKind
	OwnerID             string
	ClientID            string
	ClientName          string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Revoked             bool
	CreatedAt           time.Time
}

// Valid reports whether the record is live at the given instant.
func (r *TokenRecord) Valid(now time.Time) bool {
	return !r.Revoked && r.ExpiresAt.After(now)
}

// TokenStore persists issued credentials. The Consume operations are the
// store's concurrency contract: for a given token string, at most one call
// ever succeeds, no matter how many race. Implementations must use an
// atomic check-and-set (SQL row-count guarded update, Lua script, or a
// mutex), never a read-then-write sequence.
type TokenStore interface {
	// CreateToken inserts a record. The access token string must be unique.
	CreateToken(ctx context.Context, rec *TokenRecord) error

	// FindValidToken resolves a live (not revoked, not expired) bearer
	// access token. ErrTokenNotFound otherwise.
	FindValidToken(ctx context.Context, accessToken string) (*TokenRecord, error)

	// FindAuthorizationCode resolves a live authorization code without
	// consuming it. The token endpoint reads the record to verify the PKCE
	// challenge before committing to the consume.
	FindAuthorizationCode(ctx context.Context, code string) (*TokenRecord, error)

	// ConsumeAuthorizationCode atomically revokes a live authorization code
	// and returns it. Exactly one concurrent caller wins; every other call,
	// and any call with an expired or unknown code, gets ErrTokenNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*TokenRecord, error)

	// ConsumeRefreshToken atomically revokes a live refresh token and
	// returns its record, with the same at-most-one-winner guarantee.
	ConsumeRefreshToken(ctx context.Context, refreshToken string) (*TokenRecord, error)

	// RevokeToken marks the record matching the string as access or refresh
	// token revoked. Returns whether anything matched; matching nothing is
	// not an error.
	RevokeToken(ctx context.Context, token string) (bool, error)

	// Close releases backing resources.
	Close() error
}

// Identity is a resolved platform user.
type Identity struct {
	ID              string
	Email           string
	OrganizationID  string
	ConnectionToken string
}

// IdentityStore resolves the legacy static per-user connection token.
type IdentityStore interface {
	FindByConnectionToken(ctx context.Context, connectionToken string) (*Identity, error)
}

// Transaction is one usage-accounting entry.
type Transaction struct {
	Type        string
	Amount      int64
	Balance     int64
	Description string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// ActivityLedger records best-effort usage accounting. Callers swallow and
// log failures; a ledger outage must never surface to the protocol caller.
type ActivityLedger interface {
	LogActivity(ctx context.Context, organizationID, action string, metadata map[string]any) error
	RecordTransaction(ctx context.Context, organizationID string, tx Transaction) error
}

// Post is a published social post with its engagement counters.
type Post struct {
	ID             string
	MemberID       string
	OrganizationID string
	Content        string
	MediaType      string
	Impressions    int64
	Likes          int64
	Comments       int64
	Shares         int64
	PostedAt       time.Time
}

// PostSource provides the domain reads the engage tools need. Analytics
// computation happens on the caller side; this is plain data access.
type PostSource interface {
	// HighEngagementPosts returns up to limit posts for the member ordered
	// by engagement, strongest first.
	HighEngagementPosts(ctx context.Context, organizationID, memberID string, limit int) ([]Post, error)

	// PostsByMember returns every post for the member.
	PostsByMember(ctx context.Context, organizationID, memberID string) ([]Post, error)
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engagekit/mcp-server/store"
)

// TokenClaims is what CheckAuthentication records about the principal. It can
// be recovered through UserInfo.Claims.
type TokenClaims struct {
	Subject        string `json:"sub"`
	Email          string `json:"email,omitempty"`
	OrganizationID string `json:"org,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Scope          string `json:"scope,omitempty"`
}

// TokenAuthenticator resolves opaque bearer tokens against the token store.
type TokenAuthenticator struct {
	tokens     store.TokenStore
	identities store.IdentityStore
	log        *slog.Logger

	requiredScopes []string
}

var _ Authenticator = (*TokenAuthenticator)(nil)

// TokenAuthenticatorOption customizes a TokenAuthenticator.
type TokenAuthenticatorOption func(*TokenAuthenticator)

// WithRequiredScopes enforces that every listed scope is present in the
// token's space-delimited scope grant.
func WithRequiredScopes(scopes ...string) TokenAuthenticatorOption {
	return func(a *TokenAuthenticator) {
		a.requiredScopes = scopes
	}
}

// NewTokenAuthenticator builds an Authenticator backed by the given stores.
func NewTokenAuthenticator(tokens store.TokenStore, identities store.IdentityStore, log *slog.Logger, opts ...TokenAuthenticatorOption) *TokenAuthenticator {
	a := &TokenAuthenticator{
		tokens:     tokens,
		identities: identities,
		log:        log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CheckAuthentication resolves tok as an access token issued by the token
// endpoint. Unknown, expired and revoked tokens all map to ErrUnauthorized so
// callers cannot distinguish them.
func (a *TokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, ErrUnauthorized
	}

	rec, err := a.tokens.FindValidToken(ctx, tok)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("looking up access token: %w", err)
	}

	if err := a.checkScopes(rec.Scope); err != nil {
		return nil, err
	}

	claims := TokenClaims{
		Subject:  rec.OwnerID,
		ClientID: rec.ClientID,
		Scope:    rec.Scope,
	}
	if a.identities != nil {
		ident, err := a.identities.FindByConnectionToken(ctx, rec.OwnerID)
		if err == nil {
			claims.Email = ident.Email
			claims.OrganizationID = ident.OrganizationID
		} else if !errors.Is(err, store.ErrIdentityNotFound) {
			a.log.WarnContext(ctx, "auth.identity.lookup.fail", slog.String("err", err.Error()))
		}
	}

	return &tokenUserInfo{userID: rec.OwnerID, claims: claims}, nil
}

// ResolveConnectionToken authenticates a raw member connection token. Clients
// that predate the OAuth flow present these directly on MCP requests.
func (a *TokenAuthenticator) ResolveConnectionToken(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" || a.identities == nil {
		return nil, ErrUnauthorized
	}
	ident, err := a.identities.FindByConnectionToken(ctx, tok)
	if err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("looking up connection token: %w", err)
	}
	return &tokenUserInfo{
		userID: ident.ConnectionToken,
		claims: TokenClaims{
			Subject:        ident.ConnectionToken,
			Email:          ident.Email,
			OrganizationID: ident.OrganizationID,
		},
	}, nil
}

func (a *TokenAuthenticator) checkScopes(granted string) error {
	if len(a.requiredScopes) == 0 {
		return nil
	}
	have := map[string]bool{}
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}
	for _, want := range a.requiredScopes {
		if !have[want] {
			return ErrInsufficientScope
		}
	}
	return nil
}

type tokenUserInfo struct {
	userID string
	claims TokenClaims
}

func (u *tokenUserInfo) UserID() string { return u.userID }

func (u *tokenUserInfo) Claims(ref any) error {
	buf, err := json.Marshal(u.claims)
	if err != nil {
		return fmt.Errorf("marshalling claims: %w", err)
	}
	return json.Unmarshal(buf, ref)
}

package auth

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/engagekit/mcp-server/store"
	"github.com/engagekit/mcp-server/store/memorystore"
)

func newAuthenticator(t *testing.T, opts ...TokenAuthenticatorOption) (*TokenAuthenticator, *memorystore.Store) {
	t.Helper()
	mem := memorystore.New()
	return NewTokenAuthenticator(mem, mem, slog.New(slog.DiscardHandler), opts...), mem
}

func TestCheckAuthenticationUnknownToken(t *testing.T) {
	a, _ := newAuthenticator(t)

	for _, tok := range []string{"", "never-issued"} {
		if _, err := a.CheckAuthentication(t.Context(), tok); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("CheckAuthentication(%q) err = %v, want ErrUnauthorized", tok, err)
		}
	}
}

func TestCheckAuthenticationRevokedToken(t *testing.T) {
	a, mem := newAuthenticator(t)

	rec := &store.TokenRecord{
		AccessToken: "acc-1",
		Kind:        store.KindBearer,
		OwnerID:     "org1-member1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := mem.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := mem.RevokeToken(t.Context(), "acc-1"); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}

	if _, err := a.CheckAuthentication(t.Context(), "acc-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestCheckAuthenticationEnrichesClaims(t *testing.T) {
	a, mem := newAuthenticator(t)

	mem.AddIdentity(store.Identity{
		ID:              "ident-1",
		Email:           "member@example.com",
		OrganizationID:  "org1",
		ConnectionToken: "org1-member1",
	})
	rec := &store.TokenRecord{
		AccessToken: "acc-1",
		Kind:        store.KindBearer,
		OwnerID:     "org1-member1",
		ClientID:    "client-1",
		Scope:       "mcp:tools",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := mem.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	info, err := a.CheckAuthentication(t.Context(), "acc-1")
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if info.UserID() != "org1-member1" {
		t.Fatalf("user id = %q, want org1-member1", info.UserID())
	}

	var claims TokenClaims
	if err := info.Claims(&claims); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.Subject != "org1-member1" || claims.Email != "member@example.com" || claims.OrganizationID != "org1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Scope != "mcp:tools" || claims.ClientID != "client-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestCheckAuthenticationScopeEnforcement(t *testing.T) {
	a, mem := newAuthenticator(t, WithRequiredScopes("mcp:tools", "mcp:prompts"))

	rec := &store.TokenRecord{
		AccessToken: "acc-1",
		Kind:        store.KindBearer,
		OwnerID:     "org1-member1",
		Scope:       "mcp:tools",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := mem.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	if _, err := a.CheckAuthentication(t.Context(), "acc-1"); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("err = %v, want ErrInsufficientScope", err)
	}
}

func TestResolveConnectionToken(t *testing.T) {
	a, mem := newAuthenticator(t)

	mem.AddIdentity(store.Identity{
		ID:              "ident-1",
		Email:           "member@example.com",
		OrganizationID:  "org1",
		ConnectionToken: "org1-member1",
	})

	info, err := a.ResolveConnectionToken(t.Context(), "org1-member1")
	if err != nil {
		t.Fatalf("ResolveConnectionToken: %v", err)
	}
	if info.UserID() != "org1-member1" {
		t.Fatalf("user id = %q, want org1-member1", info.UserID())
	}

	if _, err := a.ResolveConnectionToken(t.Context(), "bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if _, err := a.ResolveConnectionToken(t.Context(), ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token err = %v, want ErrUnauthorized", err)
	}
}

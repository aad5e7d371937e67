package redisstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/engagekit/mcp-server/store"
)

// openTestStore connects via REDIS_ADDR and skips gracefully when no Redis
// is reachable. Each test gets its own key prefix.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis store tests: %v", err)
		return nil
	}
	s.keyPrefix = fmt.Sprintf("mcp:test:%s:%d:", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisTokenRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &store.TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Kind:         store.KindBearer,
		OwnerID:      "org-1-member-1",
		ClientID:     "client-1",
		Scope:        "mcp:tools",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if err := s.CreateToken(t.Context(), rec); !errors.Is(err, store.ErrDuplicateToken) {
		t.Fatalf("duplicate create err = %v, want ErrDuplicateToken", err)
	}

	got, err := s.FindValidToken(t.Context(), "access-1")
	if err != nil {
		t.Fatalf("FindValidToken: %v", err)
	}
	if got.OwnerID != "org-1-member-1" || got.Scope != "mcp:tools" {
		t.Fatalf("record = %+v", got)
	}
}

func TestRedisFindAuthorizationCodeDoesNotConsume(t *testing.T) {
	s := openTestStore(t)

	rec := &store.TokenRecord{
		AccessToken:   "code-1",
		Kind:          store.KindAuthorizationCode,
		CodeChallenge: "challenge-1",
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	found, err := s.FindAuthorizationCode(t.Context(), "code-1")
	if err != nil {
		t.Fatalf("FindAuthorizationCode: %v", err)
	}
	if found.CodeChallenge != "challenge-1" {
		t.Fatalf("challenge = %q, want challenge-1", found.CodeChallenge)
	}
	if _, err := s.ConsumeAuthorizationCode(t.Context(), "code-1"); err != nil {
		t.Fatalf("consume after find: %v", err)
	}
	if _, err := s.FindAuthorizationCode(t.Context(), "code-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("find after consume err = %v, want ErrTokenNotFound", err)
	}
}

func TestRedisConsumeConcurrentOneWinner(t *testing.T) {
	s := openTestStore(t)

	rec := &store.TokenRecord{
		AccessToken: "code-1",
		Kind:        store.KindAuthorizationCode,
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	const racers = 16
	wins := make(chan struct{}, racers)
	var wg sync.WaitGroup
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(t.Context(), "code-1"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}
}

func TestRedisConsumeRefreshTokenKillsPair(t *testing.T) {
	s := openTestStore(t)

	rec := &store.TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Kind:         store.KindBearer,
		OwnerID:      "org-1-member-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := s.ConsumeRefreshToken(t.Context(), "refresh-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken: %v", err)
	}
	if got.OwnerID != "org-1-member-1" {
		t.Fatalf("owner = %q, want org-1-member-1", got.OwnerID)
	}
	if _, err := s.FindValidToken(t.Context(), "access-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("access token after rotation err = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.ConsumeRefreshToken(t.Context(), "refresh-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("refresh replay err = %v, want ErrTokenNotFound", err)
	}
}

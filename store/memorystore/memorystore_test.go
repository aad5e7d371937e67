package memorystore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/engagekit/mcp-server/store"
)

func bearerRecord(access, refresh string, expiresAt time.Time) *store.TokenRecord {
	return &store.TokenRecord{
		AccessToken:  access,
		RefreshToken: refresh,
		Kind:         store.KindBearer,
		OwnerID:      "org-1-member-1",
		ClientID:     "client-1",
		Scope:        "mcp:tools",
		ExpiresAt:    expiresAt,
	}
}

func TestCreateAndFindValidToken(t *testing.T) {
	s := New()

	rec := bearerRecord("acc-1", "ref-1", time.Now().Add(time.Hour))
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := s.FindValidToken(t.Context(), "acc-1")
	if err != nil {
		t.Fatalf("FindValidToken: %v", err)
	}
	if got.OwnerID != "org-1-member-1" {
		t.Fatalf("owner = %q, want org-1-member-1", got.OwnerID)
	}
}

func TestCreateDuplicateToken(t *testing.T) {
	s := New()

	rec := bearerRecord("acc-1", "ref-1", time.Now().Add(time.Hour))
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	err := s.CreateToken(t.Context(), bearerRecord("acc-1", "ref-2", time.Now().Add(time.Hour)))
	if !errors.Is(err, store.ErrDuplicateToken) {
		t.Fatalf("err = %v, want ErrDuplicateToken", err)
	}
}

func TestFindExpiredToken(t *testing.T) {
	now := time.Now()
	s := New(WithClock(func() time.Time { return now }))

	rec := bearerRecord("acc-1", "ref-1", now.Add(time.Minute))
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.FindValidToken(t.Context(), "acc-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestFindRejectsAuthorizationCodeAsBearer(t *testing.T) {
	s := New()

	rec := &store.TokenRecord{
		AccessToken: "code-1",
		Kind:        store.KindAuthorizationCode,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := s.FindValidToken(t.Context(), "code-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestFindAuthorizationCodeDoesNotConsume(t *testing.T) {
	s := New()

	rec := &store.TokenRecord{
		AccessToken:   "code-1",
		Kind:          store.KindAuthorizationCode,
		CodeChallenge: "challenge-1",
		ExpiresAt:     time.Now().Add(time.Hour),
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

	// Repeated reads succeed; the code stays live until consumed.
	if _, err := s.FindAuthorizationCode(t.Context(), "code-1"); err != nil {
		t.Fatalf("second find: %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(t.Context(), "code-1"); err != nil {
		t.Fatalf("consume after find: %v", err)
	}
	if _, err := s.FindAuthorizationCode(t.Context(), "code-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("find after consume err = %v, want ErrTokenNotFound", err)
	}
}

func TestConsumeAuthorizationCodeOnce(t *testing.T) {
	s := New()

	rec := &store.TokenRecord{
		AccessToken: "code-1",
		Kind:        store.KindAuthorizationCode,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	if _, err := s.ConsumeAuthorizationCode(t.Context(), "code-1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(t.Context(), "code-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("second consume err = %v, want ErrTokenNotFound", err)
	}
}

func TestConsumeConcurrentOneWinner(t *testing.T) {
	s := New()

	rec := &store.TokenRecord{
		AccessToken: "code-1",
		Kind:        store.KindAuthorizationCode,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	const racers = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
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

	if got := len(wins); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
}

func TestConsumeRefreshToken(t *testing.T) {
	s := New()

	rec := bearerRecord("acc-1", "ref-1", time.Now().Add(time.Hour))
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	got, err := s.ConsumeRefreshToken(t.Context(), "ref-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshToken: %v", err)
	}
	if got.AccessToken != "acc-1" {
		t.Fatalf("access token = %q, want acc-1", got.AccessToken)
	}

	// Consuming the refresh token kills the whole pair.
	if _, err := s.FindValidToken(t.Context(), "acc-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("access token err = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.ConsumeRefreshToken(t.Context(), "ref-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("replay err = %v, want ErrTokenNotFound", err)
	}
}

func TestRevokeToken(t *testing.T) {
	s := New()

	rec := bearerRecord("acc-1", "ref-1", time.Now().Add(time.Hour))
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	matched, err := s.RevokeToken(t.Context(), "acc-1")
	if err != nil || !matched {
		t.Fatalf("RevokeToken = (%v, %v), want (true, nil)", matched, err)
	}
	if _, err := s.FindValidToken(t.Context(), "acc-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}

	// Second revocation matches nothing but still succeeds.
	matched, err = s.RevokeToken(t.Context(), "acc-1")
	if err != nil || matched {
		t.Fatalf("second RevokeToken = (%v, %v), want (false, nil)", matched, err)
	}
}

func TestRevokeByRefreshToken(t *testing.T) {
	s := New()

	rec := bearerRecord("acc-1", "ref-1", time.Now().Add(time.Hour))
	if err := s.CreateToken(t.Context(), rec); err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	matched, err := s.RevokeToken(t.Context(), "ref-1")
	if err != nil || !matched {
		t.Fatalf("RevokeToken = (%v, %v), want (true, nil)", matched, err)
	}
	if _, err := s.FindValidToken(t.Context(), "acc-1"); !errors.Is(err, store.ErrTokenNotFound) {
		t.Fatalf("err = %v, want ErrTokenNotFound", err)
	}
}

func TestRevokeUnknownToken(t *testing.T) {
	s := New()

	matched, err := s.RevokeToken(t.Context(), "never-issued")
	if err != nil || matched {
		t.Fatalf("RevokeToken = (%v, %v), want (false, nil)", matched, err)
	}
}

func TestIdentityLookup(t *testing.T) {
	s := New()
	s.AddIdentity(store.Identity{ID: "i1", ConnectionToken: "org-1-member-1"})

	ident, err := s.FindByConnectionToken(t.Context(), "org-1-member-1")
	if err != nil {
		t.Fatalf("FindByConnectionToken: %v", err)
	}
	if ident.ID != "i1" {
		t.Fatalf("id = %q, want i1", ident.ID)
	}

	if _, err := s.FindByConnectionToken(t.Context(), "bogus"); !errors.Is(err, store.ErrIdentityNotFound) {
		t.Fatalf("err = %v, want ErrIdentityNotFound", err)
	}
}

func TestHighEngagementPostsOrderAndLimit(t *testing.T) {
	s := New()
	for i, likes := range []int64{10, 500, 100} {
		s.AddPost(store.Post{
			ID:             string(rune('a' + i)),
			OrganizationID: "org-1",
			MemberID:       "member-1",
			Likes:          likes,
		})
	}

	posts, err := s.HighEngagementPosts(t.Context(), "org-1", "member-1", 2)
	if err != nil {
		t.Fatalf("HighEngagementPosts: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("len = %d, want 2", len(posts))
	}
	if posts[0].Likes != 500 || posts[1].Likes != 100 {
		t.Fatalf("order = [%d %d], want [500 100]", posts[0].Likes, posts[1].Likes)
	}
}

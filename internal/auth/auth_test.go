package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dadaWilliam/chat-app/internal/config"
)

// memRevocation 是内存吊销表,条目按 TTL 过期。
type memRevocation struct {
	mu      sync.Mutex
	entries map[string]time.Time
	err     error
}

func newMemRevocation() *memRevocation {
	return &memRevocation{entries: make(map[string]time.Time)}
}

func (m *memRevocation) Add(ctx context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries[jti] = time.Now().Add(ttl)
	return nil
}

func (m *memRevocation) Contains(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	exp, ok := m.entries[jti]
	return ok && time.Now().Before(exp), nil
}

func testAuthority(t *testing.T, ttlMinutes int) (*Authority, *memRevocation) {
	t.Helper()
	rev := newMemRevocation()
	a, err := NewAuthority(config.Config{
		JWTSecret:       "test-secret",
		TokenTTLMinutes: ttlMinutes,
	}, rev)
	if err != nil {
		t.Fatal(err)
	}
	return a, rev
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "s3cret" {
		t.Fatal("password stored in cleartext")
	}
	if !VerifyPassword(hash, "s3cret") {
		t.Error("correct password rejected")
	}
	if VerifyPassword(hash, "wrong") {
		t.Error("wrong password accepted")
	}
}

func TestLogin(t *testing.T) {
	a, _ := testAuthority(t, 60)

	token, id, err := a.Login("alice", "alice123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if id.Username != "alice" || id.UserID == 0 {
		t.Errorf("identity = %+v", id)
	}

	if _, _, err := a.Login("alice", "wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, _, err := a.Login("mallory", "alice123"); err == nil {
		t.Error("unknown user accepted")
	}
}

func TestSeedUsers(t *testing.T) {
	rev := newMemRevocation()
	a, err := NewAuthority(config.Config{
		JWTSecret:       "test-secret",
		TokenTTLMinutes: 60,
		SeedUsers:       "carol:pw123, dave:pw456",
	}, rev)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"carol", "dave"} {
		if _, _, err := a.Login(name, "pw"+map[string]string{"carol": "123", "dave": "456"}[name]); err != nil {
			t.Errorf("seeded user %s cannot log in: %v", name, err)
		}
	}
}

func TestIssueAndAuthenticate(t *testing.T) {
	a, _ := testAuthority(t, 60)

	token, err := a.Issue(Identity{UserID: 7, Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	id, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.UserID != 7 || id.Username != "alice" {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthenticateRejectsGarbage(t *testing.T) {
	a, _ := testAuthority(t, 60)

	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := a.Authenticate(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Authenticate(%q) error = %v, want ErrInvalidToken", tok, err)
		}
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	a, _ := testAuthority(t, 60)
	other, _ := NewAuthority(config.Config{JWTSecret: "other-secret", TokenTTLMinutes: 60}, newMemRevocation())

	token, err := other.Issue(Identity{UserID: 1, Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("token signed with rogue secret accepted: %v", err)
	}
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	a, _ := testAuthority(t, -1) // 签发即过期

	token, err := a.Issue(Identity{UserID: 1, Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token accepted: %v", err)
	}
}

func TestRevokeRejectsUnexpiredToken(t *testing.T) {
	a, _ := testAuthority(t, 60)

	token, _, err := a.Login("alice", "alice123")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	// token 未过期,但必须被拒绝
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrTokenRevoked) {
		t.Errorf("revoked token accepted: %v", err)
	}
}

func TestRevokeIsScopedToOneToken(t *testing.T) {
	a, _ := testAuthority(t, 60)

	t1, _, _ := a.Login("alice", "alice123")
	t2, _, _ := a.Login("alice", "alice123")
	if err := a.Revoke(context.Background(), t1); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(context.Background(), t2); err != nil {
		t.Errorf("revocation leaked to sibling token: %v", err)
	}
}

func TestRevokeInvalidTokenIsNoop(t *testing.T) {
	a, rev := testAuthority(t, 60)

	if err := a.Revoke(context.Background(), "garbage"); err != nil {
		t.Errorf("Revoke(garbage) error = %v, want nil", err)
	}
	rev.mu.Lock()
	n := len(rev.entries)
	rev.mu.Unlock()
	if n != 0 {
		t.Errorf("revocation entries = %d, want 0", n)
	}
}

func TestAuthenticateSurfacesStoreFailure(t *testing.T) {
	a, rev := testAuthority(t, 60)
	token, _, err := a.Login("alice", "alice123")
	if err != nil {
		t.Fatal(err)
	}

	rev.mu.Lock()
	rev.err = errors.New("redis down")
	rev.mu.Unlock()

	_, err = a.Authenticate(context.Background(), token)
	if err == nil || errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenRevoked) {
		t.Errorf("store failure should not masquerade as auth verdict, got %v", err)
	}
}

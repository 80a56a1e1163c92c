package store

import (
	"context"
	"testing"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/session"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTokenStore_EmptyReturnsNil(t *testing.T) {
	ctx := context.Background()
	tokens, err := NewTokenStore(ctx, newMemoryStore(t), "saxo")
	if err != nil {
		t.Fatalf("NewTokenStore returned error: %v", err)
	}
	cred, err := tokens.Token(ctx)
	if err != nil {
		t.Fatalf("Token returned error: %v", err)
	}
	if cred != nil {
		t.Fatalf("expected nil credential, got %+v", cred)
	}
}

func TestTokenStore_StoreReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	tokens, err := NewTokenStore(ctx, s, "saxo")
	if err != nil {
		t.Fatalf("NewTokenStore returned error: %v", err)
	}

	issued := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	first := session.Credential{AccessToken: "a1", TokenType: "Bearer", ExpiresIn: 1200, RefreshToken: "r1", RefreshTokenExpiresIn: 3600, IssuedAt: issued}
	second := first
	second.AccessToken = "a2"
	second.IssuedAt = issued.Add(20 * time.Minute)

	if err := tokens.StoreToken(ctx, first); err != nil {
		t.Fatalf("StoreToken returned error: %v", err)
	}
	if err := tokens.StoreToken(ctx, second); err != nil {
		t.Fatalf("StoreToken returned error: %v", err)
	}

	var rows int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM oauth_tokens`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected single row, got %d", rows)
	}

	got, err := tokens.Token(ctx)
	if err != nil {
		t.Fatalf("Token returned error: %v", err)
	}
	if got.AccessToken != "a2" || !got.IssuedAt.Equal(second.IssuedAt) || got.RefreshTokenExpiresIn != 3600 {
		t.Fatalf("unexpected credential %+v", got)
	}
}

func TestTokenStore_VendorsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	saxo, _ := NewTokenStore(ctx, s, "saxo")
	other, _ := NewTokenStore(ctx, s, "other")

	if err := saxo.StoreToken(ctx, session.Credential{AccessToken: "x", IssuedAt: time.Now()}); err != nil {
		t.Fatalf("StoreToken returned error: %v", err)
	}
	got, err := other.Token(ctx)
	if err != nil {
		t.Fatalf("Token returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no credential for other vendor")
	}
}

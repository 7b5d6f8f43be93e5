package auth

import (
	"testing"
	"time"

	"papercup-core/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:   "test-secret",
		JWTIssuer:   "papercup",
		JWTAudience: "papercup-api",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "u1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u1" || claims.Role != "user" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "u1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(16*time.Minute)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestVerify_RejectsTokenTypeConfusion(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "u1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := m.Verify(pair.RefreshToken, TokenTypeAccess, now.Add(time.Minute)); err == nil {
		t.Fatalf("refresh token must not pass as access token")
	}
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	pair, err := m.IssuePair(now, "u1", "user")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other, err := NewManager(config.AuthConfig{
		JWTSecret:   "different-secret",
		JWTIssuer:   "papercup",
		JWTAudience: "papercup-api",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := other.Verify(pair.AccessToken, TokenTypeAccess, now.Add(time.Minute)); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestNewManager_RequiresSecret(t *testing.T) {
	if _, err := NewManager(config.AuthConfig{}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}

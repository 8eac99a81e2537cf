package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"authgate/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

func newTestCodec(t *testing.T, cfg config.AuthConfig) *Codec {
	t.Helper()
	if len(cfg.Secrets) == 0 {
		cfg.Secrets = []string{"test-secret-0123456789"}
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = 15 * time.Minute
	}
	c, err := NewCodec(cfg)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return c
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	c := newTestCodec(t, config.AuthConfig{Issuer: "authgate", Audience: "api"})

	now := time.Unix(1700000000, 0).UTC()
	tok, err := c.Issue(now, "u1", RoleUser)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := c.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "u1" || claims.Role != RoleUser {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatalf("expected a token id")
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	c := newTestCodec(t, config.AuthConfig{AccessTokenTTL: time.Minute})

	now := time.Unix(1700000000, 0).UTC()
	tok, err := c.Issue(now, "u1", RoleUser)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// 1ms past expiry is past expiry.
	if _, err := c.Verify(tok, now.Add(time.Minute+time.Millisecond)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
	if _, err := c.Verify(tok, now.Add(time.Minute-time.Second)); err != nil {
		t.Fatalf("expected valid before expiry, got %v", err)
	}
}

func TestVerify_LeewayAcceptsRecentlyExpired(t *testing.T) {
	strict := newTestCodec(t, config.AuthConfig{AccessTokenTTL: time.Minute})
	lax := newTestCodec(t, config.AuthConfig{AccessTokenTTL: time.Minute, Leeway: 30 * time.Second})

	now := time.Unix(1700000000, 0).UTC()
	tok, err := strict.Issue(now, "u1", RoleUser)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	at := now.Add(time.Minute + 10*time.Second)
	if _, err := strict.Verify(tok, at); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("strict codec should reject, got %v", err)
	}
	if _, err := lax.Verify(tok, at); err != nil {
		t.Fatalf("leeway codec should accept, got %v", err)
	}
}

func TestVerify_TamperedToken(t *testing.T) {
	c := newTestCodec(t, config.AuthConfig{})

	now := time.Unix(1700000000, 0).UTC()
	tok, err := c.Issue(now, "u1", RoleUser)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Flip a character in the signature segment.
	parts := strings.Split(tok, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	parts[2] = string(sig)
	tampered := strings.Join(parts, ".")

	if _, err := c.Verify(tampered, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_MalformedToken(t *testing.T) {
	c := newTestCodec(t, config.AuthConfig{})
	if _, err := c.Verify("not-a-jwt", time.Now()); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestVerify_MissingIdentityClaims(t *testing.T) {
	secret := "test-secret-0123456789"
	c := newTestCodec(t, config.AuthConfig{Secrets: []string{secret}})

	now := time.Unix(1700000000, 0).UTC()
	// Well-signed token without the identity claims this service requires.
	bare := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	tok, err := bare.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := c.Verify(tok, now)
	if !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
	if claims.UserID != "" || claims.Role != "" || claims.ExpiresAt != nil {
		t.Fatalf("rejected token must not yield claims: %+v", claims)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	a := newTestCodec(t, config.AuthConfig{Secrets: []string{"secret-a-0123456789"}})
	b := newTestCodec(t, config.AuthConfig{Secrets: []string{"secret-b-0123456789"}})

	now := time.Unix(1700000000, 0).UTC()
	tok, err := a.Issue(now, "u1", RoleUser)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(tok, now); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_KeyRollover(t *testing.T) {
	old := newTestCodec(t, config.AuthConfig{Secrets: []string{"old-secret-0123456789"}})

	now := time.Unix(1700000000, 0).UTC()
	tok, err := old.Issue(now, "u1", RoleUser)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// After rollover the new secret signs but the old one still verifies.
	rolled := newTestCodec(t, config.AuthConfig{Secrets: []string{"new-secret-0123456789", "old-secret-0123456789"}})
	claims, err := rolled.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify after rollover: %v", err)
	}
	if claims.UserID != "u1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	fresh, err := rolled.Issue(now, "u2", RoleAdmin)
	if err != nil {
		t.Fatalf("issue after rollover: %v", err)
	}
	if _, err := rolled.Verify(fresh, now.Add(time.Minute)); err != nil {
		t.Fatalf("verify fresh: %v", err)
	}
	// A codec that only knows the old key must reject the new signature.
	if _, err := old.Verify(fresh, now.Add(time.Minute)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature from old codec, got %v", err)
	}
}

func TestNewKeyring_RejectsEmptyAndDuplicates(t *testing.T) {
	if _, err := NewKeyring(nil); err == nil {
		t.Fatalf("expected error for empty keyring")
	}
	if _, err := NewKeyring([]string{"same-secret-012345", "same-secret-012345"}); err == nil {
		t.Fatalf("expected error for duplicate secrets")
	}
}

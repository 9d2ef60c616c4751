package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/shellrelay/schema"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer, err := NewIssuer(key, schema.IdentityConfig{Issuer: "relay-test", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	return issuer
}

func TestNewIdentityShape(t *testing.T) {
	first, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if len(first) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%q)", len(first), first)
	}
	if strings.ToLower(string(first)) != string(first) {
		t.Fatalf("identity is not lowercase: %q", first)
	}
	second, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if first == second {
		t.Fatalf("two identities collided: %q", first)
	}
}

func TestIdentityForUserIsStable(t *testing.T) {
	issuer := newTestIssuer(t)
	a := issuer.IdentityForUser("alice")
	b := issuer.IdentityForUser("alice")
	if a != b {
		t.Fatalf("identity not stable: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	if other := issuer.IdentityForUser("bob"); other == a {
		t.Fatalf("different users share identity %s", a)
	}
}

func TestMintVerifyRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t)
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	token, err := issuer.Mint(id, schema.RoleClient)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	gotID, gotRole, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if gotID != id {
		t.Fatalf("identity mismatch: got %q want %q", gotID, id)
	}
	if gotRole != schema.RoleClient {
		t.Fatalf("role mismatch: got %q", gotRole)
	}

	opToken, err := issuer.Mint(id, schema.RoleOperator)
	if err != nil {
		t.Fatalf("mint operator: %v", err)
	}
	if _, gotRole, err = issuer.Verify(opToken); err != nil || gotRole != schema.RoleOperator {
		t.Fatalf("operator verify: role=%q err=%v", gotRole, err)
	}
}

func TestMintValidation(t *testing.T) {
	issuer := newTestIssuer(t)
	if _, err := issuer.Mint("", schema.RoleClient); err == nil {
		t.Fatalf("expected error for empty identity")
	}
	if _, err := issuer.Mint("c0ffee", schema.Role("admiral")); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestVerifyRejectsOtherKey(t *testing.T) {
	issuer := newTestIssuer(t)
	other := newTestIssuer(t)

	token, err := other.Mint("c0ffee", schema.RoleClient)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := issuer.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	minter, err := NewIssuer(key, schema.IdentityConfig{Issuer: "relay-a", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	verifier, err := NewIssuer(key, schema.IdentityConfig{Issuer: "relay-b", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	token, err := minter.Mint("c0ffee", schema.RoleClient)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := verifier.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer := newTestIssuer(t)
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return start }

	token, err := issuer.Mint("c0ffee", schema.RoleClient)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := issuer.Verify(token); err != nil {
		t.Fatalf("verify before expiry: %v", err)
	}

	issuer.now = func() time.Time { return start.Add(2 * time.Hour) }
	if _, _, err := issuer.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyRejectsTampered(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.Mint("c0ffee", schema.RoleClient)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", token)
	}
	if _, _, err := issuer.Verify(parts[0] + ".eyJzdWIiOiJldmlsIn0." + parts[2]); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if _, _, err := issuer.Verify(""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for empty token, got %v", err)
	}
}

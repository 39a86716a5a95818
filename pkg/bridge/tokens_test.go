package bridge

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, _, err := tm.Generate("sess_1", "bridge_1", []string{"terminal", "execute"}, true)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := tm.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.SessionID != "sess_1" || claims.BridgeID != "bridge_1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if !claims.BridgeAuth {
		t.Fatal("bridgeAuth flag lost")
	}
	if len(claims.Permissions) != 2 {
		t.Fatalf("permissions lost: %v", claims.Permissions)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager("secret-a", time.Hour)
	other := NewTokenManager("secret-b", time.Hour)

	token, _, err := tm.Generate("sess_1", "bridge_1", nil, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := other.Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenEmptyAndGarbage(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)
	if _, err := tm.Validate(""); err != ErrNoToken {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
	if _, err := tm.Validate("not.a.jwt"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestTokenRevocation(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, _, err := tm.Generate("sess_1", "bridge_1", nil, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := tm.Revoke(token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := tm.Validate(token); err != ErrRevokedToken {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}

	// A second token for the same session has a distinct id and stays
	// valid.
	fresh, _, err := tm.Generate("sess_1", "bridge_1", nil, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := tm.Validate(fresh); err != nil {
		t.Fatalf("fresh token should validate: %v", err)
	}
}

func TestTokenRevocationByID(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, id, err := tm.Generate("sess_1", "bridge_1", nil, false)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tm.RevokeID(id)
	if _, err := tm.Validate(token); err != ErrRevokedToken {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
}

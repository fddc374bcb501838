package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIdentifyRoundTrip(t *testing.T) {
	token, err := Mint([]byte("test-secret"), Identity{
		ID:          "u1",
		Username:    "alice",
		DisplayName: "Alice",
	}, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	id, err := Identify(token)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if id.ID != "u1" || id.Username != "alice" || id.Name() != "Alice" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.Expired() {
		t.Fatalf("fresh token reported expired")
	}
}

func TestIdentifyRejectsGarbage(t *testing.T) {
	if _, err := Identify("not-a-token"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected ErrMalformedToken, got %v", err)
	}
}

func TestIdentifyExpired(t *testing.T) {
	token, err := Mint([]byte("test-secret"), Identity{ID: "u1", Username: "alice"}, -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Identify does not validate expiry, it only reports it.
	id, err := Identify(token)
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if !id.Expired() {
		t.Fatalf("expected expired identity")
	}

	// Verify does reject it.
	if _, err := Verify([]byte("test-secret"), token); err == nil {
		t.Fatalf("expected verification failure for expired token")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := Mint([]byte("secret-a"), Identity{ID: "u1", Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := Verify([]byte("secret-b"), token); err == nil {
		t.Fatalf("expected verification failure")
	}
}

package devserver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	token, err := MintToken("secret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	userID, err := VerifyToken("secret", token)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if userID != "alice" {
		t.Errorf("Expected subject alice, got %s", userID)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	token, err := MintToken("secret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	if _, err := VerifyToken("other-secret", token); err == nil {
		t.Fatal("Expected verification to fail with the wrong secret")
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   "alice",
		IssuedAt:  time.Now().Add(-2 * time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	})
	token, err := expired.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}
	if _, err := VerifyToken("secret", token); err == nil {
		t.Fatal("Expected verification to fail for an expired token")
	}
}

func TestVerifyTokenWithoutSubject(t *testing.T) {
	anonymous := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	token, err := anonymous.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}
	if _, err := VerifyToken("secret", token); err == nil {
		t.Fatal("Expected verification to fail for a token with no subject")
	}
}

func TestVerifyTokenGarbage(t *testing.T) {
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := VerifyToken("secret", token); err == nil {
			t.Errorf("Expected verification to fail for %q", token)
		}
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", ""},
		{"Bearer ", ""},
		{"", ""},
		{"Basic abc123", ""},
		{"abc123", ""},
	}
	for _, tt := range tests {
		if got := bearerToken(tt.header); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

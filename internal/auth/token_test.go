package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenManager_IssueAndVerify(t *testing.T) {
	m := NewTokenManager([]byte("jwt-secret"), time.Hour)

	token, expiresAt, err := m.Issue("user-123")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("token should have 3 segments, got %q", token)
	}
	if d := time.Until(expiresAt); d < 59*time.Minute || d > time.Hour {
		t.Errorf("expiresAt = %v, want about 1h from now", expiresAt)
	}

	userID, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != "user-123" {
		t.Errorf("userID = %q, want %q", userID, "user-123")
	}
}

func TestTokenManager_DefaultTTL(t *testing.T) {
	m := NewTokenManager([]byte("s"), 0)
	_, expiresAt, err := m.Issue("u")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if d := time.Until(expiresAt); d < 47*time.Hour {
		t.Errorf("default TTL should be 48h, got %v", d)
	}
}

func TestTokenManager_Verify_Rejects(t *testing.T) {
	m := NewTokenManager([]byte("jwt-secret"), time.Hour)
	valid, _, _ := m.Issue("user-123")

	expired := NewTokenManager([]byte("jwt-secret"), time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _, _ := expired.Issue("user-123")

	otherSecret, _, _ := NewTokenManager([]byte("other"), time.Hour).Issue("user-123")

	foreignIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("jwt-secret"))

	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"tampered", valid + "x"},
		{"expired", expiredToken},
		{"other secret", otherSecret},
		{"foreign issuer", foreignIssuer},
		{"alg none", noneAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestTokenManager_Issue_EmptyUser(t *testing.T) {
	if _, _, err := NewTokenManager([]byte("s"), time.Hour).Issue(""); err == nil {
		t.Fatal("expected error for empty user ID")
	}
}

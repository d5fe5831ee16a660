package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("secret", "user-1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, _ := GenerateToken("secret", "user-1", time.Minute)
	if _, err := ParseToken("other", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	token, _ := GenerateToken("secret", "user-1", -time.Minute)
	if _, err := ParseToken("secret", token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

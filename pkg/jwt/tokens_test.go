package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	tok, err := GenerateToken("user-1", KindAccess, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(tok, "secret", KindAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", claims.UserID)
	}
}

func TestParseRejectsWrongKind(t *testing.T) {
	tok, _ := GenerateToken("user-1", KindRefresh, "secret", time.Minute)
	if _, err := Parse(tok, "secret", KindAccess); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
}

func TestParseRejectsExpiredAndForeignSecret(t *testing.T) {
	expired, _ := GenerateToken("user-1", KindAccess, "secret", -time.Minute)
	if _, err := Parse(expired, "secret", KindAccess); err == nil {
		t.Fatal("expected expired token to fail")
	}
	tok, _ := GenerateToken("user-1", KindAccess, "secret", time.Minute)
	if _, err := Parse(tok, "other", KindAccess); err == nil {
		t.Fatal("expected foreign secret to fail")
	}
}

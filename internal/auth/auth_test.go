package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestSignerGenerateAndValidate(t *testing.T) {
	s, err := NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	token, err := s.GenerateToken("ops-1", []string{"Admin", "viewer", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := s.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "ops-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.ID == "" {
		t.Fatalf("expected a token id")
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "admin") {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestSignerRejectsForeignAndExpiredTokens(t *testing.T) {
	s, _ := NewSigner("secret-a")
	other, _ := NewSigner("secret-b")

	token, err := other.GenerateToken("ops-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := s.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	issued := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return issued }
	expired, err := s.GenerateToken("ops-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	s.now = func() time.Time { return time.Now().UTC() }
	if _, err := s.ParseAndValidate(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("  "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "ops-7", []string{"Viewer", "viewer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "ops-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if err := Require(ctx, RoleViewer); err != nil {
		t.Fatalf("viewer should pass: %v", err)
	}
	if err := Require(ctx, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	admin := ContextWithUser(context.Background(), "root", []string{RoleAdmin})
	if err := Require(admin, RoleViewer); err != nil {
		t.Fatalf("admin should pass every check: %v", err)
	}
}

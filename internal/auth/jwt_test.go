package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestManager() *Manager {
	return NewManager(Config{
		SecretKey:           "test-secret-key",
		Issuer:              "test-issuer",
		AccessTokenDuration: 15 * time.Minute,
	})
}

func TestManager_GenerateAndValidate(t *testing.T) {
	m := newTestManager()

	token, err := m.GenerateAccessToken("doctor-1", "Dr. Ada", RoleDoctor)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := m.ValidateAccessToken(token)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.UserID != "doctor-1" {
		t.Errorf("claims.UserID = %v, want %v", claims.UserID, "doctor-1")
	}
	if claims.Role != RoleDoctor {
		t.Errorf("claims.Role = %v, want %v", claims.Role, RoleDoctor)
	}
	if claims.Issuer != "test-issuer" {
		t.Errorf("claims.Issuer = %v, want %v", claims.Issuer, "test-issuer")
	}
}

func TestManager_ExpiredToken(t *testing.T) {
	m := NewManager(Config{SecretKey: "k", AccessTokenDuration: -time.Minute})

	token, err := m.GenerateAccessToken("u1", "", RolePatient)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if _, err := m.ValidateAccessToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("ValidateAccessToken() error = %v, want %v", err, ErrExpiredToken)
	}
}

func TestManager_WrongSecret(t *testing.T) {
	token, _ := newTestManager().GenerateAccessToken("u1", "", RolePatient)
	other := NewManager(Config{SecretKey: "other", Issuer: "test-issuer"})

	if _, err := other.ValidateAccessToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateAccessToken() error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestManager_EmptyToken(t *testing.T) {
	if _, err := newTestManager().ValidateAccessToken(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("ValidateAccessToken(\"\") error = %v, want %v", err, ErrMissingToken)
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"bearer header", "/ws", "Bearer abc", "abc"},
		{"lowercase scheme", "/ws", "bearer abc", "abc"},
		{"query param", "/ws?token=xyz", "", "xyz"},
		{"header wins", "/ws?token=xyz", "Bearer abc", "abc"},
		{"basic auth ignored", "/ws", "Basic Zm9v", ""},
		{"nothing", "/ws", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Package auth validates the bearer tokens that authenticate both the
// real-time connection and the REST endpoints.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
)

// Roles of the dashboard users.
const (
	RoleAdmin         = "admin"
	RoleHospitalAdmin = "hospital_admin"
	RoleDoctor        = "doctor"
	RolePatient       = "patient"
)

const tokenTypeAccess = "access"

// Config holds JWT configuration.
type Config struct {
	SecretKey           string
	Issuer              string
	AccessTokenDuration time.Duration
}

// Claims are the custom claims carried by access tokens.
type Claims struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Manager signs and validates tokens.
type Manager struct {
	config Config
}

// NewManager creates a Manager with the given configuration.
func NewManager(config Config) *Manager {
	if config.AccessTokenDuration == 0 {
		config.AccessTokenDuration = 12 * time.Hour
	}
	return &Manager{config: config}
}

// GenerateAccessToken issues an access token. Login is handled elsewhere;
// this is used by tooling and tests.
func (m *Manager) GenerateAccessToken(userID, name, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		Name:      name,
		Role:      role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// ValidateAccessToken validates the token and returns its claims.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.config.SecretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.TokenType != tokenTypeAccess || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if m.config.Issuer != "" && claims.Issuer != m.config.Issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate extracts the bearer token from the Authorization header, or
// from the "token" query parameter for WebSocket upgrades, and validates it.
func (m *Manager) Authenticate(r *http.Request) (*Claims, error) {
	return m.ValidateAccessToken(TokenFromRequest(r))
}

// TokenFromRequest returns the bearer token of r, or "".
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

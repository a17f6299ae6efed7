// Package auth issues and validates the short-lived tokens that let a
// joined participant open a websocket. The hub core only depends on the
// TokenValidator interface; HS256 JWTs are one implementation of it.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired means the token was well formed but is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers bad signatures, wrong algorithms and missing claims.
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is what a validated token asserts about the connection.
type Claims struct {
	UserID      string
	SessionID   string
	DisplayName string
	ExpiresAt   time.Time
}

// TokenValidator checks a raw token string and returns its claims.
type TokenValidator interface {
	ValidateToken(token string) (*Claims, error)
}

// wireClaims is the JWT payload. Subject mirrors user_id so generic JWT
// tooling sees a sensible sub.
type wireClaims struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// JWTManager signs and validates HS256 tokens with a shared secret.
type JWTManager struct {
	secret []byte
}

// Ensure JWTManager implements TokenValidator
var _ TokenValidator = (*JWTManager)(nil)

// NewJWTManager creates a manager around the shared signing secret.
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{secret: []byte(secret)}
}

// Issue mints a token for a participant who just joined a session.
func (m *JWTManager) Issue(sessionID, userID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := wireClaims{
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token string.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &wireClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*wireClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing user or session claim", ErrTokenInvalid)
	}

	out := &Claims{
		UserID:      userID,
		SessionID:   claims.SessionID,
		DisplayName: claims.DisplayName,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

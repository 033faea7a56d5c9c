package stepup

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veridian-labs/stepfactor/internal/models"
)

// TokenManager mints and parses the short-lived tokens that let the HTTP
// boundary round-trip a challenge session id without cookies.
type TokenManager struct {
	secret []byte
	now    func() time.Time
}

func NewTokenManager(secret string) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenManager{secret: []byte(secret), now: time.Now}, nil
}

// Mint signs a token binding the challenge session id to its expiry.
func (tm *TokenManager) Mint(sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sid": sessionID,
		"iat": tm.now().Unix(),
		"exp": expiresAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge token: %w", err)
	}
	return signed, nil
}

// Parse validates the token and returns the session id it carries. Every
// refusal wraps models.ErrUnauthorized so callers can map it uniformly.
func (tm *TokenManager) Parse(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: invalid token: %v", models.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: malformed claims", models.ErrUnauthorized)
	}

	sid, _ := claims["sid"].(string)
	if sid == "" {
		return "", fmt.Errorf("%w: missing session id", models.ErrUnauthorized)
	}
	return sid, nil
}

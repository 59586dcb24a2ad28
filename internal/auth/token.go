// Package auth mints and verifies the short-lived tokens that admit a
// player into a session room.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/taleforge/taleforge/internal/errors"
)

// DefaultTTL bounds how long a session token stays valid.
const DefaultTTL = 4 * time.Hour

const (
	issuer   = "taleforge"
	audience = "taleforge-session"
)

// Claims captures the validated identity carried by a session token.
type Claims struct {
	PlayerID  string
	SessionID string
	ExpiresAt time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	PlayerID  string `json:"player_id"`
	SessionID string `json:"session_id"`
}

// Minter mints and verifies HMAC-signed session tokens.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewMinter creates a token minter. An empty secret generates an
// ephemeral one, so tokens do not survive a restart.
func NewMinter(secret string, ttl time.Duration) (*Minter, error) {
	key := []byte(strings.TrimSpace(secret))
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Minter{secret: key, ttl: ttl, now: time.Now}, nil
}

// Mint issues a token admitting the player into the session room.
func (m *Minter) Mint(playerID, sessionID string) (string, error) {
	if playerID == "" || sessionID == "" {
		return "", apperrors.New(apperrors.CodeTokenInvalid, "player id and session id are required")
	}
	now := m.now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        newTokenID(),
		},
		PlayerID:  playerID,
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and validates its claims.
func (m *Minter) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeTokenInvalid, "session token is required")
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, apperrors.Wrap(apperrors.CodeTokenExpired, "session token is expired", err)
		}
		return Claims{}, apperrors.Wrap(apperrors.CodeTokenInvalid, "session token is invalid", err)
	}
	if parsed.PlayerID == "" || parsed.SessionID == "" {
		return Claims{}, apperrors.New(apperrors.CodeTokenInvalid, "session token claims are incomplete")
	}
	claims := Claims{
		PlayerID:  parsed.PlayerID,
		SessionID: parsed.SessionID,
	}
	if parsed.ExpiresAt != nil {
		claims.ExpiresAt = parsed.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

func newTokenID() string {
	buffer := make([]byte, 16)
	_, _ = rand.Read(buffer)
	return base64.RawURLEncoding.EncodeToString(buffer)
}

package bridge

import (
	"crypto/rand"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = stderrors.New("no session token provided")
	ErrInvalidToken = stderrors.New("invalid session token")
	ErrExpiredToken = stderrors.New("session token has expired")
	ErrRevokedToken = stderrors.New("session token has been revoked")
)

// DefaultTokenTTL is how long a session token stays valid. Long-lived
// because the token only covers one paired session and is revoked on
// terminate.
const DefaultTokenTTL = 24 * time.Hour

// SessionClaims are the JWT claims minted for a paired session.
type SessionClaims struct {
	SessionID   string   `json:"session_id"`
	BridgeID    string   `json:"bridge_id"`
	Permissions []string `json:"permissions"`
	BridgeAuth  bool     `json:"bridge_auth"`
	jwt.RegisteredClaims
}

// TokenManager mints and validates session tokens so a reconnecting
// agent can prove it held the session without replaying a ticket.
type TokenManager struct {
	secretKey []byte
	ttl       time.Duration

	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewTokenManager creates a manager. An empty secret gets a random
// one, which means tokens do not survive a server restart.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{
		secretKey: key,
		ttl:       ttl,
		revoked:   make(map[string]time.Time),
	}
}

// Generate mints a token for a paired session. The returned id
// identifies this token for later revocation.
func (tm *TokenManager) Generate(sessionID, bridgeID string, permissions []string, bridgeAuth bool) (signed, id string, err error) {
	tokenID, err := generateTokenID()
	if err != nil {
		return "", "", fmt.Errorf("generate token id: %w", err)
	}

	now := time.Now()
	claims := &SessionClaims{
		SessionID:   sessionID,
		BridgeID:    bridgeID,
		Permissions: permissions,
		BridgeAuth:  bridgeAuth,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err = token.SignedString(tm.secretKey)
	if err != nil {
		return "", "", fmt.Errorf("sign token: %w", err)
	}
	return signed, tokenID, nil
}

// Validate parses and verifies a token.
func (tm *TokenManager) Validate(tokenString string) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	_, revoked := tm.revoked[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// Revoke invalidates a token, for session terminate.
func (tm *TokenManager) Revoke(tokenString string) error {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &SessionClaims{})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.ID == "" {
		return ErrInvalidToken
	}
	tm.RevokeID(claims.ID)
	return nil
}

// RevokeID invalidates the token with the given id without needing the
// signed string back.
func (tm *TokenManager) RevokeID(id string) {
	if id == "" {
		return
	}
	tm.mu.Lock()
	tm.revoked[id] = time.Now()
	tm.mu.Unlock()
}

// PruneRevoked drops revocation entries older than the token TTL,
// since the tokens they covered have expired anyway.
func (tm *TokenManager) PruneRevoked() int {
	cutoff := time.Now().Add(-tm.ttl)
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pruned := 0
	for id, at := range tm.revoked {
		if at.Before(cutoff) {
			delete(tm.revoked, id)
			pruned++
		}
	}
	return pruned
}

func generateTokenID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

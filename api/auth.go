package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator issues and verifies the bearer tokens that gate private
// endpoints and user:* websocket topics. HS256 with a shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

type claims struct {
	Address string `json:"address"`
	ChainID int64  `json:"chain_id"`
	jwt.RegisteredClaims
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// IssueToken mints a token binding the session to an address.
func (a *Authenticator) IssueToken(address string, chainID int64) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Address: address,
		ChainID: chainID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Subject:   address,
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// VerifyToken validates a token and returns the address it binds.
func (a *Authenticator) VerifyToken(tokenString string) (string, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || c.Address == "" {
		return "", fmt.Errorf("invalid token")
	}
	return c.Address, nil
}

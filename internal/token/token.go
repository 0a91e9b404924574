// Package token issues and verifies the session tokens of interactive users.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Issuer signs HS256 session tokens whose subject is an account ID.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. Tokens expire ttl after issuance.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for accountID.
func (i *Issuer) Issue(accountID string) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns its subject. Any failure, including a bad
// signature, another algorithm or an expired token, is models.ErrUnauthorized.
func (i *Issuer) Parse(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("%w: %v", models.ErrUnauthorized, errOrInvalid(err))
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return "", fmt.Errorf("%w: incomplete claims", models.ErrUnauthorized)
	}
	return claims.Subject, nil
}

func errOrInvalid(err error) error {
	if err != nil {
		return err
	}
	return errors.New("invalid token")
}

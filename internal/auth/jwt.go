package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims holds the JWT token payload issued to a cloud's visitors.
type Claims struct {
	jwt.RegisteredClaims
	// PasswordChanged is the cloud's password change time in Unix
	// microseconds when the token was issued, or 0 if never changed.
	PasswordChanged int64 `json:"pwd_changed"`
}

const tokenSubject = "admin"

var (
	// ErrNoKeyMaterial is returned when a guard has no signing secret.
	ErrNoKeyMaterial = errors.New("auth: no key material")
	// ErrInvalidSignature covers malformed tokens, bad signatures and
	// unexpected algorithms.
	ErrInvalidSignature = errors.New("auth: invalid token signature")
	// ErrExpired is returned for tokens past their exp claim.
	ErrExpired = errors.New("auth: token expired")
	// ErrStale is returned when the password changed after the token was issued.
	ErrStale = errors.New("auth: token issued before password change")
)

func issueToken(secret []byte, issuer string, changedAt time.Time, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tokenSubject,
			Issuer:    issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PasswordChanged: changedMicros(changedAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth.issueToken: %w", err)
	}

	return signed, nil
}

func parseToken(secret []byte, tokenString string, now time.Time) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth.parseToken: %w", ErrExpired)
		}
		return nil, fmt.Errorf("auth.parseToken: %w", ErrInvalidSignature)
	}

	if !token.Valid {
		return nil, fmt.Errorf("auth.parseToken: %w", ErrInvalidSignature)
	}

	return claims, nil
}

func changedMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

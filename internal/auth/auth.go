// Package auth resolves the calling account from an HS256 bearer token.
//
// Tokens are issued by the identity provider; the subject claim carries the
// account ID. This package only verifies them (and mints them for local tools).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mbd888/trustgate/internal/validation"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

const (
	// DefaultIssuer is the iss claim expected on caller tokens.
	DefaultIssuer = "trustgate"
	// DefaultTTL is the lifetime of tokens minted by Issue.
	DefaultTTL = time.Hour
)

// Claims is the token payload. Subject is the account ID.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates and issues caller tokens.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
}

// WithIssuer overrides the expected issuer.
func (v *Verifier) WithIssuer(iss string) *Verifier {
	v.issuer = iss
	return v
}

// WithTTL sets the lifetime of issued tokens.
func (v *Verifier) WithTTL(ttl time.Duration) *Verifier {
	v.ttl = ttl
	return v
}

// Issue mints a token for accountID.
func (v *Verifier) Issue(accountID string) (string, error) {
	if !validation.IsValidAccountID(accountID) {
		return "", fmt.Errorf("issue token: malformed account id %q", accountID)
	}
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses raw and returns the account ID it was issued for.
func (v *Verifier) Verify(raw string) (string, error) {
	if raw == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !validation.IsValidAccountID(claims.Subject) {
		return "", fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

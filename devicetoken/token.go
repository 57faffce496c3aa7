// Package devicetoken issues and verifies the signed anonymous device
// tokens that back the free-tier device quota. Tokens are HS256 JWTs whose
// subject is the device id; clients store them opaquely and replay them on
// later requests.
package devicetoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meterline/creditgate"
)

// ErrInvalidToken is returned by Verify for tokens that are malformed,
// tampered with, expired, or signed with the wrong key.
var ErrInvalidToken = errors.New("devicetoken: invalid token")

// DefaultTTL bounds how long an issued token verifies. Quota state lives
// server-side; expiry only forces rotation of long-lived tokens.
const DefaultTTL = 90 * 24 * time.Hour

const defaultIssuer = "creditgate"

// Issuer signs and verifies device tokens with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

var _ creditgate.TokenIssuer = (*Issuer)(nil)

// Option configures Issuer.
type Option func(*Issuer)

// WithTTL sets the token lifetime (default 90 days).
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) { i.ttl = ttl }
}

// WithIssuerName sets the iss claim (default "creditgate").
func WithIssuerName(name string) Option {
	return func(i *Issuer) { i.issuer = name }
}

// New creates an Issuer with the given signing secret.
func New(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("devicetoken: secret is empty")
	}

	i := &Issuer{secret: secret}
	for _, opt := range opts {
		opt(i)
	}
	if i.ttl <= 0 {
		i.ttl = DefaultTTL
	}
	if i.issuer == "" {
		i.issuer = defaultIssuer
	}
	return i, nil
}

// Issue creates a signed token for a device id.
func (i *Issuer) Issue(deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("devicetoken: device id is empty")
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("devicetoken: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and claims and returns the device id and the
// time the token was issued. Any failure reports ErrInvalidToken.
func (i *Issuer) Verify(token string) (string, time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", time.Time{}, ErrInvalidToken
	}

	var issuedAt time.Time
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return claims.Subject, issuedAt, nil
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnknownKey is returned when a token names a kid this signer does not hold.
	ErrUnknownKey = errors.New("token signed with unknown key")
	// ErrInvalidToken wraps every other parse or validation failure.
	ErrInvalidToken = errors.New("invalid token")
)

// JWTSigner signs and verifies RS256 tokens with a single signing key.
type JWTSigner struct {
	Key    *SigningKey
	Issuer string
	// Now overrides the clock used for expiry checks; nil means time.Now.
	Now func() time.Time
}

func (s JWTSigner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue signs the claims as a compact JWS with the signer's kid in the header.
func (s JWTSigner) Issue(claims jwt.MapClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.Key.KeyID
	signed, err := t.SignedString(s.Key.Key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, issuer and expiry and returns the claims.
func (s JWTSigner) Parse(token string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{SigningAlgorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.Key.KeyID {
			return nil, ErrUnknownKey
		}
		return &s.Key.Key.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !t.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

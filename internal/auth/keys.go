package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// SigningAlgorithm is the JWS algorithm used for every token this server signs.
const SigningAlgorithm = "RS256"

const generatedKeyBits = 2048

// SigningKey is the RSA key used to sign access and ID tokens.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       *rsa.PrivateKey
	CreatedAt time.Time
}

// LoadSigningKey reads an RSA private key from a PEM file (PKCS1 or PKCS8).
func LoadSigningKey(path string) (*SigningKey, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("decode signing key: no PEM block found")
	}

	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		k, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key must be RSA, got %T", parsed)
		}
		key = k
	}
	return NewSigningKey(key)
}

// GenerateSigningKey creates an ephemeral RSA key. Tokens signed with it stop
// validating once the process restarts.
func GenerateSigningKey() (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, generatedKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return NewSigningKey(key)
}

// NewSigningKey wraps an RSA key, deriving its kid from the RFC 7638 thumbprint.
func NewSigningKey(key *rsa.PrivateKey) (*SigningKey, error) {
	kid, err := deriveKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SigningKey{
		KeyID:     kid,
		Algorithm: SigningAlgorithm,
		Key:       key,
		CreatedAt: time.Now(),
	}, nil
}

func deriveKeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// PublicJWKS returns the key set published at the JWKS endpoint.
func PublicJWKS(keys ...*SigningKey) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.Key.PublicKey,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}
	return set
}

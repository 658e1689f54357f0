// Package resource is the protected pizza API: bearer token validation
// against the authorization server's published keys, authority checks, and
// the HTTP and gRPC surfaces that serve the menu.
package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

var (
	ErrNoToken      = errors.New("no bearer token provided")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrUnknownKey   = errors.New("signing key not found")
)

const (
	// DefaultFetchTimeout bounds a single JWKS download.
	DefaultFetchTimeout = 10 * time.Second
	registerTimeout     = 5 * time.Second
)

// KeySource resolves the public key for a token's kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// RemoteKeys is a KeySource backed by an auto-refreshing JWKS cache.
type RemoteKeys struct {
	url    string
	client *http.Client
	cache  *jwk.Cache

	mu         sync.Mutex
	registered bool
}

// NewRemoteKeys creates the cache. The URL is registered lazily on first
// use, or eagerly by Warm.
func NewRemoteKeys(ctx context.Context, url string, client *http.Client) (*RemoteKeys, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}
	return &RemoteKeys{url: url, client: client, cache: cache}, nil
}

func (r *RemoteKeys) register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	if err := r.cache.Register(ctx, r.url); err != nil {
		return fmt.Errorf("register jwks url: %w", err)
	}
	r.registered = true
	return nil
}

// Warm waits for the JWKS endpoint to answer, retrying with exponential
// backoff for up to maxElapsed, then registers it with the cache. notify
// may be nil.
func (r *RemoteKeys) Warm(ctx context.Context, maxElapsed time.Duration, notify func(error, time.Duration)) error {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(maxElapsed),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	_, err := backoff.Retry(ctx, func() (jwk.Set, error) {
		return jwk.Fetch(ctx, r.url, jwk.WithHTTPClient(r.client))
	}, opts...)
	if err != nil {
		return fmt.Errorf("fetch jwks from %s: %w", r.url, err)
	}
	return r.register(ctx)
}

// Key looks kid up in the cached set. An unknown kid forces one refresh so
// a rotated signing key is picked up without waiting for the next poll.
func (r *RemoteKeys) Key(ctx context.Context, kid string) (any, error) {
	if err := r.register(ctx); err != nil {
		return nil, err
	}
	set, err := r.cache.Lookup(ctx, r.url)
	if err != nil {
		return nil, fmt.Errorf("lookup jwks: %w", err)
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		if set, err = r.cache.Refresh(ctx, r.url); err != nil {
			return nil, fmt.Errorf("refresh jwks: %w", err)
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
		}
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export jwk: %w", err)
	}
	return raw, nil
}

// Validator checks RS256 bearer tokens: signature against the key source,
// issuer, and expiry with a configurable clock skew.
type Validator struct {
	keys   KeySource
	issuer string
	skew   time.Duration
	now    func() time.Time
}

type ValidatorOption func(*Validator)

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func NewValidator(keys KeySource, issuer string, skew time.Duration, opts ...ValidatorOption) *Validator {
	v := &Validator{keys: keys, issuer: issuer, skew: skew, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate returns the claims of a valid token. Failures wrap
// ErrTokenExpired or ErrInvalidToken.
func (v *Validator) Validate(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.keys.Key(ctx, kid)
	}, opts...)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}

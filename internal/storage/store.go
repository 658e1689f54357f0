package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/models"
)

var (
	// ErrCodeNotFound is returned when an authorization code is unknown or already consumed.
	ErrCodeNotFound = errors.New("authorization code not found")
	// ErrRefreshNotFound is returned when a refresh token is unknown or already consumed.
	ErrRefreshNotFound = errors.New("refresh token not found")
	// ErrSessionNotFound is returned when a login session cannot be located.
	ErrSessionNotFound = errors.New("session not found")
)

// GrantStore holds the short-lived authorization server state. Consume
// operations are atomic: of any number of concurrent calls for the same
// value, at most one returns it.
//
// Expiry is the caller's concern; stores may return an expired entry so the
// caller can tell "expired" apart from "unknown".
type GrantStore interface {
	SaveAuthorizationCode(ctx context.Context, c *models.AuthorizationCode) error
	ConsumeAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error)

	SaveRefreshToken(ctx context.Context, rt *models.RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)

	SaveSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	Close() error
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.Storage) (GrantStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(DefaultSweepInterval), nil
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// fingerprint keys secrets at rest so the raw code or token never appears
// as a map key or Redis key.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func cloneCode(c *models.AuthorizationCode) *models.AuthorizationCode {
	cp := *c
	cp.Scopes = append([]string(nil), c.Scopes...)
	return &cp
}

func cloneRefresh(rt *models.RefreshToken) *models.RefreshToken {
	cp := *rt
	cp.Scopes = append([]string(nil), rt.Scopes...)
	return &cp
}

func cloneSession(s *models.Session) *models.Session {
	cp := *s
	if s.Pending != nil {
		p := *s.Pending
		p.Scopes = append([]string(nil), s.Pending.Scopes...)
		cp.Pending = &p
	}
	return &cp
}

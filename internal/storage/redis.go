package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orvull/pizza-oauth/internal/config"
	"github.com/orvull/pizza-oauth/internal/models"
)

const (
	codeKeyPrefix    = "code:"
	refreshKeyPrefix = "refresh:"
	sessionKeyPrefix = "session:"

	// minTTL stops already-expired entries from being written without a TTL.
	minTTL = time.Second

	DefaultDialTimeout = 5 * time.Second
)

// RedisStore is a GrantStore shared by every authorization server replica.
// Values are JSON documents with a TTL slightly past their expiry; consumption
// uses GETDEL so a code or refresh token is handed out at most once.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg config.Redis) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("invalid redis configuration: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: DefaultDialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisWithClient wraps a pre-configured client, e.g. one pointed at miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(kind, id string) string {
	return s.keyPrefix + kind + id
}

func (s *RedisStore) ttl(expiresAt time.Time) time.Duration {
	return max(expiresAt.Sub(s.now())+sweepGrace, minTTL)
}

func (s *RedisStore) put(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, s.ttl(expiresAt)).Err()
}

// take atomically reads and deletes key into v.
func (s *RedisStore) take(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) SaveAuthorizationCode(ctx context.Context, c *models.AuthorizationCode) error {
	return s.put(ctx, s.key(codeKeyPrefix, fingerprint(c.Code)), c, c.ExpiresAt)
}

func (s *RedisStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	var c models.AuthorizationCode
	if err := s.take(ctx, s.key(codeKeyPrefix, fingerprint(code)), &c, ErrCodeNotFound); err != nil {
		return nil, err
	}
	c.Code = code
	return &c, nil
}

func (s *RedisStore) SaveRefreshToken(ctx context.Context, rt *models.RefreshToken) error {
	return s.put(ctx, s.key(refreshKeyPrefix, fingerprint(rt.Token)), rt, rt.ExpiresAt)
}

func (s *RedisStore) ConsumeRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	var rt models.RefreshToken
	if err := s.take(ctx, s.key(refreshKeyPrefix, fingerprint(token)), &rt, ErrRefreshNotFound); err != nil {
		return nil, err
	}
	rt.Token = token
	return &rt, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	return s.put(ctx, s.key(sessionKeyPrefix, sess.ID), sess, sess.ExpiresAt)
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.key(sessionKeyPrefix, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(sessionKeyPrefix, id)).Err()
}

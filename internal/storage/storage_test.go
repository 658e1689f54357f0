package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orvull/pizza-oauth/internal/models"
)

type backend struct {
	name string
	new  func(t *testing.T) GrantStore
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) GrantStore {
			s := NewMemory(0)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"redis", func(t *testing.T) GrantStore {
			mr := miniredis.RunT(t)
			s := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func sampleCode(code string) *models.AuthorizationCode {
	now := time.Now().Truncate(time.Second)
	return &models.AuthorizationCode{
		Code:          code,
		ClientID:      "pizza-client",
		RedirectURI:   "http://localhost:5173/callback",
		Scopes:        []string{"openid", "api.read"},
		Subject:       "user",
		Nonce:         "n-1",
		CodeChallenge: "abc",
		AuthTime:      now,
		IssuedAt:      now,
		ExpiresAt:     now.Add(5 * time.Minute),
	}
}

func sampleRefresh(token string) *models.RefreshToken {
	now := time.Now().Truncate(time.Second)
	return &models.RefreshToken{
		ID:        "rt-1",
		Token:     token,
		ClientID:  "pizza-client",
		Subject:   "user",
		Scopes:    []string{"openid"},
		AuthTime:  now,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func TestAuthorizationCodeConsumedOnce(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := b.new(t)

			want := sampleCode("code-1")
			require.NoError(t, s.SaveAuthorizationCode(ctx, want))

			got, err := s.ConsumeAuthorizationCode(ctx, "code-1")
			require.NoError(t, err)
			assert.Equal(t, want.Code, got.Code)
			assert.Equal(t, want.ClientID, got.ClientID)
			assert.Equal(t, want.Scopes, got.Scopes)
			assert.Equal(t, want.Nonce, got.Nonce)
			assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

			_, err = s.ConsumeAuthorizationCode(ctx, "code-1")
			assert.ErrorIs(t, err, ErrCodeNotFound)

			_, err = s.ConsumeAuthorizationCode(ctx, "never-issued")
			assert.ErrorIs(t, err, ErrCodeNotFound)
		})
	}
}

func TestRefreshTokenConsumedOnce(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := b.new(t)

			require.NoError(t, s.SaveRefreshToken(ctx, sampleRefresh("rt-A")))

			got, err := s.ConsumeRefreshToken(ctx, "rt-A")
			require.NoError(t, err)
			assert.Equal(t, "rt-A", got.Token)
			assert.Equal(t, "user", got.Subject)

			_, err = s.ConsumeRefreshToken(ctx, "rt-A")
			assert.ErrorIs(t, err, ErrRefreshNotFound)
		})
	}
}

func TestConcurrentConsumeHasSingleWinner(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := b.new(t)
			require.NoError(t, s.SaveAuthorizationCode(ctx, sampleCode("race")))
			require.NoError(t, s.SaveRefreshToken(ctx, sampleRefresh("race")))

			var codeWins, refreshWins atomic.Int32
			var wg sync.WaitGroup
			for range 16 {
				wg.Add(2)
				go func() {
					defer wg.Done()
					if _, err := s.ConsumeAuthorizationCode(ctx, "race"); err == nil {
						codeWins.Add(1)
					}
				}()
				go func() {
					defer wg.Done()
					if _, err := s.ConsumeRefreshToken(ctx, "race"); err == nil {
						refreshWins.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), codeWins.Load())
			assert.Equal(t, int32(1), refreshWins.Load())
		})
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := b.new(t)

			sess := &models.Session{
				ID:        "sid",
				Username:  "user",
				AuthTime:  time.Now().Truncate(time.Second),
				ExpiresAt: time.Now().Add(30 * time.Minute).Truncate(time.Second),
				Pending: &models.AuthorizationRequest{
					ClientID: "pizza-client",
					Scopes:   []string{"openid"},
					State:    "xyz",
				},
			}
			require.NoError(t, s.SaveSession(ctx, sess))

			got, err := s.GetSession(ctx, "sid")
			require.NoError(t, err)
			assert.Equal(t, "user", got.Username)
			require.NotNil(t, got.Pending)
			assert.Equal(t, "xyz", got.Pending.State)

			// reads are repeatable, unlike consumption
			_, err = s.GetSession(ctx, "sid")
			require.NoError(t, err)

			require.NoError(t, s.DeleteSession(ctx, "sid"))
			_, err = s.GetSession(ctx, "sid")
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestMemoryCopiesOnReadAndWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory(0)

	c := sampleCode("c")
	require.NoError(t, s.SaveAuthorizationCode(ctx, c))
	c.Scopes[0] = "mutated"

	got, err := s.ConsumeAuthorizationCode(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "openid", got.Scopes[0])
}

func TestMemorySweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	s := NewMemory(0, WithClock(func() time.Time { return now }))

	expired := sampleCode("old")
	expired.ExpiresAt = now.Add(-2 * time.Minute)
	require.NoError(t, s.SaveAuthorizationCode(ctx, expired))

	justExpired := sampleCode("recent")
	justExpired.ExpiresAt = now.Add(-time.Second)
	require.NoError(t, s.SaveAuthorizationCode(ctx, justExpired))

	require.NoError(t, s.SaveRefreshToken(ctx, sampleRefresh("live")))

	assert.Equal(t, 1, s.Sweep())

	_, err := s.ConsumeAuthorizationCode(ctx, "old")
	assert.ErrorIs(t, err, ErrCodeNotFound)
	got, err := s.ConsumeAuthorizationCode(ctx, "recent")
	require.NoError(t, err, "recently expired codes stay visible so they can be reported as expired")
	assert.True(t, got.ExpiresAt.Before(now))
}

func TestMemoryCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewMemory(10 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestRedisKeysAreHashedAndExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "pizza:")
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SaveRefreshToken(ctx, sampleRefresh("secret-token")))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "pizza:refresh:"+fingerprint("secret-token"), keys[0])
	assert.NotContains(t, keys[0], "secret-token")
	assert.Greater(t, mr.TTL(keys[0]), time.Hour)

	mr.FastForward(2 * time.Hour)
	_, err := s.ConsumeRefreshToken(ctx, "secret-token")
	assert.ErrorIs(t, err, ErrRefreshNotFound)
}

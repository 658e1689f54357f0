// internal/storage/memory.go
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/orvull/pizza-oauth/internal/models"
)

// DefaultSweepInterval is how often the memory store drops expired entries.
const DefaultSweepInterval = time.Minute

// sweepGrace keeps expired entries around long enough for callers to report
// them as expired rather than unknown.
const sweepGrace = time.Minute

// memoryStore is a thread-safe in-memory GrantStore suitable for tests and
// single-instance deployments. Use the Redis store when running replicas.
type memoryStore struct {
	mu sync.RWMutex

	codes    map[string]*models.AuthorizationCode // key: fingerprint of the code
	refresh  map[string]*models.RefreshToken      // key: fingerprint of the token
	sessions map[string]*models.Session

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type MemoryOption func(*memoryStore)

// WithClock overrides the clock used when sweeping expired entries.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *memoryStore) { m.now = now }
}

// NewMemory creates an empty in-memory store. When sweep is positive a
// background goroutine drops expired entries every sweep interval until
// Close is called.
func NewMemory(sweep time.Duration, opts ...MemoryOption) *memoryStore {
	m := &memoryStore{
		codes:    make(map[string]*models.AuthorizationCode),
		refresh:  make(map[string]*models.RefreshToken),
		sessions: make(map[string]*models.Session),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if sweep > 0 {
		go m.sweepLoop(sweep)
	} else {
		close(m.done)
	}
	return m
}

// ---------- Authorization codes ----------

func (m *memoryStore) SaveAuthorizationCode(_ context.Context, c *models.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[fingerprint(c.Code)] = cloneCode(c)
	return nil
}

func (m *memoryStore) ConsumeAuthorizationCode(_ context.Context, code string) (*models.AuthorizationCode, error) {
	key := fingerprint(code)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[key]
	if !ok {
		return nil, ErrCodeNotFound
	}
	delete(m.codes, key)
	out := cloneCode(c)
	out.Code = code
	return out, nil
}

// ---------- Refresh tokens ----------

func (m *memoryStore) SaveRefreshToken(_ context.Context, rt *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[fingerprint(rt.Token)] = cloneRefresh(rt)
	return nil
}

func (m *memoryStore) ConsumeRefreshToken(_ context.Context, token string) (*models.RefreshToken, error) {
	key := fingerprint(token)
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refresh[key]
	if !ok {
		return nil, ErrRefreshNotFound
	}
	delete(m.refresh, key)
	out := cloneRefresh(rt)
	out.Token = token
	return out, nil
}

// ---------- Sessions ----------

func (m *memoryStore) SaveSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *memoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// ---------- Housekeeping ----------

// Sweep drops every entry that expired more than a minute ago and reports
// how many were removed.
func (m *memoryStore) Sweep() int {
	cutoff := m.now().Add(-sweepGrace)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, c := range m.codes {
		if c.ExpiresAt.Before(cutoff) {
			delete(m.codes, k)
			n++
		}
	}
	for k, rt := range m.refresh {
		if rt.ExpiresAt.Before(cutoff) {
			delete(m.refresh, k)
			n++
		}
	}
	for k, s := range m.sessions {
		if s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, k)
			n++
		}
	}
	return n
}

func (m *memoryStore) sweepLoop(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (m *memoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

package session

import (
	"context"
	"time"

	"warden/internal/cache"
)

// Store persists sessions keyed by client IP. Implementations must be
// safe for concurrent use and must not hold internal locks across I/O.
type Store interface {
	// Get returns the session for ip, or ok=false when none is tracked.
	Get(ctx context.Context, ip string) (*Session, bool, error)
	// Put stores or replaces the session under its IP.
	Put(ctx context.Context, sess *Session) error
	// Delete removes the session for ip.
	Delete(ctx context.Context, ip string) error
	// IPs lists the tracked client IPs.
	IPs(ctx context.Context) ([]string, error)
	// Count returns the number of tracked sessions.
	Count(ctx context.Context) int
	// Sweep drops expired sessions and returns the IPs it removed.
	Sweep(ctx context.Context) []string
	// Close releases store resources.
	Close() error
}

// MemoryStore keeps sessions in a size-bounded in-process cache. The idle
// timeout rides on the cache TTL: every Put restarts the entry's clock,
// so an entry expires only after the session goes quiet.
type MemoryStore struct {
	sessions *cache.Cache[*Session]
}

// NewMemoryStore builds a store bounded to maxSessions entries, expiring
// sessions idle longer than timeout.
func NewMemoryStore(maxSessions int, timeout time.Duration) (*MemoryStore, error) {
	c, err := cache.New[*Session](maxSessions, timeout)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{sessions: c}, nil
}

func (m *MemoryStore) Get(_ context.Context, ip string) (*Session, bool, error) {
	sess, ok := m.sessions.Get(ip)
	return sess, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, sess *Session) error {
	m.sessions.Set(sess.IP, sess)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ip string) error {
	m.sessions.Delete(ip)
	return nil
}

func (m *MemoryStore) IPs(_ context.Context) ([]string, error) {
	return m.sessions.Keys(), nil
}

func (m *MemoryStore) Count(_ context.Context) int {
	return m.sessions.Len()
}

// Sweep removes idle sessions. The cache reports how many entries it
// dropped; the removed IPs are the keys that no longer resolve.
func (m *MemoryStore) Sweep(_ context.Context) []string {
	keys := m.sessions.Keys()
	if m.sessions.Sweep(time.Now()) == 0 {
		return nil
	}
	var removed []string
	for _, ip := range keys {
		if _, ok := m.sessions.Get(ip); !ok {
			removed = append(removed, ip)
		}
	}
	return removed
}

func (m *MemoryStore) Close() error {
	m.sessions.Purge()
	return nil
}

// Metrics exposes the underlying cache counters for the stats endpoint.
func (m *MemoryStore) Metrics() cache.Metrics {
	return m.sessions.Metrics()
}

package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Manager fronts a Store with the read-modify-write cycle the detection
// pipeline needs per request, and runs the periodic expiry sweep.
type Manager struct {
	store           Store
	timeout         time.Duration
	cleanupInterval time.Duration
	onExpire        func(ips []string)
	expired         atomic.Int64
}

// Stats summarizes session tracking for the stats endpoint.
type Stats struct {
	ActiveSessions int   `json:"activeSessions"`
	ExpiredTotal   int64 `json:"expiredTotal"`
}

// NewManager wraps store. cleanupInterval controls how often Run sweeps
// idle sessions.
func NewManager(store Store, timeout, cleanupInterval time.Duration) *Manager {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &Manager{
		store:           store,
		timeout:         timeout,
		cleanupInterval: cleanupInterval,
	}
}

// OnExpire registers a callback invoked with the IPs each sweep removed.
func (m *Manager) OnExpire(fn func(ips []string)) {
	m.onExpire = fn
}

// Run sweeps expired sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	slog.Info("session manager started",
		"timeout", m.timeout,
		"cleanupInterval", m.cleanupInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("session manager stopping")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	removed := m.store.Sweep(ctx)
	if len(removed) == 0 {
		return
	}
	m.expired.Add(int64(len(removed)))
	slog.Debug("sessions expired", "count", len(removed))
	if m.onExpire != nil {
		m.onExpire(removed)
	}
}

// Track records one request against the session for ip, creating the
// session on first sight, and returns the updated snapshot.
func (m *Manager) Track(ctx context.Context, ip string, entry RequestLog) (Snapshot, error) {
	sess, ok, err := m.store.Get(ctx, ip)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		sess = NewSession(ip)
	}

	sess.Touch(entry)
	if err := m.store.Put(ctx, sess); err != nil {
		return Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// TagFingerprint attaches a header signature to an existing session.
func (m *Manager) TagFingerprint(ctx context.Context, ip, signature string) error {
	sess, ok, err := m.store.Get(ctx, ip)
	if err != nil || !ok {
		return err
	}
	sess.TagFingerprint(signature)
	return m.store.Put(ctx, sess)
}

// RecordScore appends a suspicion score to an existing session's history.
func (m *Manager) RecordScore(ctx context.Context, ip string, score float64) error {
	sess, ok, err := m.store.Get(ctx, ip)
	if err != nil || !ok {
		return err
	}
	sess.RecordScore(score)
	return m.store.Put(ctx, sess)
}

// Get returns a snapshot of the session for ip, if one is tracked.
func (m *Manager) Get(ctx context.Context, ip string) (Snapshot, bool) {
	sess, ok, err := m.store.Get(ctx, ip)
	if err != nil || !ok {
		return Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// Delete drops the session for ip.
func (m *Manager) Delete(ctx context.Context, ip string) error {
	return m.store.Delete(ctx, ip)
}

// Count returns the number of tracked sessions.
func (m *Manager) Count(ctx context.Context) int {
	return m.store.Count(ctx)
}

// Stats reports tracking counters.
func (m *Manager) Stats(ctx context.Context) Stats {
	return Stats{
		ActiveSessions: m.store.Count(ctx),
		ExpiredTotal:   m.expired.Load(),
	}
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

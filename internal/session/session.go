// Package session tracks per-IP request history for the behavioral
// analyzer. Each client IP gets one session holding a bounded ring of
// recent requests, the fingerprints seen for that IP, and its suspicion
// score history.
package session

import (
	"sort"
	"sync"
	"time"
)

const (
	// maxRequestLog bounds the per-session request ring.
	maxRequestLog = 100
	// maxScoreHistory bounds the per-session suspicion score history.
	maxScoreHistory = 50
)

// RequestLog is one observed request in a session's ring. Headers holds
// a small allowlisted subset, sanitized before it reaches the store.
type RequestLog struct {
	Timestamp time.Time         `json:"timestamp"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	UserAgent string            `json:"userAgent"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// ScorePoint is one suspicion score observation.
type ScorePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}

// Session is the mutable per-IP tracking state. All mutation goes through
// methods holding the session's own lock; readers use Snapshot.
type Session struct {
	mu sync.RWMutex

	IP           string
	FirstSeen    time.Time
	LastSeen     time.Time
	RequestCount int
	Requests     []RequestLog
	Fingerprints map[string]bool
	ScoreHistory []ScorePoint
}

// NewSession creates a session for the given client IP.
func NewSession(ip string) *Session {
	now := time.Now()
	return &Session{
		IP:           ip,
		FirstSeen:    now,
		LastSeen:     now,
		Fingerprints: make(map[string]bool),
	}
}

// Touch records one request, advancing LastSeen and trimming the ring to
// its bound.
func (s *Session) Touch(entry RequestLog) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = entry.Timestamp
	}
	if entry.Timestamp.After(s.LastSeen) {
		s.LastSeen = entry.Timestamp
	}
	s.RequestCount++
	s.Requests = append(s.Requests, entry)
	for len(s.Requests) > maxRequestLog {
		s.Requests = s.Requests[1:]
	}
}

// TagFingerprint records a header signature observed for this IP.
func (s *Session) TagFingerprint(signature string) {
	if signature == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fingerprints[signature] = true
}

// RecordScore appends a suspicion score observation, trimming history to
// its bound.
func (s *Session) RecordScore(score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ScoreHistory = append(s.ScoreHistory, ScorePoint{Timestamp: time.Now(), Score: score})
	for len(s.ScoreHistory) > maxScoreHistory {
		s.ScoreHistory = s.ScoreHistory[1:]
	}
}

// IdleTime returns how long since the last observed request.
func (s *Session) IdleTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastSeen)
}

// Snapshot holds an immutable copy of a session for analyzers and the
// control API.
type Snapshot struct {
	IP           string       `json:"ip"`
	FirstSeen    time.Time    `json:"firstSeen"`
	LastSeen     time.Time    `json:"lastSeen"`
	RequestCount int          `json:"requestCount"`
	Requests     []RequestLog `json:"requests"`
	Fingerprints []string     `json:"fingerprints"`
	ScoreHistory []ScorePoint `json:"scoreHistory,omitempty"`
}

// Snapshot returns a deep copy safe to read without holding the session
// lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		IP:           s.IP,
		FirstSeen:    s.FirstSeen,
		LastSeen:     s.LastSeen,
		RequestCount: s.RequestCount,
		Requests:     make([]RequestLog, len(s.Requests)),
		Fingerprints: make([]string, 0, len(s.Fingerprints)),
		ScoreHistory: make([]ScorePoint, len(s.ScoreHistory)),
	}
	copy(snap.Requests, s.Requests)
	copy(snap.ScoreHistory, s.ScoreHistory)
	for fp := range s.Fingerprints {
		snap.Fingerprints = append(snap.Fingerprints, fp)
	}
	sort.Strings(snap.Fingerprints)
	return snap
}

package health

import (
	"sync"
	"time"
)

// recentWindow bounds how far back RecentCount can look and how many
// timestamps the recorder retains.
const (
	recentWindow   = 5 * time.Minute
	maxRecentMarks = 4096
)

// Recorder accumulates pipeline errors by kind. It is the process-wide
// error sink the coordinator reports into and the monitor reads from.
type Recorder struct {
	mu        sync.Mutex
	counts    map[Kind]uint64
	lastSeen  map[Kind]time.Time
	lastError map[Kind]string
	recent    []time.Time
	total     uint64

	// onRecord, when set, is invoked outside the lock for every error.
	onRecord func(kind Kind, err error)
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counts:    make(map[Kind]uint64),
		lastSeen:  make(map[Kind]time.Time),
		lastError: make(map[Kind]string),
	}
}

// OnRecord registers a hook called for every recorded error, e.g. to
// publish errorEvent on the bus. Must be set before concurrent use.
func (r *Recorder) OnRecord(fn func(kind Kind, err error)) {
	r.onRecord = fn
}

// Record notes one failure of the given kind.
func (r *Recorder) Record(kind Kind, err error) {
	now := time.Now()

	r.mu.Lock()
	r.counts[kind]++
	r.lastSeen[kind] = now
	if err != nil {
		r.lastError[kind] = err.Error()
	}
	r.total++
	r.recent = append(r.recent, now)
	r.pruneLocked(now)
	hook := r.onRecord
	r.mu.Unlock()

	if hook != nil {
		hook(kind, err)
	}
}

func (r *Recorder) pruneLocked(now time.Time) {
	cutoff := now.Add(-recentWindow)
	idx := 0
	for idx < len(r.recent) && r.recent[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		r.recent = append(r.recent[:0], r.recent[idx:]...)
	}
	if len(r.recent) > maxRecentMarks {
		r.recent = append(r.recent[:0], r.recent[len(r.recent)-maxRecentMarks:]...)
	}
}

// Total returns the lifetime error count.
func (r *Recorder) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Counts returns a copy of the per-kind counters.
func (r *Recorder) Counts() map[Kind]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Kind]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// RecentCount returns how many errors were recorded inside the window
// (capped at the recorder's retention).
func (r *Recorder) RecentCount(window time.Duration) int {
	if window > recentWindow {
		window = recentWindow
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)

	cutoff := now.Add(-window)
	n := 0
	for i := len(r.recent) - 1; i >= 0; i-- {
		if r.recent[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// LastSeen returns when an error of the given kind was last recorded.
func (r *Recorder) LastSeen(kind Kind) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.lastSeen[kind]
	return ts, ok
}

// Reset clears all counters; used by tests and the control API.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[Kind]uint64)
	r.lastSeen = make(map[Kind]time.Time)
	r.lastError = make(map[Kind]string)
	r.recent = nil
	r.total = 0
}

// Stats returns recorder statistics for the control API.
func (r *Recorder) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKind := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		byKind[string(k)] = v
	}
	lastErrors := make(map[string]string, len(r.lastError))
	for k, v := range r.lastError {
		lastErrors[string(k)] = v
	}

	return map[string]interface{}{
		"total_errors": r.total,
		"by_kind":      byKind,
		"last_errors":  lastErrors,
	}
}

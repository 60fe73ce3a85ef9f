package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Execute while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// Breaker states, as reported by State and Stats.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// BreakerConfig tunes one circuit breaker. The breaker trips from closed to
// open once it has seen at least MinimumRequests calls and the consecutive
// failure count reaches FailureThreshold; after RecoveryTimeout it admits a
// single half-open trial.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	MinimumRequests  uint32

	// OnStateChange is invoked after every transition, in addition to the
	// breaker's own log line.
	OnStateChange func(name, from, to string)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = 10
	}
	return c
}

// BreakerStats is a point-in-time snapshot of breaker counters.
type BreakerStats struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastStateChange      time.Time `json:"last_state_change,omitempty"`
}

// Breaker guards a flaky dependency with closed/open/half-open states.
type Breaker struct {
	cfg BreakerConfig

	mu         sync.RWMutex
	cb         *gobreaker.CircuitBreaker
	lastChange time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults()}
	b.cb = b.newCircuitBreaker()
	return b
}

func (b *Breaker) newCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: 1, // single half-open trial
		Timeout:     b.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= b.cfg.MinimumRequests &&
				counts.ConsecutiveFailures >= b.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.lastChange = time.Now()
			b.mu.Unlock()

			slog.Warn("circuit breaker state change",
				"breaker", name,
				"from", stateName(from),
				"to", stateName(to),
			)
			if b.cfg.OnStateChange != nil {
				b.cfg.OnStateChange(name, stateName(from), stateName(to))
			}
		},
	})
}

// Execute runs op through the breaker. While the breaker is open (or the
// half-open trial slot is taken) it returns ErrOpen without invoking op.
func (b *Breaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	result, err := cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// State returns "closed", "open", or "half-open".
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return stateName(b.cb.State())
}

// Stats returns the breaker's current counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := b.cb.Counts()
	return BreakerStats{
		Name:                 b.cfg.Name,
		State:                stateName(b.cb.State()),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		LastStateChange:      b.lastChange,
	}
}

// Reset returns the breaker to a fresh closed state with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newCircuitBreaker()
	b.lastChange = time.Now()
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return "unknown"
	}
}

package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is a component or system health level.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

// worse reports whether a is a worse status than b.
func worse(a, b Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[a] > rank[b]
}

// ComponentHealth describes one checked component.
type ComponentHealth struct {
	Status       Status        `json:"status"`
	Message      string        `json:"message"`
	LastChecked  time.Time     `json:"last_checked"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
}

// SystemHealth is the aggregate snapshot; overall Status is the worst
// child status.
type SystemHealth struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) ComponentHealth

// Monitor aggregates the error recorder and registered component checks
// into a SystemHealth snapshot, cached between refreshes.
type Monitor struct {
	recorder *Recorder
	cacheTTL time.Duration

	mu       sync.Mutex
	checks   map[string]CheckFunc
	cached   *SystemHealth
	cachedAt time.Time

	// error-rate thresholds over the last minute for the errorHandler
	// component
	degradedErrors  int
	unhealthyErrors int
}

// NewMonitor creates a monitor over the given recorder with a 30s snapshot
// cache.
func NewMonitor(recorder *Recorder) *Monitor {
	return &Monitor{
		recorder:        recorder,
		cacheTTL:        30 * time.Second,
		checks:          make(map[string]CheckFunc),
		degradedErrors:  1,
		unhealthyErrors: 25,
	}
}

// RegisterCheck adds or replaces a named component check.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = fn
}

// Get returns the health snapshot, refreshing it when the cache is stale
// or forceRefresh is set.
func (m *Monitor) Get(ctx context.Context, forceRefresh bool) SystemHealth {
	m.mu.Lock()
	if !forceRefresh && m.cached != nil && time.Since(m.cachedAt) < m.cacheTTL {
		snapshot := *m.cached
		m.mu.Unlock()
		return snapshot
	}
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.Unlock()

	now := time.Now()
	components := map[string]ComponentHealth{
		"errorHandler": m.errorHandlerHealth(now),
	}
	for name, fn := range checks {
		started := time.Now()
		ch := fn(ctx)
		if ch.LastChecked.IsZero() {
			ch.LastChecked = now
		}
		if ch.ResponseTime == 0 {
			ch.ResponseTime = time.Since(started)
		}
		components[name] = ch
	}

	overall := StatusHealthy
	for _, ch := range components {
		if worse(ch.Status, overall) {
			overall = ch.Status
		}
	}

	snapshot := SystemHealth{
		Status:     overall,
		Components: components,
		Timestamp:  now,
	}

	m.mu.Lock()
	m.cached = &snapshot
	m.cachedAt = now
	m.mu.Unlock()

	return snapshot
}

func (m *Monitor) errorHandlerHealth(now time.Time) ComponentHealth {
	recent := m.recorder.RecentCount(time.Minute)

	switch {
	case recent >= m.unhealthyErrors:
		return ComponentHealth{
			Status:      StatusUnhealthy,
			Message:     fmt.Sprintf("%d errors in the last minute", recent),
			LastChecked: now,
		}
	case recent >= m.degradedErrors:
		return ComponentHealth{
			Status:      StatusDegraded,
			Message:     fmt.Sprintf("%d errors in the last minute", recent),
			LastChecked: now,
		}
	default:
		return ComponentHealth{
			Status:      StatusHealthy,
			Message:     "no recent errors",
			LastChecked: now,
		}
	}
}

// BreakerCheck adapts a circuit breaker state getter into a CheckFunc.
func BreakerCheck(state func() string) CheckFunc {
	return func(ctx context.Context) ComponentHealth {
		now := time.Now()
		switch state() {
		case "open":
			return ComponentHealth{Status: StatusUnhealthy, Message: "circuit breaker open", LastChecked: now}
		case "half-open":
			return ComponentHealth{Status: StatusDegraded, Message: "circuit breaker half-open", LastChecked: now}
		default:
			return ComponentHealth{Status: StatusHealthy, Message: "circuit breaker closed", LastChecked: now}
		}
	}
}

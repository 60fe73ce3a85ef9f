package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failingOp() (interface{}, error) { return nil, errBoom }
func succeedingOp() (interface{}, error) { return "ok", nil }

func TestBreaker_StaysClosedBelowMinimumRequests(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Second,
		MinimumRequests:  10,
	})

	// Plenty of consecutive failures, but under the request floor.
	for i := 0; i < 5; i++ {
		if _, err := b.Execute(failingOp); !errors.Is(err, errBoom) {
			t.Fatalf("Execute returned %v, want boom", err)
		}
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q", got, StateClosed)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Second,
		MinimumRequests:  5,
	})

	// Two successes then three consecutive failures: five requests total.
	for i := 0; i < 2; i++ {
		if _, err := b.Execute(succeedingOp); err != nil {
			t.Fatalf("unexpected error on success path: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		b.Execute(failingOp) //nolint:errcheck
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q after threshold failures, want %q", got, StateOpen)
	}

	invoked := false
	_, err := b.Execute(func() (interface{}, error) {
		invoked = true
		return "never", nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute while open returned %v, want ErrOpen", err)
	}
	if invoked {
		t.Error("operation must not be invoked while the breaker is open")
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Second,
		MinimumRequests:  4,
	})

	// Failures interleaved with successes never reach three in a row.
	sequence := []func() (interface{}, error){
		failingOp, failingOp, succeedingOp,
		failingOp, failingOp, succeedingOp,
	}
	for _, op := range sequence {
		b.Execute(op) //nolint:errcheck
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %q, want %q", got, StateClosed)
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Millisecond,
		MinimumRequests:  2,
	})

	for i := 0; i < 2; i++ {
		b.Execute(failingOp) //nolint:errcheck
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q, want %q", got, StateOpen)
	}

	time.Sleep(50 * time.Millisecond)

	result, err := b.Execute(succeedingOp)
	if err != nil {
		t.Fatalf("half-open trial failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("trial result = %v, want ok", result)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("State() after successful trial = %q, want %q", got, StateClosed)
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Millisecond,
		MinimumRequests:  2,
	})

	for i := 0; i < 2; i++ {
		b.Execute(failingOp) //nolint:errcheck
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := b.Execute(failingOp); !errors.Is(err, errBoom) {
		t.Fatalf("trial returned %v, want boom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("State() after failed trial = %q, want %q", got, StateOpen)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		MinimumRequests:  2,
	})

	for i := 0; i < 2; i++ {
		b.Execute(failingOp) //nolint:errcheck
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %q, want %q", got, StateOpen)
	}

	b.Reset()

	if got := b.State(); got != StateClosed {
		t.Errorf("State() after reset = %q, want %q", got, StateClosed)
	}
	if got := b.Stats().Requests; got != 0 {
		t.Errorf("Requests after reset = %d, want 0", got)
	}

	if _, err := b.Execute(succeedingOp); err != nil {
		t.Errorf("Execute after reset returned %v", err)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	transitions := make([]string, 0, 4)
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		MinimumRequests:  2,
		OnStateChange: func(name, from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})

	for i := 0; i < 2; i++ {
		b.Execute(failingOp) //nolint:errcheck
	}

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", transitions)
	}
}

func TestBreaker_Stats(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "geo",
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		MinimumRequests:  10,
	})

	b.Execute(succeedingOp) //nolint:errcheck
	b.Execute(failingOp)    //nolint:errcheck

	stats := b.Stats()
	if stats.Name != "geo" {
		t.Errorf("Name = %q, want geo", stats.Name)
	}
	if stats.Requests != 2 {
		t.Errorf("Requests = %d, want 2", stats.Requests)
	}
	if stats.TotalSuccesses != 1 || stats.TotalFailures != 1 {
		t.Errorf("successes/failures = %d/%d, want 1/1", stats.TotalSuccesses, stats.TotalFailures)
	}
}

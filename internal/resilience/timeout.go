package resilience

import (
	"context"
	"time"
)

// RunWithTimeout executes op under a deadline. It returns op's result when
// it finishes in time; otherwise it returns fallback with timedOut=true and
// cancels op's context. A result arriving after the deadline is discarded;
// the fallback wins. Errors from op are returned alongside the fallback so
// the caller can record them; the deadline itself is never surfaced as an
// error.
func RunWithTimeout[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error), fallback T) (result T, timedOut bool, err error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}

	// Buffered so an abandoned op can still send and exit.
	done := make(chan outcome, 1)
	go func() {
		value, opErr := op(opCtx)
		done <- outcome{value: value, err: opErr}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return fallback, false, out.err
		}
		return out.value, false, nil
	case <-opCtx.Done():
		return fallback, true, nil
	}
}

package testutil

import (
	"context"
	"testing"
	"time"
)

// Eventually is like require.Eventually except it allows passing a context
// into the condition. The context must have a deadline set, and Eventually
// panics otherwise to avoid waiting forever. If the context expires before
// the condition returns true, the test is marked failed and false is
// returned.
//
// The condition runs on the calling goroutine, so it is safe to use
// require.* inside it.
func Eventually(ctx context.Context, t testing.TB, condition func(context.Context) bool, testTick time.Duration) (done bool) {
	t.Helper()
	if _, ok := ctx.Deadline(); !ok {
		panic("developer error: must set deadline or timeout on ctx")
	}

	ticker := time.NewTicker(testTick)
	defer ticker.Stop()
	for range ticker.C {
		if condition(ctx) {
			return true
		}
		if ctx.Err() != nil {
			// Non-fatal so callers holding resources can still unwind, and
			// the returned false stays observable.
			t.Errorf("Eventually timed out: %s", ctx.Err())
			return false
		}
	}
	return false
}

// EventuallyShort runs Eventually with a WaitShort context and IntervalFast.
func EventuallyShort(t testing.TB, condition func(context.Context) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitShort)
	defer cancel()
	Eventually(ctx, t, condition, IntervalFast)
}

// EventuallyMedium runs Eventually with a WaitMedium context and IntervalMedium.
func EventuallyMedium(t testing.TB, condition func(context.Context) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitMedium)
	defer cancel()
	Eventually(ctx, t, condition, IntervalMedium)
}

// EventuallyLong runs Eventually with a WaitLong context and IntervalSlow.
func EventuallyLong(t testing.TB, condition func(context.Context) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), WaitLong)
	defer cancel()
	Eventually(ctx, t, condition, IntervalSlow)
}

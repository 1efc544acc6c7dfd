package testutil

import (
	"context"
	"testing"
	"time"
)

// Context returns a context canceled at test cleanup. The timeout is lazy: it
// starts counting on first use and extends itself when the context is handed
// to a new location in a test file, so shared helpers don't consume the
// budget of the tests that call them.
func Context(t testing.TB, timeout time.Duration) context.Context {
	return newLazyTimeoutContext(t, timeout)
}

package testutil

import (
	"context"
	"testing"
	"time"
)

// Constants for timing out operations, usable for creating contexts
// that timeout or in require.Eventually.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second

	IntervalFast   = 25 * time.Millisecond
	IntervalMedium = 250 * time.Millisecond
)

// Context returns a context that is canceled when the test ends or after
// dur, whichever comes first.
func Context(t testing.TB, dur time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}

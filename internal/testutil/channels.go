// Package testutil holds helpers shared by tests of the asynchronous packages.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds waits on background work in tests.
const DefaultTimeout = 5 * time.Second

// WaitForChannel blocks until ch is closed or receives, failing the test after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// RequireNotClosed fails the test if ch is already closed or has a pending value.
func RequireNotClosed(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
		require.Fail(t, msg)
	default:
	}
}

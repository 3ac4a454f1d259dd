package testutil

import (
	"testing"
)

func TestWaitForChannel(t *testing.T) {
	ch := make(chan struct{})
	RequireNotClosed(t, ch, "channel closed too early")
	close(ch)
	WaitForChannel(t, ch, DefaultTimeout, "channel was not closed")
}

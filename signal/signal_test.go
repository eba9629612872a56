package signal

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func requireShutdown(t *testing.T, c Interceptor) {
	t.Helper()

	select {
	case <-c.ShutdownChannel():
	case <-time.After(testTimeout):
		t.Fatal("shutdown channel not closed")
	}
	require.False(t, c.Alive())
}

// TestInterruptShutsDown checks that a signal closes the shutdown channel.
func TestInterruptShutsDown(t *testing.T) {
	t.Parallel()

	interrupts := make(chan os.Signal, 1)
	c := newInterceptor(interrupts, false)
	require.True(t, c.Alive())

	interrupts <- os.Interrupt
	requireShutdown(t, c)
}

// TestRequestShutdown checks the programmatic path, including repeated
// requests after shutdown.
func TestRequestShutdown(t *testing.T) {
	t.Parallel()

	c := newInterceptor(make(chan os.Signal, 1), false)

	c.RequestShutdown()
	requireShutdown(t, c)

	// Later requests return immediately.
	c.RequestShutdown()
}

package subscribe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func receive[T any](t *testing.T, c *Client[T]) T {
	t.Helper()

	select {
	case upd := <-c.Updates():
		return upd
	case <-time.After(testTimeout):
		t.Fatal("no update received")
	}

	var zero T
	return zero
}

// TestServerFanOut delivers every update to every client in order.
func TestServerFanOut(t *testing.T) {
	t.Parallel()

	s := NewServer[int]()
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	first, err := s.Subscribe()
	require.NoError(t, err)
	second, err := s.Subscribe()
	require.NoError(t, err)

	// Sends never block on slow clients.
	for i := 0; i < 100; i++ {
		require.NoError(t, s.SendUpdate(i))
	}

	for i := 0; i < 100; i++ {
		require.Equal(t, i, receive(t, first))
		require.Equal(t, i, receive(t, second))
	}

	second.Cancel()
	select {
	case <-second.Quit():
	case <-time.After(testTimeout):
		t.Fatal("cancelled client not closed")
	}

	require.NoError(t, s.SendUpdate(100))
	require.Equal(t, 100, receive(t, first))
}

// TestServerStop closes clients and rejects further use.
func TestServerStop(t *testing.T) {
	t.Parallel()

	s := NewServer[string]()
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())

	client, err := s.Subscribe()
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	select {
	case <-client.Quit():
	case <-time.After(testTimeout):
		t.Fatal("client not closed on stop")
	}

	require.ErrorIs(t, s.SendUpdate("late"), ErrServerShuttingDown)
	_, err = s.Subscribe()
	require.ErrorIs(t, err, ErrServerShuttingDown)

	// Cancelling after shutdown must not block.
	client.Cancel()
}

// marker is a test update that is either a value or a flush ack.
type marker struct {
	val int
	ack func()
}

// TestServerFlushMultipleClients waits for every client to ack its own
// marker, even when clients ack more than once.
func TestServerFlushMultipleClients(t *testing.T) {
	t.Parallel()

	s := NewServer[marker]()
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	first, err := s.Subscribe()
	require.NoError(t, err)
	second, err := s.Subscribe()
	require.NoError(t, err)

	require.NoError(t, s.SendUpdate(marker{val: 1}))

	newMarker := func(ack func()) marker {
		return marker{ack: ack}
	}

	flushed := make(chan error, 1)
	go func() {
		flushed <- s.Flush(context.Background(), newMarker)
	}()

	// Each client sees the update before its marker.
	require.Equal(t, 1, receive(t, first).val)
	firstMarker := receive(t, first)
	require.NotNil(t, firstMarker.ack)
	firstMarker.ack()
	firstMarker.ack()

	select {
	case err := <-flushed:
		t.Fatalf("flush returned before second ack: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, 1, receive(t, second).val)
	secondMarker := receive(t, second)
	require.NotNil(t, secondMarker.ack)
	secondMarker.ack()
	secondMarker.ack()

	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("flush not done")
	}
}

// TestServerFlushCancelledClient stops waiting for a client that goes away
// and honours the context.
func TestServerFlushCancelledClient(t *testing.T) {
	t.Parallel()

	s := NewServer[marker]()
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	acking, err := s.Subscribe()
	require.NoError(t, err)
	silent, err := s.Subscribe()
	require.NoError(t, err)

	go func() {
		for {
			select {
			case upd := <-acking.Updates():
				if upd.ack != nil {
					upd.ack()
				}
			case <-acking.Quit():
				return
			}
		}
	}()

	newMarker := func(ack func()) marker {
		return marker{ack: ack}
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()
	err = s.Flush(ctx, newMarker)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	flushed := make(chan error, 1)
	go func() {
		flushed <- s.Flush(context.Background(), newMarker)
	}()

	silent.Cancel()

	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("flush blocked on cancelled client")
	}
}

// TestServerFlushNoClients returns at once.
func TestServerFlushNoClients(t *testing.T) {
	t.Parallel()

	s := NewServer[marker]()
	require.NoError(t, s.Start())

	err := s.Flush(context.Background(), func(ack func()) marker {
		return marker{ack: ack}
	})
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	err = s.Flush(context.Background(), func(ack func()) marker {
		return marker{ack: ack}
	})
	require.ErrorIs(t, err, ErrServerShuttingDown)
}

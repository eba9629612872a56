package multimutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMutexSerializesPerKey checks that holders of one key exclude each
// other while other keys proceed, and that entries are released.
func TestMutexSerializesPerKey(t *testing.T) {
	t.Parallel()

	m := NewMutex[int]()

	var (
		wg       sync.WaitGroup
		counters [4]int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				m.Lock(key)
				counters[key]++
				m.Unlock(key)
			}
		}(i % len(counters))
	}
	wg.Wait()

	for _, c := range counters {
		require.Equal(t, 1600, c)
	}
	require.Zero(t, m.Len())
}

// TestMutexDoubleUnlock panics on an unlock without a lock.
func TestMutexDoubleUnlock(t *testing.T) {
	t.Parallel()

	m := NewMutex[string]()
	m.Lock("a")
	m.Unlock("a")

	require.Panics(t, func() { m.Unlock("a") })
}

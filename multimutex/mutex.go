// Package multimutex provides a set of mutexes addressed by key.
package multimutex

import (
	"fmt"
	"sync"
)

// cntMutex is a mutex with the number of goroutines holding or waiting for
// it.
type cntMutex struct {
	cnt int
	sync.Mutex
}

// Mutex hands out one mutex per key. Entries exist only while some goroutine
// holds or waits for the key, so the set does not grow with the key space.
type Mutex[K comparable] struct {
	mutexes map[K]*cntMutex

	// mapMtx guards mutexes and every counter in it.
	mapMtx sync.Mutex
}

// NewMutex creates an empty keyed mutex.
func NewMutex[K comparable]() *Mutex[K] {
	return &Mutex[K]{
		mutexes: make(map[K]*cntMutex),
	}
}

// Lock blocks until the mutex for key is available.
func (c *Mutex[K]) Lock(key K) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[key]
	if !ok {
		mtx = &cntMutex{}
		c.mutexes[key] = mtx
	}
	mtx.cnt++
	c.mapMtx.Unlock()

	mtx.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that is not locked
// panics.
func (c *Mutex[K]) Unlock(key K) {
	c.mapMtx.Lock()
	mtx, ok := c.mutexes[key]
	if !ok {
		c.mapMtx.Unlock()
		panic(fmt.Sprintf("double unlock for key %v", key))
	}

	// The last waiter removes the entry. Anyone arriving later creates a
	// fresh one under mapMtx.
	mtx.cnt--
	if mtx.cnt == 0 {
		delete(c.mutexes, key)
	}
	c.mapMtx.Unlock()

	mtx.Unlock()
}

// Len returns the number of keys currently locked or waited on.
func (c *Mutex[K]) Len() int {
	c.mapMtx.Lock()
	defer c.mapMtx.Unlock()

	return len(c.mutexes)
}

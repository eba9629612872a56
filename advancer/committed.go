package advancer

import (
	"errors"
	"sync/atomic"

	"github.com/chaindaemon/chaind/chaintypes"
)

// ErrStale is returned when the committed state was replaced by another
// writer since the caller last observed it.
var ErrStale = errors.New("committed state replaced by another writer")

// Snapshot is one immutable version of the committed chain state.
type Snapshot struct {
	State   chaintypes.ChainState
	Version uint64
}

// Committed holds the current committed chain state. Readers never block;
// writers publish with compare-and-swap against the snapshot they started
// from, so a writer that fell behind cannot overwrite newer progress.
type Committed struct {
	ptr atomic.Pointer[Snapshot]
}

// NewCommitted returns a holder whose first version is initial.
func NewCommitted(initial chaintypes.ChainState) *Committed {
	c := &Committed{}
	c.ptr.Store(&Snapshot{State: initial, Version: 1})

	return c
}

// Load returns the current snapshot.
func (c *Committed) Load() *Snapshot {
	return c.ptr.Load()
}

// Publish replaces expected with next, returning the new snapshot. ErrStale
// is returned if expected is no longer current.
func (c *Committed) Publish(expected *Snapshot,
	next chaintypes.ChainState) (*Snapshot, error) {

	snap := &Snapshot{State: next, Version: expected.Version + 1}
	if !c.ptr.CompareAndSwap(expected, snap) {
		return nil, ErrStale
	}

	return snap, nil
}

// Replace unconditionally installs state as a new version.
func (c *Committed) Replace(state chaintypes.ChainState) *Snapshot {
	for {
		cur := c.ptr.Load()
		snap, err := c.Publish(cur, state)
		if err == nil {
			return snap
		}
	}
}

// Publisher returns a progress callback for Advance that publishes every
// step on top of start. Each successful publication is passed to notify.
// Once another writer gets in first, the callback returns ErrStale.
func (c *Committed) Publisher(start *Snapshot,
	notify func(*Snapshot)) func(chaintypes.ChainState) error {

	expected := start

	return func(state chaintypes.ChainState) error {
		snap, err := c.Publish(expected, state)
		if err != nil {
			return err
		}
		expected = snap

		if notify != nil {
			notify(snap)
		}

		return nil
	}
}

package daemon

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chaindaemon/chaind/chainselect"
	"github.com/chaindaemon/chaind/chainstore"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/rules"
	"github.com/chaindaemon/chaind/snapshot"
	"github.com/chaindaemon/chaind/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultBlockCacheSize is the byte capacity of the block cache.
	DefaultBlockCacheSize uint64 = 20 * 1024 * 1024

	// DefaultRevalidateInterval is how often the committed state is
	// checked from scratch.
	DefaultRevalidateInterval = 10 * time.Minute

	// DefaultCheckpointInterval is how often the committed state is
	// written to the snapshot store.
	DefaultCheckpointInterval = time.Minute

	// DefaultWinnerHistory is the number of past winners kept for
	// RecentWinners.
	DefaultWinnerHistory = 16
)

// Timing configures the scheduling of one worker.
type Timing struct {
	// MinWait is the minimum delay between two runs.
	MinWait time.Duration

	// MaxIdle forces a run after this long without a trigger. Zero
	// disables idle runs.
	MaxIdle time.Duration
}

// WorkerTimings holds the schedule of every worker of the daemon.
type WorkerTimings struct {
	Chaining   Timing
	Winner     Timing
	Advance    Timing
	Revalidate Timing
	Checkpoint Timing
}

// DefaultWorkerTimings returns the schedule used when none is configured.
func DefaultWorkerTimings() WorkerTimings {
	return WorkerTimings{
		Chaining: Timing{MaxIdle: 30 * time.Second},
		Winner:   Timing{MaxIdle: 30 * time.Second},
		Advance:  Timing{MaxIdle: time.Minute},
		Revalidate: Timing{
			MinWait: time.Second,
			MaxIdle: DefaultRevalidateInterval,
		},
		Checkpoint: Timing{
			MinWait: time.Second,
			MaxIdle: DefaultCheckpointInterval,
		},
	}
}

// EventSource delivers store change events to the daemon and flushes them on
// request. Every subscriber of the source must ack flush markers.
type EventSource interface {
	Subscribe() (*subscribe.Client[chainstore.Event], error)
	Flush(ctx context.Context,
		marker subscribe.MarkerFunc[chainstore.Event]) error
}

// SnapshotStore persists committed states. *snapshot.Store implements it.
type SnapshotStore interface {
	List(ctx context.Context) ([]snapshot.Meta, error)
	Read(key chainhash.Hash) (chaintypes.ChainState, error)
	Write(state chaintypes.ChainState) error
	RemoveAllBelow(totalWork *big.Int) (int, error)
}

// Config holds the collaborators and tunables of a Daemon.
type Config struct {
	// Rules validates blocks and defines work and the genesis state.
	Rules rules.Rules

	// Stores hold the chain data. Their change events must be published
	// to Events.
	Stores *chainstore.Stores

	// Events is the change feed of Stores.
	Events EventSource

	// Snapshots, if set, is used to resume from and write checkpoints.
	Snapshots SnapshotStore

	// TieBreak overrides the rules' tie-break between equal work leaves.
	TieBreak chainselect.TieBreak

	// BlockCacheSize is the byte capacity of the block cache.
	BlockCacheSize uint64

	// PrefetchWindow bounds concurrent block loads while advancing.
	PrefetchWindow int

	// Timings schedules the workers. DefaultWorkerTimings is used for a
	// zero value.
	Timings WorkerTimings

	// WinnerHistory is the number of past winners to remember.
	WinnerHistory int

	// StatsTicker, if set, triggers a periodic summary log line.
	StatsTicker ticker.Ticker

	// Clock drives the workers. The system clock is used if nil.
	Clock clock.Clock

	// OnWinnerChanged is called on the winner worker after every change
	// of the winning header.
	OnWinnerChanged func(winner chaintypes.ChainedHeader)

	// OnStateChanged is called after every replacement of the committed
	// state, on the goroutine that replaced it.
	OnStateChanged func(state chaintypes.ChainState, version uint64)

	// FatalError is called when the chain index is found to be
	// corrupted. The default panics.
	FatalError func(err error)
}

// validate checks mandatory fields and fills in defaults.
func (c *Config) validate() error {
	switch {
	case c.Rules == nil:
		return errors.New("rules must be set")
	case c.Stores == nil:
		return errors.New("stores must be set")
	case c.Events == nil:
		return errors.New("event source must be set")
	}

	if c.BlockCacheSize == 0 {
		c.BlockCacheSize = DefaultBlockCacheSize
	}
	if c.Timings == (WorkerTimings{}) {
		c.Timings = DefaultWorkerTimings()
	}
	if c.WinnerHistory <= 0 {
		c.WinnerHistory = DefaultWinnerHistory
	}
	if c.TieBreak == nil {
		c.TieBreak = chainselect.FromRules(c.Rules)
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.FatalError == nil {
		c.FatalError = func(err error) {
			panic(err)
		}
	}

	return nil
}

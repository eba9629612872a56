package daemon

import (
	"context"
	"fmt"

	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/davecgh/go-spew/spew"
)

// Stats is a point in time summary of the daemon.
type Stats struct {
	Height    uint32
	Version   uint64
	Winner    string
	Unchained int
	Missing   map[chaintypes.DataKind]int
	Runs      map[string]uint64
}

// Stats returns the current summary.
func (d *Daemon) Stats() Stats {
	state, version := d.CurrentState()

	winner := "none"
	d.WinningHeader().WhenSome(func(h chaintypes.ChainedHeader) {
		winner = fmt.Sprintf("%v@%d", h.BlockHash, h.Height)
	})

	missing := make(map[chaintypes.DataKind]int, len(chaintypes.AllKinds))
	for _, kind := range chaintypes.AllKinds {
		missing[kind] = d.missing.Count(kind)
	}

	return Stats{
		Height:    state.Root.Height,
		Version:   version,
		Winner:    winner,
		Unchained: d.unchained.Len(),
		Missing:   missing,
		Runs:      d.WorkerRuns(),
	}
}

// statsLoop logs a summary on every tick of the stats ticker.
func (d *Daemon) statsLoop(ctx context.Context) {
	t := d.cfg.StatsTicker
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			stats := d.Stats()
			log.Infof("Height %d (v%d), winner %s, %d unchained, "+
				"missing %d blocks", stats.Height, stats.Version,
				stats.Winner, stats.Unchained,
				stats.Missing[chaintypes.KindBlock])
			log.Debugf("Daemon stats: %v", newLogClosure(
				func() string {
					return spew.Sdump(stats)
				},
			))

		case <-ctx.Done():
			return
		}
	}
}

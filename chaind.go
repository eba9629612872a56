// Package chaind wires the chain daemon together: configuration, logging,
// storage, the daemon itself, its health checks and its metrics exporter.
package chaind

import (
	"fmt"

	"github.com/chaindaemon/chaind/build"
	"github.com/chaindaemon/chaind/chainstore"
	"github.com/chaindaemon/chaind/chaintypes"
	"github.com/chaindaemon/chaind/daemon"
	"github.com/chaindaemon/chaind/monitoring"
	"github.com/chaindaemon/chaind/rules"
	"github.com/chaindaemon/chaind/signal"
	"github.com/chaindaemon/chaind/snapshot"
	"github.com/chaindaemon/chaind/subscribe"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
)

// Main is the true entry point for chaind. It runs until the interceptor's
// shutdown channel is closed. This function is required since defers are not
// called when os.Exit is called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		chmnLog.Info("Shutdown complete")
		if err := cfg.LogRotator.Close(); err != nil {
			fmt.Printf("Could not close log rotator: %v\n", err)
		}
	}()

	chmnLog.Infof("Version: %s commit=%s, network=%s, db=%s",
		build.Version(), build.Commit, cfg.ActiveNetParams.Name,
		cfg.DB.Backend)

	chainRules := rules.NewUtxoRules(cfg.ActiveNetParams)

	events := subscribe.NewServer[chainstore.Event]()
	if err := events.Start(); err != nil {
		return err
	}
	defer func() {
		_ = events.Stop()
	}()

	daemonCfg := daemon.Config{
		Rules:          chainRules,
		Events:         events,
		BlockCacheSize: cfg.BlockCacheSize,
		PrefetchWindow: cfg.PrefetchWindow,
		Timings:        cfg.Workers.daemonTimings(),
		OnWinnerChanged: func(winner chaintypes.ChainedHeader) {
			chmnLog.Debugf("Winner changed to %v", winner.BlockHash)
		},
		FatalError: func(err error) {
			chmnLog.Criticalf("Unrecoverable chain daemon error: %v",
				err)
		},
	}

	switch cfg.DB.Backend {
	case DBBackendMemory:
		daemonCfg.Stores = chainstore.NewMemStores(events)

	default:
		db, err := kvdb.Create(
			kvdb.BoltBackendName, cfg.dbPath(), true,
			cfg.DB.Timeout, false,
		)
		if err != nil {
			return fmt.Errorf("unable to open database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				chmnLog.Errorf("Unable to close database: %v",
					err)
			}
		}()

		daemonCfg.Stores, err = chainstore.NewKVStores(db, events)
		if err != nil {
			return err
		}

		snapshots, err := snapshot.New(db, chainRules)
		if err != nil {
			return err
		}
		daemonCfg.Snapshots = snapshots
	}

	if cfg.StatsInterval > 0 {
		daemonCfg.StatsTicker = ticker.New(cfg.StatsInterval)
	}

	chainDaemon, err := daemon.New(daemonCfg)
	if err != nil {
		return fmt.Errorf("unable to create daemon: %w", err)
	}
	if err := chainDaemon.Start(); err != nil {
		return fmt.Errorf("unable to start daemon: %w", err)
	}
	defer func() {
		_ = chainDaemon.Stop()
	}()

	if cfg.Prometheus.Enable {
		exporter, err := monitoring.NewExporter(
			cfg.Prometheus.Listen,
			monitoring.NewCollector(chainDaemon),
		)
		if err != nil {
			return err
		}
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start metrics exporter: %w",
				err)
		}
		defer func() {
			_ = exporter.Stop()
		}()
	}

	livenessMonitor := newLivenessMonitor(cfg)
	if err := livenessMonitor.Start(); err != nil {
		return fmt.Errorf("unable to start health checks: %w", err)
	}
	defer func() {
		_ = livenessMonitor.Stop()
	}()

	chmnLog.Info("Chain daemon fully active!")

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return nil
}

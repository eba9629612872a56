package chaind

import (
	"fmt"

	"github.com/lightningnetwork/lnd/healthcheck"
)

// diskSpaceCheck fails when less than the required ratio of the disk holding
// dir is free.
func diskSpaceCheck(dir string, required float64) func() error {
	return func() error {
		free, err := healthcheck.AvailableDiskSpaceRatio(dir)
		if err != nil {
			return err
		}

		// If we have more free space than we require, we return a nil
		// error.
		if free > required {
			return nil
		}

		return fmt.Errorf("require: %v free space, got: %v", required,
			free)
	}
}

// newLivenessMonitor creates the monitor for the enabled health checks. A
// check that keeps failing after all its attempts logs a critical error,
// which shuts chaind down.
func newLivenessMonitor(cfg *Config) *healthcheck.Monitor {
	var checks []*healthcheck.Observation

	disk := cfg.HealthChecks.DiskCheck
	if disk.Interval != 0 && disk.Attempts != 0 {
		checks = append(checks, healthcheck.NewObservation(
			"disk space",
			diskSpaceCheck(cfg.DataDir, disk.RequiredRemaining),
			disk.Interval, disk.Timeout, disk.Backoff,
			disk.Attempts,
		))
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   checks,
		Shutdown: chmnLog.Criticalf,
	})
}

package chaind

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/chaindaemon/chaind/signal"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ChaindDir = t.TempDir()
	cfg.Network = "regtest"

	return cfg
}

func validate(t *testing.T, cfg Config) (*Config, *bytes.Buffer, error) {
	t.Helper()

	var console bytes.Buffer
	clean, err := ValidateConfig(cfg, &console, signal.Interceptor{})
	if err == nil {
		t.Cleanup(func() {
			require.NoError(t, clean.LogRotator.Close())
		})
	}

	return clean, &console, err
}

// TestValidateConfig checks the derived paths, network and logging setup.
func TestValidateConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.DebugLevel = "info,CHND=debug"

	clean, console, err := validate(t, cfg)
	require.NoError(t, err)

	require.Equal(t, &chaincfg.RegressionNetParams, clean.ActiveNetParams)
	require.Equal(t, filepath.Join(cfg.ChaindDir, "data", "regtest"),
		clean.DataDir)
	require.Equal(t, filepath.Join(clean.DataDir, defaultDBFilename),
		clean.dbPath())
	require.DirExists(t, clean.LogDir)

	require.Contains(t, clean.SubLogMgr.SupportedSubsystems(), "CIDX")
	require.Contains(t, clean.SubLogMgr.SupportedSubsystems(), Subsystem)

	chmnLog.Infof("config loaded")
	require.Contains(t, console.String(), "config loaded")

	timings := clean.Workers.daemonTimings()
	require.Equal(t, 10*time.Minute, timings.Revalidate.MaxIdle)
	require.Equal(t, time.Minute, timings.Checkpoint.MaxIdle)
}

// TestValidateConfigErrors rejects invalid option values.
func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{{
		name:   "unknown network",
		mutate: func(c *Config) { c.Network = "nonet" },
	}, {
		name:   "unknown backend",
		mutate: func(c *Config) { c.DB.Backend = "postgres" },
	}, {
		name: "negative timing",
		mutate: func(c *Config) {
			c.Workers.Advance.MinWait = -time.Second
		},
	}, {
		name: "disk ratio out of range",
		mutate: func(c *Config) {
			c.HealthChecks.DiskCheck.RequiredRemaining = 1.5
		},
	}, {
		name: "disk check without timeout",
		mutate: func(c *Config) {
			c.HealthChecks.DiskCheck.Attempts = 2
			c.HealthChecks.DiskCheck.Timeout = 0
		},
	}, {
		name:   "unknown subsystem",
		mutate: func(c *Config) { c.DebugLevel = "info,NOPE=debug" },
	}, {
		name: "unknown compressor",
		mutate: func(c *Config) {
			c.LogConfig.File.Compressor = "lz4"
		},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)

			_, _, err := validate(t, cfg)
			require.Error(t, err)
		})
	}
}

package build

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// TestParseAndSetDebugLevels checks the global and per-subsystem syntax of the
// debug level string.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf, btclog.WithNoTimestamp())
	mgr.GenSubLogger("CIDX", nil)
	mgr.GenSubLogger("CHND", nil)

	require.Equal(t, []string{"CHND", "CIDX"}, mgr.SupportedSubsystems())

	require.NoError(t, ParseAndSetDebugLevels("info", mgr))
	require.NoError(t, ParseAndSetDebugLevels("info,CIDX=debug", mgr))
	require.NoError(t, ParseAndSetDebugLevels("CHND=trace", mgr))

	require.Error(t, ParseAndSetDebugLevels("loud", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,NOPE=debug", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,CIDX", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,CIDX=loud", mgr))
}

// TestSubLoggerWrites asserts that generated loggers write through the shared
// handler and are only created once per subsystem.
func TestSubLoggerWrites(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf, btclog.WithNoTimestamp())

	var installed int
	useLogger := func(l btclog.Logger) {
		installed++
		l.Infof("linked %d headers", 3)
	}
	first := mgr.GenSubLogger("CSEL", useLogger)
	second := mgr.GenSubLogger("CSEL", nil)
	require.True(t, first == second)
	require.Contains(t, buf.String(), "CSEL")
	require.Contains(t, buf.String(), "linked 3 headers")
	require.Equal(t, 1, installed)
}

// TestLogConfigValidate rejects unknown compressors and call-site modes, but
// ignores file options when the file logger is disabled.
func TestLogConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	require.NoError(t, cfg.Validate())
	require.Empty(t, cfg.HandlerOptions())

	cfg.File.Compressor = "lz4"
	require.Error(t, cfg.Validate())

	cfg.File.Disable = true
	require.NoError(t, cfg.Validate())

	cfg.File.Disable = false
	cfg.File.Compressor = Zstd
	require.NoError(t, cfg.Validate())

	cfg.CallSite = "everywhere"
	require.Error(t, cfg.Validate())

	cfg.CallSite = callSiteShort
	cfg.NoTimestamps = true
	require.Len(t, cfg.HandlerOptions(), 2)
}

// TestRotatingLogWriter writes through the rotator into a temp dir.
func TestRotatingLogWriter(t *testing.T) {
	t.Parallel()

	cfg := DefaultLogConfig()
	w := NewRotatingLogWriter()

	logFile := filepath.Join(t.TempDir(), "logs", "chaind.log")
	require.NoError(t, w.InitLogRotator(cfg.File, logFile))

	n, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.NoError(t, w.Close())
}

// TestShutdownLogger requests shutdown once, on the first critical line.
func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf, btclog.WithNoTimestamp())

	var reasons []string
	logger := NewShutdownLogger(
		"CHND", mgr.GenSubLogger("CHND", nil),
		func(subsystem, reason string) {
			reasons = append(reasons, subsystem+": "+reason)
		},
	)

	logger.Errorf("recoverable")
	require.Empty(t, reasons)

	logger.Criticalf("index corrupted at %d", 7)
	logger.Critical("still corrupted")
	require.Equal(t, []string{"CHND: index corrupted at 7"}, reasons)
	require.Contains(t, buf.String(), "index corrupted at 7")
	require.Contains(t, buf.String(), "still corrupted")
}

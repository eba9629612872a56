package build

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
)

const (
	callSiteOff   = "off"
	callSiteShort = "short"
	callSiteLong  = "long"

	defaultLogCompressor = Gzip

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 20
)

// LogConfig holds logging configuration options. The line format is shared
// by every destination so that console and file output stay comparable.
//
//nolint:lll
type LogConfig struct {
	NoTimestamps bool   `long:"no-timestamps" description:"Omit timestamps from log lines."`
	CallSite     string `long:"call-site" description:"Include the call-site of each log line." choice:"off" choice:"short" choice:"long"`

	Console *ConsoleConfig `group:"console" namespace:"console" description:"The logger writing to stdout."`
	File    *FileConfig    `group:"file" namespace:"file" description:"The logger writing to the daemon's rotating log file."`
}

// ConsoleConfig configures logging to stdout.
type ConsoleConfig struct {
	Disable bool `long:"disable" description:"Disable console logging."`
}

// FileConfig configures the rotating log file.
//
//nolint:lll
type FileConfig struct {
	Disable        bool   `long:"disable" description:"Disable logging to the log file."`
	Compressor     string `long:"compressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`
	MaxLogFiles    int    `long:"max-files" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"max-file-size" description:"Maximum logfile size in MB"`
}

// DefaultLogConfig returns the default logging config options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		CallSite: callSiteOff,
		Console:  &ConsoleConfig{},
		File: &FileConfig{
			Compressor:     defaultLogCompressor,
			MaxLogFiles:    DefaultMaxLogFiles,
			MaxLogFileSize: DefaultMaxLogFileSize,
		},
	}
}

// Validate validates the LogConfig struct values.
func (c *LogConfig) Validate() error {
	switch c.CallSite {
	case "", callSiteOff, callSiteShort, callSiteLong:
	default:
		return fmt.Errorf("invalid call-site option: %v", c.CallSite)
	}

	if c.File.Disable {
		return nil
	}

	if !SupportedLogCompressor(c.File.Compressor) {
		return fmt.Errorf("invalid log compressor: %v",
			c.File.Compressor)
	}
	if c.File.MaxLogFileSize <= 0 {
		return fmt.Errorf("max log file size must be positive, got %d",
			c.File.MaxLogFileSize)
	}
	if c.File.MaxLogFiles < 0 {
		return fmt.Errorf("max log files must not be negative, got %d",
			c.File.MaxLogFiles)
	}

	return nil
}

// HandlerOptions translates the line format options into btclog handler
// options.
func (c *LogConfig) HandlerOptions() []btclog.HandlerOption {
	var opts []btclog.HandlerOption
	if c.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}

	switch c.CallSite {
	case callSiteShort:
		opts = append(opts, btclog.WithCallerFlags(btclog.Lshortfile))
	case callSiteLong:
		opts = append(opts, btclog.WithCallerFlags(btclog.Llongfile))
	}

	return opts
}

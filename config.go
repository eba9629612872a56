package chaind

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/chaindaemon/chaind/build"
	"github.com/chaindaemon/chaind/daemon"
	"github.com/chaindaemon/chaind/signal"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	defaultConfigFilename = "chaind.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "chaind.log"
	defaultLogLevel       = "info"
	defaultDBFilename     = "chain.db"
	defaultNetwork        = "mainnet"
	defaultPromListen     = "127.0.0.1:9092"
	defaultStatsInterval  = time.Minute

	defaultDiskRequired = 0.1
	defaultDiskInterval = 12 * time.Hour
	defaultDiskTimeout  = 5 * time.Second
	defaultDiskBackoff  = time.Minute
	defaultDiskAttempts = 2

	// DBBackendBolt stores chain data in a bbolt file.
	DBBackendBolt = "bolt"

	// DBBackendMemory keeps chain data in memory only. Nothing survives a
	// restart and no snapshots are written.
	DBBackendMemory = "memory"
)

var (
	// DefaultChaindDir is the default directory where chaind tries to find
	// its configuration file and store its data.
	DefaultChaindDir = btcutil.AppDataDir("chaind", false)

	// DefaultConfigFile is the default full path of chaind's configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultChaindDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultChaindDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultChaindDir, defaultLogDirname)

	// networks maps the accepted network names to their parameters.
	networks = map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet3": &chaincfg.TestNet3Params,
		"regtest":  &chaincfg.RegressionNetParams,
		"simnet":   &chaincfg.SimNetParams,
		"signet":   &chaincfg.SigNetParams,
	}
)

// WorkerTiming configures the schedule of one daemon worker.
//
//nolint:lll
type WorkerTiming struct {
	MinWait time.Duration `long:"minwait" description:"Minimum delay between two runs of the worker."`
	MaxIdle time.Duration `long:"maxidle" description:"Run the worker after this long without a trigger (0 to disable)."`
}

// Workers holds the schedule of every daemon worker.
//
//nolint:lll
type Workers struct {
	Chaining   *WorkerTiming `group:"chaining" namespace:"chaining" description:"Links stored headers to the chain graph."`
	Winner     *WorkerTiming `group:"winner" namespace:"winner" description:"Selects the leaf with the most work."`
	Advance    *WorkerTiming `group:"advance" namespace:"advance" description:"Moves the committed state toward the winner."`
	Revalidate *WorkerTiming `group:"revalidate" namespace:"revalidate" description:"Checks the committed state from genesis; maxidle is the revalidation interval."`
	Checkpoint *WorkerTiming `group:"checkpoint" namespace:"checkpoint" description:"Writes snapshots of the committed state; maxidle is the checkpoint interval."`
}

// Prometheus configures the metrics exporter.
//
//nolint:lll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Export daemon metrics on /metrics."`
	Listen string `long:"listen" description:"Address the metrics exporter listens on."`
}

// DB configures the chain data store.
//
//nolint:lll
type DB struct {
	Backend string        `long:"backend" description:"The backend holding chain data and snapshots." choice:"bolt" choice:"memory"`
	Timeout time.Duration `long:"timeout" description:"How long to wait to open the bolt database."`
}

// CheckConfig is the schedule of one health check.
//
//nolint:lll
type CheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to run the check (0 to disable)."`
	Attempts int           `long:"attempts" description:"The number of calls we will make for the check before failing. Set this value to 0 to disable a check."`
	Timeout  time.Duration `long:"timeout" description:"The amount of time we allow the check to take before we fail the attempt."`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to back off between failed attempts."`
}

// DiskCheckConfig requires a share of the data directory's disk to be free.
//
//nolint:lll
type DiskCheckConfig struct {
	RequiredRemaining float64 `long:"diskrequired" description:"The minimum ratio of free disk space to total capacity that we allow before shutting down."`

	*CheckConfig
}

// HealthChecks holds the liveness checks that shut chaind down on failure.
type HealthChecks struct {
	DiskCheck *DiskCheckConfig `group:"diskspace" namespace:"diskspace"`
}

// Config defines the configuration options for chaind.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ChaindDir  string `long:"chainddir" description:"The base directory that contains chaind's data, logs and configuration file."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store chaind's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems."`

	Network string `long:"network" description:"The network whose genesis block the chain starts from." choice:"mainnet" choice:"testnet3" choice:"regtest" choice:"simnet" choice:"signet"`

	BlockCacheSize uint64        `long:"blockcachesize" description:"The maximum capacity in bytes of the block cache."`
	PrefetchWindow int           `long:"prefetchwindow" description:"Number of blocks loaded ahead while advancing the committed state."`
	StatsInterval  time.Duration `long:"statsinterval" description:"How often to log a daemon summary (0 to disable)."`

	DB *DB `group:"db" namespace:"db"`

	Workers *Workers `group:"workers" namespace:"workers"`

	Prometheus *Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *HealthChecks `group:"healthcheck" namespace:"healthcheck"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	// ActiveNetParams are the parameters of the selected network.
	ActiveNetParams *chaincfg.Params

	// SubLogMgr is the manager of every subsystem logger.
	SubLogMgr *build.SubLoggerManager

	// LogRotator is the rotating file writer the loggers write to. It must
	// be closed on shutdown.
	LogRotator *build.RotatingLogWriter
}

func timingFrom(t daemon.Timing) *WorkerTiming {
	return &WorkerTiming{MinWait: t.MinWait, MaxIdle: t.MaxIdle}
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	timings := daemon.DefaultWorkerTimings()

	return Config{
		ChaindDir:      DefaultChaindDir,
		ConfigFile:     DefaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		DebugLevel:     defaultLogLevel,
		Network:        defaultNetwork,
		BlockCacheSize: daemon.DefaultBlockCacheSize,
		StatsInterval:  defaultStatsInterval,
		DB: &DB{
			Backend: DBBackendBolt,
			Timeout: kvdb.DefaultDBTimeout,
		},
		Workers: &Workers{
			Chaining:   timingFrom(timings.Chaining),
			Winner:     timingFrom(timings.Winner),
			Advance:    timingFrom(timings.Advance),
			Revalidate: timingFrom(timings.Revalidate),
			Checkpoint: timingFrom(timings.Checkpoint),
		},
		Prometheus: &Prometheus{
			Listen: defaultPromListen,
		},
		HealthChecks: &HealthChecks{
			DiskCheck: &DiskCheckConfig{
				RequiredRemaining: defaultDiskRequired,
				CheckConfig: &CheckConfig{
					Interval: defaultDiskInterval,
					Attempts: defaultDiskAttempts,
					Timeout:  defaultDiskTimeout,
					Backoff:  defaultDiskBackoff,
				},
			},
		},
		LogConfig:  build.DefaultLogConfig(),
		LogRotator: build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their chainddir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.ChaindDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultChaindDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, defaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, os.Stdout, interceptor)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		chmnLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane, normalizes every
// path, creates the directories and sets up logging to console plus the
// rotating log file. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, console io.Writer,
	interceptor signal.Interceptor) (*Config, error) {

	// If the provided chaind directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	chaindDir := CleanAndExpandPath(cfg.ChaindDir)
	if chaindDir != DefaultChaindDir {
		cfg.DataDir = filepath.Join(chaindDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(chaindDir, defaultLogDirname)
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)

	params, ok := networks[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	cfg.ActiveNetParams = params

	// Data and logs are kept per network.
	cfg.DataDir = filepath.Join(cfg.DataDir, params.Name)
	cfg.LogDir = filepath.Join(cfg.LogDir, params.Name)

	for _, dir := range []string{chaindDir, cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("unable to create directory "+
				"%v: %w", dir, err)
		}
	}

	switch cfg.DB.Backend {
	case DBBackendBolt, DBBackendMemory:
	default:
		return nil, fmt.Errorf("unknown db backend %q",
			cfg.DB.Backend)
	}

	if cfg.PrefetchWindow < 0 {
		return nil, fmt.Errorf("prefetchwindow must not be negative")
	}
	if cfg.StatsInterval < 0 {
		return nil, fmt.Errorf("statsinterval must not be negative")
	}

	for name, timing := range cfg.Workers.byName() {
		if timing.MinWait < 0 || timing.MaxIdle < 0 {
			return nil, fmt.Errorf("worker %s: timings must not "+
				"be negative", name)
		}
	}

	disk := cfg.HealthChecks.DiskCheck
	if disk.RequiredRemaining < 0 || disk.RequiredRemaining >= 1 {
		return nil, fmt.Errorf("diskrequired must be in [0, 1), got %v",
			disk.RequiredRemaining)
	}
	if err := disk.validate("disk space"); err != nil {
		return nil, err
	}

	if err := cfg.LogConfig.Validate(); err != nil {
		return nil, err
	}

	// Initialize logging at the default logging level. Every subsystem
	// writes to the console and the rotating log file.
	if cfg.LogRotator == nil {
		cfg.LogRotator = build.NewRotatingLogWriter()
	}
	var writers []io.Writer
	if !cfg.LogConfig.Console.Disable {
		writers = append(writers, console)
	}
	if !cfg.LogConfig.File.Disable {
		err := cfg.LogRotator.InitLogRotator(
			cfg.LogConfig.File,
			filepath.Join(cfg.LogDir, defaultLogFilename),
		)
		if err != nil {
			return nil, err
		}
		writers = append(writers, cfg.LogRotator)
	}

	cfg.SubLogMgr = build.NewSubLoggerManager(
		io.MultiWriter(writers...), cfg.LogConfig.HandlerOptions()...,
	)
	SetupLoggers(cfg.SubLogMgr, interceptor)

	// Parse, validate, and set debug log level(s).
	err := build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.SubLogMgr)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that a health check's schedule is usable.
func (c *CheckConfig) validate(name string) error {
	// If the check is disabled, there is nothing more to check.
	if c.Attempts == 0 || c.Interval == 0 {
		return nil
	}

	if c.Attempts < 0 || c.Interval < 0 || c.Backoff < 0 {
		return fmt.Errorf("%v: attempts, interval and backoff must "+
			"not be negative", name)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%v: timeout must be positive", name)
	}

	return nil
}

// byName lists the worker timings keyed by worker name.
func (w *Workers) byName() map[string]*WorkerTiming {
	return map[string]*WorkerTiming{
		"chaining":   w.Chaining,
		"winner":     w.Winner,
		"advance":    w.Advance,
		"revalidate": w.Revalidate,
		"checkpoint": w.Checkpoint,
	}
}

// daemonTimings converts the configured schedule.
func (w *Workers) daemonTimings() daemon.WorkerTimings {
	timing := func(t *WorkerTiming) daemon.Timing {
		return daemon.Timing{MinWait: t.MinWait, MaxIdle: t.MaxIdle}
	}

	return daemon.WorkerTimings{
		Chaining:   timing(w.Chaining),
		Winner:     timing(w.Winner),
		Advance:    timing(w.Advance),
		Revalidate: timing(w.Revalidate),
		Checkpoint: timing(w.Checkpoint),
	}
}

// dbPath returns the location of the bolt database.
func (c *Config) dbPath() string {
	return filepath.Join(c.DataDir, defaultDBFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

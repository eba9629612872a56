package chaind

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/chaindaemon/chaind/advancer"
	"github.com/chaindaemon/chaind/build"
	"github.com/chaindaemon/chaind/chainindex"
	"github.com/chaindaemon/chaind/chainselect"
	"github.com/chaindaemon/chaind/chainstore"
	"github.com/chaindaemon/chaind/daemon"
	"github.com/chaindaemon/chaind/missingdata"
	"github.com/chaindaemon/chaind/monitoring"
	"github.com/chaindaemon/chaind/signal"
	"github.com/chaindaemon/chaind/snapshot"
	"github.com/chaindaemon/chaind/worker"
)

// Subsystem defines the logging code for the main package.
const Subsystem = "CHMN"

// chmnLog is the logger of the main package. It is replaced by SetupLoggers.
var chmnLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables. Critical log
// lines of any subsystem request a shutdown through the interceptor.
func SetupLoggers(root *build.SubLoggerManager, interceptor signal.Interceptor) {
	genLogger := genSubLogger(root, interceptor)

	chmnLog = genLogger(Subsystem)

	AddSubLogger(root, chainindex.Subsystem, interceptor,
		chainindex.UseLogger)
	AddSubLogger(root, chainselect.Subsystem, interceptor,
		chainselect.UseLogger)
	AddSubLogger(root, advancer.Subsystem, interceptor, advancer.UseLogger)
	AddSubLogger(root, worker.Subsystem, interceptor, worker.UseLogger)
	AddSubLogger(root, daemon.Subsystem, interceptor, daemon.UseLogger)
	AddSubLogger(root, snapshot.Subsystem, interceptor, snapshot.UseLogger)
	AddSubLogger(root, chainstore.Subsystem, interceptor,
		chainstore.UseLogger)
	AddSubLogger(root, missingdata.Subsystem, interceptor,
		missingdata.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, interceptor,
		monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	logger := genSubLogger(root, interceptor)(subsystem)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func(subsystem, reason string) {
		if !interceptor.Alive() {
			return
		}

		root.GenSubLogger(Subsystem, nil).Infof("Critical error in "+
			"%s, shutting down: %s", subsystem, reason)

		// Run the shutdown request in a goroutine so critical logs
		// from within the shutdown path do not block.
		go interceptor.RequestShutdown()
	}

	return func(tag string) btclog.Logger {
		return build.NewShutdownLogger(
			tag, root.GenSubLogger(tag, nil), shutdown,
		)
	}
}

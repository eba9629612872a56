package build

import (
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btclog/v2"
)

// ShutdownFunc is asked to stop the process after a critical log line of the
// given subsystem.
type ShutdownFunc func(subsystem, reason string)

// ShutdownLogger is a subsystem logger whose critical lines request a
// shutdown. Only the first critical line of a logger sends the request.
type ShutdownLogger struct {
	btclog.Logger

	subsystem string
	requested atomic.Bool
	shutdown  ShutdownFunc
}

// NewShutdownLogger wraps the logger of subsystem.
func NewShutdownLogger(subsystem string, logger btclog.Logger,
	shutdown ShutdownFunc) *ShutdownLogger {

	return &ShutdownLogger{
		Logger:    logger,
		subsystem: subsystem,
		shutdown:  shutdown,
	}
}

// Criticalf logs at LevelCritical and requests a shutdown.
//
// Note: it is part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...any) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown(fmt.Sprintf(format, params...))
}

// Critical logs at LevelCritical and requests a shutdown.
//
// Note: it is part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...any) {
	s.Logger.Critical(v...)
	s.requestShutdown(fmt.Sprint(v...))
}

func (s *ShutdownLogger) requestShutdown(reason string) {
	if !s.requested.CompareAndSwap(false, true) {
		return
	}

	s.Logger.Info("Sending request for shutdown")
	s.shutdown(s.subsystem, reason)
}

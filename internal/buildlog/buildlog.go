// Package buildlog is a small stand-in for lnd's build.NewSubLogger: a way
// for each package in this module to own a btclog.Logger that defaults to
// disabled until the embedding application wires up a real backend.
package buildlog

import (
	"os"

	"github.com/btcsuite/btclog"
)

// backend writes to stdout by default. Applications embedding this module
// are expected to replace individual subsystem loggers via UseLogger on the
// relevant package, the same way lnd's subsystemLoggers map does.
var backend = btclog.NewBackend(os.Stdout)

// NewSubLogger returns a disabled logger for subsystem. Packages call this
// in an init() and expose their own UseLogger so callers can opt in.
func NewSubLogger(subsystem string) btclog.Logger {
	return btclog.Disabled
}

// NewActiveSubLogger returns a logger for subsystem that writes to stdout at
// the info level. Tests and example programs can use this to see activity
// without needing a full logging configuration.
func NewActiveSubLogger(subsystem string) btclog.Logger {
	logger := backend.Logger(subsystem)
	logger.SetLevel(btclog.LevelInfo)
	return logger
}

package addrsync

import (
	"github.com/btcsuite/btclog"
	"github.com/marcinja/bitcoin/internal/buildlog"
)

// log is the subsystem logger for addrsync.
var log btclog.Logger

func init() {
	UseLogger(buildlog.NewSubLogger("ADXS"))
}

// DisableLog disables all addrsync log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the logger used by the addrsync package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

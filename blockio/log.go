package blockio

import (
	"github.com/btcsuite/btclog"
	"github.com/marcinja/bitcoin/internal/buildlog"
)

// log is the subsystem logger for blockio.
var log btclog.Logger

func init() {
	UseLogger(buildlog.NewSubLogger("BLIO"))
}

// DisableLog disables all blockio log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the logger used by the blockio package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

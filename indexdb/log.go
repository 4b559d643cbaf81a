package indexdb

import (
	"github.com/btcsuite/btclog"
	"github.com/marcinja/bitcoin/internal/buildlog"
)

// log is the subsystem logger for indexdb. It is disabled until the
// embedding application calls UseLogger.
var log btclog.Logger

func init() {
	UseLogger(buildlog.NewSubLogger("ADXD"))
}

// DisableLog disables all indexdb log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the logger used by the indexdb package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

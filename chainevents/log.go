package chainevents

import (
	"github.com/btcsuite/btclog"
	"github.com/marcinja/bitcoin/internal/buildlog"
)

// log is the subsystem logger for chainevents.
var log btclog.Logger

func init() {
	UseLogger(buildlog.NewSubLogger("ADXE"))
}

// DisableLog disables all chainevents log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the logger used by the chainevents package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

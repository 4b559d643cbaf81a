package bitcoin

import (
	"github.com/btcsuite/btclog"
	"github.com/marcinja/bitcoin/internal/buildlog"
)

// log is the subsystem logger for the top-level Index facade.
var log btclog.Logger

func init() {
	UseLogger(buildlog.NewSubLogger("ADXX"))
}

// DisableLog disables all log output from this package.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

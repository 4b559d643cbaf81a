package ingest

import (
	"github.com/btcsuite/btclog"
	"github.com/marcinja/bitcoin/internal/buildlog"
)

// log is the subsystem logger for ingest.
var log btclog.Logger

func init() {
	UseLogger(buildlog.NewSubLogger("ADXI"))
}

// DisableLog disables all ingest log output.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the logger used by the ingest package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

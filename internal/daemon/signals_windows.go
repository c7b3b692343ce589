//go:build windows

package daemon

import (
	"os"
	"syscall"
)

// Windows delivers only interrupt and terminate; there is no reload signal.
var trapSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}

func isReloadSignal(os.Signal) bool { return false }

func isNoopSignal(os.Signal) bool { return false }

//go:build !windows

package daemon

import (
	"os"
	"syscall"
)

// trapSignals is the set the daemon listens for. SIGHUP and SIGUSR1 reload
// the configuration, SIGUSR2 is trapped without action, the rest shut the
// daemon down.
var trapSignals = []os.Signal{
	syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
	syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2,
}

func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP || sig == syscall.SIGUSR1
}

func isNoopSignal(sig os.Signal) bool {
	return sig == syscall.SIGUSR2
}

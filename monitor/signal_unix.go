//go:build unix

package monitor

import (
	"os"

	"golang.org/x/sys/unix"
)

// stopSignal is the graceful-termination request StopProcess sends before
// escalating to a hard kill.
var stopSignal os.Signal = unix.SIGTERM

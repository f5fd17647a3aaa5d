//go:build !unix

package monitor

import "os"

// No graceful termination signal here; StopProcess kills outright.
var stopSignal os.Signal = os.Kill

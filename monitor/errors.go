package monitor

import (
	"errors"
	"fmt"
)

// ErrNoProcesses is returned when the monitor is driven without any tracked
// processes.
var ErrNoProcesses = errors.New("no processes were added")

// ErrAllDaemons is returned when only daemon processes are tracked; there is
// nothing whose exit could end the run.
var ErrAllDaemons = errors.New("all tracked processes are daemons")

// SpawnError reports that a process could not be started. It surfaces
// synchronously at the call site.
type SpawnError struct {
	Cmd string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Cmd, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports that a process exceeded its deadline and was forcibly
// killed. The process is recorded as TimedOut, not given an exit code.
type TimeoutError struct {
	Info *RunInfo
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process timed out after %v: %s", e.Info.Timeout, e.Info)
}

// DaemonExitError reports that a daemon process exited while the run was
// still in progress.
type DaemonExitError struct {
	Info *RunInfo
}

func (e *DaemonExitError) Error() string {
	return fmt.Sprintf("unexpected daemon exit: %s", e.Info)
}

// MatchError reports that an output pattern was not found.
type MatchError struct {
	Pattern string
	Stream  string
	Output  string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("could not match %q in %s output:\n%s", e.Pattern, e.Stream, e.Output)
}

package monitor

import (
	"os"
	"os/exec"
	"time"
)

// State is the lifecycle state of a tracked process.
type State int

const (
	// StateSpawned means the process object exists but has not started.
	StateSpawned State = iota

	// StateRunning means the OS process is alive.
	StateRunning

	// StateExited means the process ended on its own.
	StateExited

	// StateKilled means the process was deliberately stopped.
	StateKilled

	// StateTimedOut means the watchdog killed the process at its deadline.
	StateTimedOut

	// StateReaped means all output was drained and the final sample recorded.
	// The RunInfo is sealed from this point on.
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	case StateTimedOut:
		return "timed-out"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the process is dead (possibly not yet reaped).
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled || s == StateTimedOut || s == StateReaped
}

type waitResult struct {
	state *os.ProcessState
	err   error
}

// Process is a handle to one supervised OS process. It is exclusively owned
// by the Monitor that spawned it: all state transitions happen inside the
// monitor's poll step, never concurrently.
type Process struct {
	cmd  *exec.Cmd
	info *RunInfo

	state State

	// result records the terminal pre-state (Exited, Killed or TimedOut)
	// once the process reaches Reaped.
	result State

	// Read ends of the stdout/stderr pipes. nil once fully drained.
	stdout *os.File
	stderr *os.File

	// waitCh delivers the exit status from the per-process waiter goroutine.
	// It is consumed only inside the poll step, keeping bookkeeping
	// single-writer.
	waitCh chan waitResult

	// deadline is the watchdog cutoff, zero when no timeout is set.
	deadline time.Time

	// stopping marks a process that StopProcess has begun terminating, so
	// its death is recorded as Killed rather than Exited.
	stopping bool

	// lastUser/lastSys hold the previous cumulative CPU times for computing
	// incremental deltas.
	lastUser float64
	lastSys  float64
	sampled  bool
}

// Info returns the process's RunInfo.
func (p *Process) Info() *RunInfo { return p.info }

// State returns the current lifecycle state.
func (p *Process) State() State { return p.state }

// Result returns how the process died: Exited, Killed, or TimedOut. It is
// meaningful once the process has reached a terminal state.
func (p *Process) Result() State { return p.result }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.info.Pid }

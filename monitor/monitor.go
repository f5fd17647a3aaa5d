// Package monitor supervises OS processes spawned by a shell. It is a
// reactor: the caller drives it with repeated non-blocking KeepRunning steps,
// so all bookkeeping stays single-writer without locks or an internal thread
// pool. The spawned commands themselves run as real parallel OS processes.
package monitor

import (
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"grimm.is/dummynet/internal/clock"
	"grimm.is/dummynet/internal/logging"
)

// stopPollInterval is the pause between poll steps while waiting for a
// stopped process to die.
const stopPollInterval = 5 * time.Millisecond

// Monitor tracks any number of concurrently running processes, draining
// their output and sampling their resource usage on every poll step.
type Monitor struct {
	clk     clock.Clock
	log     *logging.Logger
	running []*Process
	reaped  []*Process
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects a clock, used for watchdog deadlines.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clk = c }
}

// WithLogger injects a logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// New creates a process monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{clk: &clock.RealClock{}}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = logging.WithComponent("monitor")
	}
	return m
}

// SpawnOptions control how a process is spawned and tracked.
type SpawnOptions struct {
	// Async marks the process as asynchronously supervised.
	Async bool

	// Daemon marks a process expected to run until the test ends.
	Daemon bool

	// Timeout arms the watchdog; 0 means no deadline.
	Timeout time.Duration
}

// Spawn starts cmd and registers it with the monitor. Spawn failures surface
// synchronously. The returned Process is owned by the monitor until it is
// reaped or stopped.
func (m *Monitor) Spawn(cmd *exec.Cmd, opts SpawnOptions) (*Process, error) {
	cmdline := strings.Join(cmd.Args, " ")

	rOut, wOut, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Cmd: cmdline, Err: err}
	}
	rErr, wErr, err := os.Pipe()
	if err != nil {
		rOut.Close()
		wOut.Close()
		return nil, &SpawnError{Cmd: cmdline, Err: err}
	}
	cmd.Stdout = wOut
	cmd.Stderr = wErr

	if err := cmd.Start(); err != nil {
		rOut.Close()
		wOut.Close()
		rErr.Close()
		wErr.Close()
		return nil, &SpawnError{Cmd: cmdline, Err: err}
	}

	// The parent must not hold the write ends, or EOF never arrives.
	wOut.Close()
	wErr.Close()

	info := &RunInfo{
		Cmd:      cmdline,
		Cwd:      cmd.Dir,
		Pid:      cmd.Process.Pid,
		IsAsync:  opts.Async,
		IsDaemon: opts.Daemon,
		Timeout:  opts.Timeout,
	}

	p := &Process{
		cmd:    cmd,
		info:   info,
		state:  StateRunning,
		stdout: rOut,
		stderr: rErr,
		waitCh: make(chan waitResult, 1),
	}
	if opts.Timeout > 0 {
		p.deadline = m.clk.Now().Add(opts.Timeout)
	}

	go func() {
		st, werr := cmd.Process.Wait()
		p.waitCh <- waitResult{state: st, err: werr}
	}()

	m.running = append(m.running, p)
	m.log.Debug("spawned", "pid", info.Pid, "cmd", cmdline,
		"async", opts.Async, "daemon", opts.Daemon)
	return p, nil
}

// KeepRunning performs one non-blocking scheduling step: it polls every
// tracked process for new output and liveness, updates resource-usage
// samples, and advances finished processes to Reaped. It returns true while
// at least one non-daemon process is still active. Drive it from your own
// loop:
//
//	for keep, err := mon.KeepRunning(); keep; keep, err = mon.KeepRunning() { ... }
func (m *Monitor) KeepRunning() (bool, error) {
	if len(m.running) == 0 && len(m.reaped) == 0 {
		return false, ErrNoProcesses
	}

	allDaemons := true
	for _, p := range append(append([]*Process{}, m.running...), m.reaped...) {
		if !p.info.IsDaemon {
			allDaemons = false
			break
		}
	}
	if allDaemons {
		return false, ErrAllDaemons
	}

	// Several processes can misbehave in the same step (two daemons exiting
	// between polls); report all of them, not just the first.
	var merr *multierror.Error
	for _, p := range append([]*Process{}, m.running...) {
		if derr := m.step(p); derr != nil {
			merr = multierror.Append(merr, derr)
		}
	}
	err := merr.ErrorOrNil()

	for _, p := range m.running {
		if !p.info.IsDaemon {
			return true, err
		}
	}
	return false, err
}

// IsRunning performs a single poll step for one process and reports whether
// it is still alive.
func (m *Monitor) IsRunning(p *Process) bool {
	m.step(p)
	return p.state == StateRunning
}

// step polls one process: bounded output drain, liveness check, watchdog,
// usage sample. All state transitions happen here.
func (m *Monitor) step(p *Process) error {
	if p.state == StateReaped {
		return nil
	}

	readAvailable(p.stdout, &p.info.stdout)
	readAvailable(p.stderr, &p.info.stderr)

	select {
	case res := <-p.waitCh:
		m.finalize(p, res)
		if p.info.IsDaemon && p.result == StateExited {
			return &DaemonExitError{Info: p.info}
		}
		return nil
	default:
	}

	if p.state == StateRunning && !p.deadline.IsZero() && m.clk.Now().After(p.deadline) {
		m.log.Warn("watchdog timeout, killing process", "pid", p.info.Pid, "timeout", p.info.Timeout)
		_ = p.cmd.Process.Kill()
		p.state = StateTimedOut
		return nil
	}

	if p.state == StateRunning {
		m.sample(p)
	}
	return nil
}

// finalize moves a dead process to Reaped: the remaining output is drained to
// EOF (an immediate final read, so nothing is lost even if the process died
// between two polls), the exit code is recorded, and a last sample seals the
// RunInfo.
func (m *Monitor) finalize(p *Process, res waitResult) {
	drainAll(p.stdout, &p.info.stdout)
	drainAll(p.stderr, &p.info.stderr)
	p.stdout.Close()
	p.stderr.Close()
	p.stdout, p.stderr = nil, nil

	switch {
	case p.state == StateTimedOut:
		// Recorded as TimedOut, no exit code.
	case p.stopping:
		p.state = StateKilled
	default:
		p.state = StateExited
		if res.state != nil {
			code := res.state.ExitCode()
			p.info.exitCode = &code
		}
	}

	m.finalSample(p)
	p.info.sealed = true
	p.result = p.state
	p.state = StateReaped

	for i, q := range m.running {
		if q == p {
			m.running = append(m.running[:i], m.running[i+1:]...)
			break
		}
	}
	m.reaped = append(m.reaped, p)
	m.log.Debug("reaped", "pid", p.info.Pid, "result", p.result.String())
}

// StopProcess terminates one process: SIGTERM first, escalating to SIGKILL
// when the timeout expires, and always finishes draining output before
// returning. Stopping an already-stopped process is a no-op.
func (m *Monitor) StopProcess(p *Process, timeout time.Duration) error {
	if p.state == StateReaped {
		return nil
	}
	if p.state.Terminal() {
		// Dead but not yet drained; one step reaps it.
		m.step(p)
		return nil
	}

	p.stopping = true
	if err := p.cmd.Process.Signal(stopSignal); err != nil && err != os.ErrProcessDone {
		m.log.Warn("SIGTERM failed", "pid", p.info.Pid, "error", err)
	}

	start := m.clk.Now()
	killed := false
	for p.state != StateReaped {
		m.step(p)
		if p.state == StateReaped {
			break
		}
		if !killed && m.clk.Since(start) > timeout {
			if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
				return err
			}
			killed = true
		}
		time.Sleep(stopPollInterval)
	}
	return nil
}

// Stop terminates every tracked process. Failures are collected from all of
// them and reported together rather than aborting on the first.
func (m *Monitor) Stop(timeout time.Duration) error {
	var merr *multierror.Error
	for _, p := range append([]*Process{}, m.running...) {
		if err := m.StopProcess(p, timeout); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// readAvailable reads whatever is currently buffered on f without blocking
// beyond an immediate deadline.
func readAvailable(f *os.File, dst *[]byte) {
	if f == nil {
		return
	}
	_ = f.SetReadDeadline(time.Now().Add(time.Millisecond))
	var buf [4096]byte
	for {
		n, err := f.Read(buf[:])
		if n > 0 {
			*dst = append(*dst, buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

// drainAll reads f to EOF. Used once the writers are dead, so everything left
// is already buffered in the pipe.
func drainAll(f *os.File, dst *[]byte) {
	if f == nil {
		return
	}
	_ = f.SetReadDeadline(time.Time{})
	var buf [4096]byte
	for {
		n, err := f.Read(buf[:])
		if n > 0 {
			*dst = append(*dst, buf[:n]...)
		}
		if err != nil {
			return
		}
	}
}

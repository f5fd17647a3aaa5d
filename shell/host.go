package shell

import (
	"os/exec"
	"time"

	"grimm.is/dummynet/internal/logging"
	"grimm.is/dummynet/monitor"
)

// runPollInterval is the pause between poll steps in a synchronous run.
const runPollInterval = 10 * time.Millisecond

// HostShell runs commands directly on the host, optionally elevated.
type HostShell struct {
	mon  *monitor.Monitor
	log  *logging.Logger
	sudo *Sudo
}

// HostOption configures a HostShell.
type HostOption func(*HostShell)

// WithSudo elevates every command through the given credential context.
func WithSudo(s *Sudo) HostOption {
	return func(h *HostShell) { h.sudo = s }
}

// WithLogger injects a logger.
func WithLogger(l *logging.Logger) HostOption {
	return func(h *HostShell) { h.log = l }
}

// NewHostShell creates a shell bound to the given process monitor.
func NewHostShell(mon *monitor.Monitor, opts ...HostOption) *HostShell {
	h := &HostShell{mon: mon}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = logging.WithComponent("shell")
	}
	return h
}

// Monitor returns the bound process monitor.
func (h *HostShell) Monitor() *monitor.Monitor { return h.mon }

// Run executes a shell-interpreted command and blocks until it exits or the
// timeout expires. A non-zero exit code is returned as a RunError carrying
// the full RunInfo.
func (h *HostShell) Run(cmd string, opts ...Option) (*monitor.RunInfo, error) {
	return h.runSync([]string{"/bin/sh", "-c", cmd}, applyOptions(opts))
}

// RunArgs executes an argument list directly, with no shell interpretation.
func (h *HostShell) RunArgs(args []string, opts ...Option) (*monitor.RunInfo, error) {
	return h.runSync(args, applyOptions(opts))
}

// RunAsync executes a shell-interpreted command without blocking.
func (h *HostShell) RunAsync(cmd string, opts ...Option) (*monitor.Process, error) {
	return h.spawn([]string{"/bin/sh", "-c", cmd}, applyOptions(opts), true)
}

// RunArgsAsync executes an argument list directly without blocking.
func (h *HostShell) RunArgsAsync(args []string, opts ...Option) (*monitor.Process, error) {
	return h.spawn(args, applyOptions(opts), true)
}

func (h *HostShell) runSync(argv []string, cfg runConfig) (*monitor.RunInfo, error) {
	p, err := h.spawn(argv, cfg, false)
	if err != nil {
		return nil, err
	}

	for p.State() != monitor.StateReaped {
		h.mon.IsRunning(p)
		if p.State() == monitor.StateReaped {
			break
		}
		time.Sleep(runPollInterval)
	}

	info := p.Info()
	if p.Result() == monitor.StateTimedOut {
		return info, &monitor.TimeoutError{Info: info}
	}
	if code := info.ExitCode(); code != nil && *code != 0 {
		return info, &RunError{Info: info}
	}
	return info, nil
}

func (h *HostShell) spawn(argv []string, cfg runConfig, async bool) (*monitor.Process, error) {
	if h.sudo != nil {
		if err := h.sudo.Validate(); err != nil {
			return nil, err
		}
		// -n: a validation gap must fail loudly, never hang on a prompt.
		argv = append([]string{"sudo", "-n"}, argv...)
	}

	h.log.Debug("run", "cmd", argv, "async", async, "daemon", cfg.daemon)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.cwd
	cmd.Env = cfg.env

	return h.mon.Spawn(cmd, monitor.SpawnOptions{
		Async:   async,
		Daemon:  cfg.daemon,
		Timeout: cfg.timeout,
	})
}

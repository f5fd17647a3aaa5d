// Package shell executes commands on the local host, optionally elevated via
// sudo and optionally inside a network namespace. Synchronous runs block
// until exit or timeout; asynchronous runs return a handle registered with
// the bound process monitor.
package shell

import (
	"fmt"
	"time"

	"grimm.is/dummynet/monitor"
)

// Shell runs commands. A command string is shell-interpreted ("/bin/sh -c");
// an argument list is executed directly with no metacharacter interpretation.
type Shell interface {
	// Run blocks until the command exits or the timeout expires.
	Run(cmd string, opts ...Option) (*monitor.RunInfo, error)

	// RunArgs is Run for an argument list (direct exec).
	RunArgs(args []string, opts ...Option) (*monitor.RunInfo, error)

	// RunAsync returns immediately; the process is tracked by the monitor.
	RunAsync(cmd string, opts ...Option) (*monitor.Process, error)

	// RunArgsAsync is RunAsync for an argument list.
	RunArgsAsync(args []string, opts ...Option) (*monitor.Process, error)

	// Monitor returns the process monitor bound to this shell.
	Monitor() *monitor.Monitor
}

type runConfig struct {
	cwd     string
	env     []string
	timeout time.Duration
	daemon  bool
}

// Option configures a single command invocation.
type Option func(*runConfig)

// WithCwd sets the working directory for the command.
func WithCwd(dir string) Option {
	return func(c *runConfig) { c.cwd = dir }
}

// WithEnv sets the environment for the command (os/exec semantics: nil
// inherits, non-nil replaces).
func WithEnv(env []string) Option {
	return func(c *runConfig) { c.env = env }
}

// WithTimeout arms the watchdog for a synchronous run.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) { c.timeout = d }
}

// AsDaemon marks an asynchronous process as a daemon: it is expected to keep
// running until the test is over, and exiting early is an error.
func AsDaemon() Option {
	return func(c *runConfig) { c.daemon = true }
}

func applyOptions(opts []Option) runConfig {
	var cfg runConfig
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// RunError reports a synchronous command that exited with a non-zero code.
type RunError struct {
	Info *monitor.RunInfo
}

func (e *RunError) Error() string {
	return fmt.Sprintf("command failed: %s\nstderr:\n%s", e.Info, e.Info.Stderr())
}

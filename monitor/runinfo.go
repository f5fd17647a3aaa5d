package monitor

import (
	"fmt"
	"path"
	"time"
)

// StatSample is one incremental resource-usage observation, recorded on every
// poll step while the process is alive. CPU fields are deltas since the
// previous sample, memory fields are the values seen at sample time.
type StatSample struct {
	When         time.Time
	CPUUserDelta float64
	CPUSysDelta  float64
	MemRSS       uint64
	MemVMS       uint64
}

// RunInfo stores the outcome of running a command. Output buffers are
// append-only and unbounded: they are never truncated, no matter how much the
// process writes. RunInfo is mutated only by the owning Monitor and sealed
// once the final sample after exit has been recorded.
type RunInfo struct {
	// Cmd is the command line that was executed.
	Cmd string

	// Cwd is the working directory the command ran in, empty for inherited.
	Cwd string

	// Pid of the spawned process.
	Pid int

	// IsAsync reports whether the command was run asynchronously.
	IsAsync bool

	// IsDaemon marks a process expected to outlive the measurement. A daemon
	// exiting while non-daemon processes still run is an error.
	IsDaemon bool

	// Timeout is the configured deadline, 0 for none.
	Timeout time.Duration

	stdout []byte
	stderr []byte

	exitCode *int

	cpuUser float64
	cpuSys  float64
	memRSS  uint64
	memVMS  uint64
	samples []StatSample

	sealed bool
}

// NewTestInfo constructs a sealed RunInfo for use in tests and mocks.
func NewTestInfo(stdout, stderr string, exitCode int) *RunInfo {
	return &RunInfo{
		stdout:   []byte(stdout),
		stderr:   []byte(stderr),
		exitCode: &exitCode,
		sealed:   true,
	}
}

// Stdout returns everything the process has written to stdout so far.
func (r *RunInfo) Stdout() string {
	return string(r.stdout)
}

// Stderr returns everything the process has written to stderr so far.
func (r *RunInfo) Stderr() string {
	return string(r.stderr)
}

// ExitCode returns the exit code, or nil while the process is running or when
// it was forcibly terminated (Killed / TimedOut).
func (r *RunInfo) ExitCode() *int {
	return r.exitCode
}

// CPUUser returns cumulative user CPU seconds.
func (r *RunInfo) CPUUser() float64 { return r.cpuUser }

// CPUSystem returns cumulative system CPU seconds.
func (r *RunInfo) CPUSystem() float64 { return r.cpuSys }

// CPUTotal returns cumulative user plus system CPU seconds.
func (r *RunInfo) CPUTotal() float64 { return r.cpuUser + r.cpuSys }

// MemRSS returns the most recently sampled resident set size in bytes.
func (r *RunInfo) MemRSS() uint64 { return r.memRSS }

// MemVMS returns the most recently sampled virtual memory size in bytes.
func (r *RunInfo) MemVMS() uint64 { return r.memVMS }

// Samples returns the incremental resource-usage samples recorded so far.
func (r *RunInfo) Samples() []StatSample { return r.samples }

// Sealed reports whether the RunInfo is final: the process exited, its output
// was fully drained, and the last sample was recorded.
func (r *RunInfo) Sealed() bool { return r.sealed }

// Match checks the captured output against shell-style patterns, one line at
// a time ("*" matches everything, "?" any single character, "[seq]" any
// character in seq). An empty pattern skips that stream.
func (r *RunInfo) Match(stdout, stderr string) error {
	if stdout != "" {
		if err := matchLines(stdout, "stdout", r.Stdout()); err != nil {
			return err
		}
	}
	if stderr != "" {
		if err := matchLines(stderr, "stderr", r.Stderr()); err != nil {
			return err
		}
	}
	return nil
}

func matchLines(pattern, stream, output string) error {
	if output == "" {
		return &MatchError{Pattern: pattern, Stream: stream, Output: output}
	}
	start := 0
	for i := 0; i <= len(output); i++ {
		if i == len(output) || output[i] == '\n' {
			if ok, _ := path.Match(pattern, output[start:i]); ok {
				return nil
			}
			start = i + 1
		}
	}
	return &MatchError{Pattern: pattern, Stream: stream, Output: output}
}

func (r *RunInfo) String() string {
	code := "nil"
	if r.exitCode != nil {
		code = fmt.Sprint(*r.exitCode)
	}
	return fmt.Sprintf("RunInfo{cmd: %q, pid: %d, exit: %s, stdout: %d bytes, stderr: %d bytes}",
		r.Cmd, r.Pid, code, len(r.stdout), len(r.stderr))
}

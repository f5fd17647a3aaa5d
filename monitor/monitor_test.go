//go:build linux

package monitor

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drive runs the monitor loop until no non-daemon process remains, with a
// test-side safety net so a regression cannot hang the suite.
func drive(t *testing.T, m *Monitor) error {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		keep, err := m.KeepRunning()
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor loop did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpawnFailure_Synchronous(t *testing.T) {
	m := New()
	_, err := m.Spawn(exec.Command("/nonexistent/binary"), SpawnOptions{})
	require.Error(t, err)
	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)
}

func TestKeepRunning_NoProcesses(t *testing.T) {
	m := New()
	_, err := m.KeepRunning()
	assert.ErrorIs(t, err, ErrNoProcesses)
}

func TestKeepRunning_AllDaemons(t *testing.T) {
	m := New()
	p, err := m.Spawn(exec.Command("sleep", "30"), SpawnOptions{Daemon: true})
	require.NoError(t, err)
	defer m.StopProcess(p, time.Second)

	_, err = m.KeepRunning()
	assert.ErrorIs(t, err, ErrAllDaemons)
}

func TestRunToCompletion(t *testing.T) {
	m := New()
	p, err := m.Spawn(exec.Command("sh", "-c", "echo hello; echo oops >&2"), SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, drive(t, m))

	assert.Equal(t, StateReaped, p.State())
	assert.Equal(t, StateExited, p.Result())
	require.NotNil(t, p.Info().ExitCode())
	assert.Equal(t, 0, *p.Info().ExitCode())
	assert.Equal(t, "hello\n", p.Info().Stdout())
	assert.Equal(t, "oops\n", p.Info().Stderr())
	assert.True(t, p.Info().Sealed())
}

func TestNonZeroExitCode(t *testing.T) {
	m := New()
	p, err := m.Spawn(exec.Command("sh", "-c", "exit 3"), SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, drive(t, m))

	require.NotNil(t, p.Info().ExitCode())
	assert.Equal(t, 3, *p.Info().ExitCode())
}

func TestLargeOutput_ExitBetweenPolls(t *testing.T) {
	// More than one pipe buffer of output, and the process is long dead
	// before the first poll. Nothing may be lost.
	m := New()
	p, err := m.Spawn(exec.Command("seq", "1", "5000"), SpawnOptions{})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)

	require.NoError(t, drive(t, m))

	out := p.Info().Stdout()
	assert.Greater(t, len(out), 4096)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5000)
	assert.Equal(t, "1", lines[0])
	assert.Equal(t, "5000", lines[4999])
	assert.Equal(t, StateReaped, p.State())
}

func TestStopProcess_Killed(t *testing.T) {
	m := New()
	p, err := m.Spawn(exec.Command("sleep", "600"), SpawnOptions{Async: true})
	require.NoError(t, err)

	// At least one poll so a usage sample exists.
	m.IsRunning(p)

	err = m.StopProcess(p, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, StateReaped, p.State())
	assert.Equal(t, StateKilled, p.Result())
	assert.Nil(t, p.Info().ExitCode())
	assert.NotEmpty(t, p.Info().Samples())
	assert.True(t, p.Info().Sealed())
}

func TestStopProcess_Idempotent(t *testing.T) {
	m := New()
	p, err := m.Spawn(exec.Command("sleep", "600"), SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, m.StopProcess(p, time.Second))
	require.NoError(t, m.StopProcess(p, time.Second))
	assert.Equal(t, StateReaped, p.State())
}

func TestWatchdogTimeout(t *testing.T) {
	m := New()
	p, err := m.Spawn(exec.Command("sleep", "600"), SpawnOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, drive(t, m))

	assert.Equal(t, StateReaped, p.State())
	assert.Equal(t, StateTimedOut, p.Result())
	assert.Nil(t, p.Info().ExitCode())
}

func TestDaemonExit_IsAnError(t *testing.T) {
	m := New()
	_, err := m.Spawn(exec.Command("sh", "-c", "true"), SpawnOptions{Daemon: true})
	require.NoError(t, err)
	_, err = m.Spawn(exec.Command("sleep", "600"), SpawnOptions{})
	require.NoError(t, err)
	defer m.Stop(time.Second)

	err = drive(t, m)
	require.Error(t, err)
	var daemonErr *DaemonExitError
	assert.ErrorAs(t, err, &daemonErr)
}

func TestDaemonExit_AllReportedInOneStep(t *testing.T) {
	m := New()
	_, err := m.Spawn(exec.Command("sh", "-c", "true"), SpawnOptions{Daemon: true})
	require.NoError(t, err)
	_, err = m.Spawn(exec.Command("sh", "-c", "true"), SpawnOptions{Daemon: true})
	require.NoError(t, err)
	_, err = m.Spawn(exec.Command("sleep", "600"), SpawnOptions{})
	require.NoError(t, err)
	defer m.Stop(time.Second)

	// Let both daemons die before the first poll so one step sees them both.
	time.Sleep(300 * time.Millisecond)

	var stepErr error
	deadline := time.Now().Add(10 * time.Second)
	for stepErr == nil && time.Now().Before(deadline) {
		_, stepErr = m.KeepRunning()
		time.Sleep(10 * time.Millisecond)
	}
	require.Error(t, stepErr)

	var merr *multierror.Error
	require.ErrorAs(t, stepErr, &merr)
	assert.Len(t, merr.Errors, 2)
	for _, e := range merr.Errors {
		var daemonErr *DaemonExitError
		assert.ErrorAs(t, e, &daemonErr)
	}
}

func TestStop_AllProcesses(t *testing.T) {
	m := New()
	p1, err := m.Spawn(exec.Command("sleep", "600"), SpawnOptions{})
	require.NoError(t, err)
	p2, err := m.Spawn(exec.Command("sleep", "600"), SpawnOptions{Daemon: true})
	require.NoError(t, err)

	require.NoError(t, m.Stop(time.Second))
	assert.Equal(t, StateReaped, p1.State())
	assert.Equal(t, StateReaped, p2.State())
}

func TestSampling_CPUAndMemory(t *testing.T) {
	m := New()
	// Busy loop long enough to accumulate some CPU time.
	p, err := m.Spawn(exec.Command("sh", "-c", "i=0; while [ $i -lt 2000000 ]; do i=$((i+1)); done"), SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, drive(t, m))

	info := p.Info()
	assert.Greater(t, info.CPUTotal(), 0.0)
	assert.Equal(t, info.CPUTotal(), info.CPUUser()+info.CPUSystem())
	assert.NotEmpty(t, info.Samples())
}

//go:build linux

package shell

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dummynet/monitor"
)

func TestHostShell_Run(t *testing.T) {
	sh := NewHostShell(monitor.New())

	info, err := sh.Run("echo hello && echo oops >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", info.Stdout())
	assert.Equal(t, "oops\n", info.Stderr())
	require.NotNil(t, info.ExitCode())
	assert.Equal(t, 0, *info.ExitCode())
}

func TestHostShell_RunArgs_NoShellInterpretation(t *testing.T) {
	sh := NewHostShell(monitor.New())

	// Metacharacters must pass through verbatim in direct exec.
	info, err := sh.RunArgs([]string{"echo", "a && b"})
	require.NoError(t, err)
	assert.Equal(t, "a && b\n", info.Stdout())
}

func TestHostShell_NonZeroExit(t *testing.T) {
	sh := NewHostShell(monitor.New())

	info, err := sh.Run("echo bad >&2; exit 7")
	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.NotNil(t, info.ExitCode())
	assert.Equal(t, 7, *info.ExitCode())
	assert.Equal(t, "bad\n", info.Stderr())
}

func TestHostShell_Timeout(t *testing.T) {
	sh := NewHostShell(monitor.New())

	info, err := sh.Run("sleep 60", WithTimeout(100*time.Millisecond))
	require.Error(t, err)
	var timeoutErr *monitor.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Nil(t, info.ExitCode())
}

func TestHostShell_RunAsync(t *testing.T) {
	mon := monitor.New()
	sh := NewHostShell(mon)

	p, err := sh.RunAsync("sleep 60")
	require.NoError(t, err)
	assert.True(t, p.Info().IsAsync)
	assert.True(t, mon.IsRunning(p))

	require.NoError(t, mon.StopProcess(p, time.Second))
	assert.Equal(t, monitor.StateKilled, p.Result())
}

func TestHostShell_Cwd(t *testing.T) {
	sh := NewHostShell(monitor.New())

	info, err := sh.Run("pwd", WithCwd("/tmp"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp\n", info.Stdout())
}

func TestHostShell_DaemonOption(t *testing.T) {
	mon := monitor.New()
	sh := NewHostShell(mon)

	p, err := sh.RunAsync("sleep 60", AsDaemon())
	require.NoError(t, err)
	assert.True(t, p.Info().IsDaemon)
	require.NoError(t, mon.Stop(time.Second))
}

func TestNamespaceShell_Prefixes(t *testing.T) {
	inner := new(MockShell)
	ns := NewNamespaceShell("d-2vKc-demo0", inner)

	inner.On("Run", "ip netns exec d-2vKc-demo0 ip link list").Return(&monitor.RunInfo{}, nil)
	_, err := ns.Run("ip link list")
	require.NoError(t, err)

	inner.On("RunArgs", []string{"ip", "netns", "exec", "d-2vKc-demo0", "ping", "-c", "1", "10.0.0.1"}).
		Return(&monitor.RunInfo{}, nil)
	_, err = ns.RunArgs([]string{"ping", "-c", "1", "10.0.0.1"})
	require.NoError(t, err)

	inner.AssertExpectations(t)
}

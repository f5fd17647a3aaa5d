package shell

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSudo_Passwordless(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Run", "sudo", "-k").Return(nil).Once()
	runner.On("Run", "sudo", "-n", "true").Return(nil).Once()

	s := NewSudo(WithRunner(runner))
	require.NoError(t, s.Validate())

	// Second Validate is a no-op: no further probing.
	require.NoError(t, s.Validate())
	runner.AssertExpectations(t)
}

func TestSudo_TimestampDiscardedBeforeProbe(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Run", "sudo", "-k").Return(nil)
	runner.On("Run", "sudo", "-n", "true").Return(nil)
	s := NewSudo(WithRunner(runner))

	require.NoError(t, s.Validate())
	// sudo -k must have been issued before the passwordless probe.
	require.Len(t, runner.Calls, 2)
	assert.Equal(t, []string{"sudo", "-k"}, callArgs(runner, 0))
	assert.Equal(t, []string{"sudo", "-n", "true"}, callArgs(runner, 1))
}

func callArgs(m *MockCommandRunner, i int) []string {
	out := make([]string, 0, len(m.Calls[i].Arguments))
	for _, a := range m.Calls[i].Arguments {
		out = append(out, a.(string))
	}
	return out
}

func TestSudo_WrongPasswordFailsImmediately(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Run", "sudo", "-k").Return(nil)
	runner.On("Run", "sudo", "-n", "true").Return(errors.New("a password is required"))
	runner.On("RunInput", "hunter2\n", "sudo", "-S", "-v").Return(errors.New("incorrect password"))

	s := NewSudo(WithRunner(runner), WithPassword("hunter2"))
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestSudo_PasswordAccepted(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Run", "sudo", "-k").Return(nil)
	runner.On("Run", "sudo", "-n", "true").Return(errors.New("a password is required"))
	runner.On("RunInput", "hunter2\n", "sudo", "-S", "-v").Return(nil)

	s := NewSudo(WithRunner(runner), WithPassword("hunter2"))
	require.NoError(t, s.Validate())
}

func TestSudo_EnvFallback(t *testing.T) {
	t.Setenv(PasswordEnv, "fromenv")

	runner := new(MockCommandRunner)
	runner.On("Run", "sudo", "-k").Return(nil)
	runner.On("Run", "sudo", "-n", "true").Return(errors.New("a password is required"))
	runner.On("RunInput", "fromenv\n", "sudo", "-S", "-v").Return(nil)

	s := NewSudo(WithRunner(runner))
	require.NoError(t, s.Validate())
	runner.AssertExpectations(t)
}

func TestSudo_ExplicitBeatsEnv(t *testing.T) {
	t.Setenv(PasswordEnv, "fromenv")

	runner := new(MockCommandRunner)
	runner.On("Run", "sudo", "-k").Return(nil)
	runner.On("Run", "sudo", "-n", "true").Return(errors.New("a password is required"))
	runner.On("RunInput", "explicit\n", "sudo", "-S", "-v").Return(nil)

	s := NewSudo(WithRunner(runner), WithPassword("explicit"))
	require.NoError(t, s.Validate())
	runner.AssertExpectations(t)
}

func TestSudo_Invalidate(t *testing.T) {
	runner := new(MockCommandRunner)
	runner.On("Run", "sudo", "-k").Return(nil)
	runner.On("Run", "sudo", "-n", "true").Return(nil)

	s := NewSudo(WithRunner(runner))
	require.NoError(t, s.Validate())

	s.Invalidate()
	require.NoError(t, s.Validate())

	// Two full validations, plus the -k issued by Invalidate itself.
	runner.AssertNumberOfCalls(t, "Run", 5)
}

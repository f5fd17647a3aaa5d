package shell

import (
	"github.com/stretchr/testify/mock"

	"grimm.is/dummynet/monitor"
)

// MockCommandRunner is a mock implementation of the CommandRunner interface.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(name string, args ...string) error {
	callArgs := append([]interface{}{name}, toIface(args)...)
	return m.Called(callArgs...).Error(0)
}

func (m *MockCommandRunner) RunInput(input string, name string, args ...string) error {
	callArgs := append([]interface{}{input, name}, toIface(args)...)
	return m.Called(callArgs...).Error(0)
}

func (m *MockCommandRunner) Output(name string, args ...string) ([]byte, error) {
	callArgs := append([]interface{}{name}, toIface(args)...)
	ret := m.Called(callArgs...)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).([]byte), ret.Error(1)
}

func toIface(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

// MockShell is a mock implementation of the Shell interface. Commands and
// their options are recorded for assertion.
type MockShell struct {
	mock.Mock
}

func (m *MockShell) Run(cmd string, opts ...Option) (*monitor.RunInfo, error) {
	ret := m.Called(cmd)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*monitor.RunInfo), ret.Error(1)
}

func (m *MockShell) RunArgs(args []string, opts ...Option) (*monitor.RunInfo, error) {
	ret := m.Called(args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*monitor.RunInfo), ret.Error(1)
}

func (m *MockShell) RunAsync(cmd string, opts ...Option) (*monitor.Process, error) {
	ret := m.Called(cmd)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*monitor.Process), ret.Error(1)
}

func (m *MockShell) RunArgsAsync(args []string, opts ...Option) (*monitor.Process, error) {
	ret := m.Called(args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*monitor.Process), ret.Error(1)
}

func (m *MockShell) Monitor() *monitor.Monitor {
	ret := m.Called()
	if ret.Get(0) == nil {
		return nil
	}
	return ret.Get(0).(*monitor.Monitor)
}

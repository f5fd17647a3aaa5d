package shell

import (
	"grimm.is/dummynet/monitor"
)

// NamespaceShell wraps another shell so every command executes inside a named
// network namespace via "ip netns exec".
type NamespaceShell struct {
	name  string
	inner Shell
}

// NewNamespaceShell wraps shell to execute inside the namespace name. The
// name must already be the kernel-side (scoped) namespace name.
func NewNamespaceShell(name string, inner Shell) *NamespaceShell {
	return &NamespaceShell{name: name, inner: inner}
}

// Name returns the namespace this shell executes in.
func (n *NamespaceShell) Name() string { return n.name }

// Monitor returns the inner shell's process monitor.
func (n *NamespaceShell) Monitor() *monitor.Monitor { return n.inner.Monitor() }

// Run executes a shell-interpreted command inside the namespace.
func (n *NamespaceShell) Run(cmd string, opts ...Option) (*monitor.RunInfo, error) {
	return n.inner.Run("ip netns exec "+n.name+" "+cmd, opts...)
}

// RunArgs executes an argument list inside the namespace.
func (n *NamespaceShell) RunArgs(args []string, opts ...Option) (*monitor.RunInfo, error) {
	return n.inner.RunArgs(n.prefix(args), opts...)
}

// RunAsync executes a shell-interpreted command inside the namespace without
// blocking.
func (n *NamespaceShell) RunAsync(cmd string, opts ...Option) (*monitor.Process, error) {
	return n.inner.RunAsync("ip netns exec "+n.name+" "+cmd, opts...)
}

// RunArgsAsync executes an argument list inside the namespace without
// blocking.
func (n *NamespaceShell) RunArgsAsync(args []string, opts ...Option) (*monitor.Process, error) {
	return n.inner.RunArgsAsync(n.prefix(args), opts...)
}

func (n *NamespaceShell) prefix(args []string) []string {
	return append([]string{"ip", "netns", "exec", n.name}, args...)
}

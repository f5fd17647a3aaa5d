// Package dummynet builds disposable network topologies for tests: named
// network namespaces wired together with veth pairs, bridges and VLANs,
// with optional emulated delay, loss and rate limits on any link. Every
// resource an instance creates carries a pid-derived scope prefix, so
// concurrent instances on one host never collide, and every creation is
// recorded in a ledger that Cleanup unwinds in strict reverse order.
package dummynet

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"grimm.is/dummynet/internal/clock"
	"grimm.is/dummynet/internal/logging"
	"grimm.is/dummynet/ledger"
	"grimm.is/dummynet/monitor"
	"grimm.is/dummynet/scoped"
	"grimm.is/dummynet/shell"
)

// routeSettleTimeout bounds how long RouteAdd waits for a freshly installed
// default route to become observable.
const routeSettleTimeout = 2 * time.Second

// DummyNet orchestrates network resources on the host or inside one network
// namespace. Instances returned by NetnsAdd operate inside that namespace and
// share the parent's ledger, so one Cleanup on any instance of the family
// unwinds everything in reverse creation order.
//
// An instance is not safe for concurrent use; drive it from one goroutine.
type DummyNet struct {
	nl  Netlinker
	sh  shell.Shell
	led *ledger.Ledger
	log *logging.Logger
	clk clock.Clock

	uid       int
	namespace string // logical namespace name, "" on the host
}

// Option configures a DummyNet.
type Option func(*DummyNet)

// WithNetlinker injects the kernel-facing backend. Defaults to a real
// netlink handle; pass NewDryRunNetlinker() to rehearse without privileges.
func WithNetlinker(nl Netlinker) Option {
	return func(d *DummyNet) { d.nl = nl }
}

// WithUID overrides the scoping uid. The default is the current pid.
func WithUID(uid int) Option {
	return func(d *DummyNet) { d.uid = uid }
}

// Unscoped disables name scoping entirely. Use only when exclusive ownership
// of the host's resource names is guaranteed.
func Unscoped() Option {
	return func(d *DummyNet) { d.uid = 0 }
}

// WithLedger injects a ledger, letting several top-level instances share one
// cleanup sequence.
func WithLedger(l *ledger.Ledger) Option {
	return func(d *DummyNet) { d.led = l }
}

// WithClock injects a time source.
func WithClock(c clock.Clock) Option {
	return func(d *DummyNet) { d.clk = c }
}

// WithLogger injects a logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *DummyNet) { d.log = l }
}

// New creates a host-level orchestrator executing commands through sh.
func New(sh shell.Shell, opts ...Option) (*DummyNet, error) {
	d := &DummyNet{
		sh:  sh,
		uid: scoped.CurrentUID(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = logging.WithComponent("dummynet")
	}
	if d.led == nil {
		d.led = ledger.New(ledger.WithLogger(d.log))
	}
	if d.clk == nil {
		d.clk = &clock.RealClock{}
	}
	if d.nl == nil {
		nl, err := defaultNetlinker()
		if err != nil {
			return nil, err
		}
		d.nl = nl
	}
	return d, nil
}

// UID returns the scoping uid of this instance.
func (d *DummyNet) UID() int { return d.uid }

// Namespace returns the logical namespace name this instance operates in,
// or "" on the host.
func (d *DummyNet) Namespace() string { return d.namespace }

// Shell returns the shell bound to this instance.
func (d *DummyNet) Shell() shell.Shell { return d.sh }

// Ledger returns the shared resource ledger.
func (d *DummyNet) Ledger() *ledger.Ledger { return d.led }

func (d *DummyNet) iface(name string) (scoped.Name, error) {
	return scoped.Interface(name, d.uid)
}

// --- namespaces ---

// NetnsAdd creates a named network namespace and returns an instance bound
// to it. The returned instance shares this one's ledger and runs commands
// through an "ip netns exec" wrapper around this instance's shell.
func (d *DummyNet) NetnsAdd(name string) (*DummyNet, error) {
	sn, err := scoped.Namespace(name, d.uid)
	if err != nil {
		return nil, err
	}
	kernel := sn.String()

	if err := d.nl.NamespaceAdd(kernel); err != nil {
		return nil, fmt.Errorf("failed to create netns %s: %w", kernel, err)
	}
	d.log.Info("created netns", "name", kernel)

	d.led.Record(ledger.Resource{
		Kind: ledger.KindNamespace,
		Name: kernel,
		Undo: func() error { return d.deleteNamespace(kernel) },
		Exists: func() (bool, error) {
			return d.nl.NamespaceExists(kernel)
		},
	})

	nl, err := d.nl.InNamespace(kernel)
	if err != nil {
		return nil, fmt.Errorf("failed to enter netns %s: %w", kernel, err)
	}
	return &DummyNet{
		nl:        nl,
		sh:        shell.NewNamespaceShell(kernel, d.sh),
		led:       d.led,
		log:       d.log.WithFields(map[string]any{"netns": kernel}),
		clk:       d.clk,
		uid:       d.uid,
		namespace: name,
	}, nil
}

// NetnsDelete removes a namespace ahead of Cleanup. The ledger entry stays;
// its existence probe finds the namespace gone and skips it.
func (d *DummyNet) NetnsDelete(name string) error {
	sn, err := scoped.Namespace(name, d.uid)
	if err != nil {
		return err
	}
	return d.deleteNamespace(sn.String())
}

// deleteNamespace kills every process still running inside the namespace,
// then removes it. A namespace with live processes cannot be unmounted.
func (d *DummyNet) deleteNamespace(kernel string) error {
	if _, err := d.sh.Run(fmt.Sprintf("ip netns pids %s | xargs -r kill -9", kernel)); err != nil {
		d.log.Warn("failed to kill netns processes", "netns", kernel, "error", err)
	}
	if err := d.nl.NamespaceDelete(kernel); err != nil {
		return fmt.Errorf("failed to delete netns %s: %w", kernel, err)
	}
	d.log.Info("deleted netns", "name", kernel)
	return nil
}

// NetnsPids lists the pids of the processes running inside a namespace.
func (d *DummyNet) NetnsPids(name string) ([]int, error) {
	sn, err := scoped.Namespace(name, d.uid)
	if err != nil {
		return nil, err
	}
	info, err := d.sh.RunArgs([]string{"ip", "netns", "pids", sn.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list pids in netns %s: %w", sn, err)
	}
	var pids []int
	for _, field := range strings.Fields(info.Stdout()) {
		var pid int
		if _, err := fmt.Sscanf(field, "%d", &pid); err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// NetnsKillPid force-kills one process inside a namespace. The pid is
// checked against the namespace's process list first, so a recycled pid
// outside the namespace is never signalled.
func (d *DummyNet) NetnsKillPid(name string, pid int) error {
	pids, err := d.NetnsPids(name)
	if err != nil {
		return err
	}
	if !slices.Contains(pids, pid) {
		return fmt.Errorf("pid %d is not running in netns %s", pid, name)
	}
	if _, err := d.sh.RunArgs([]string{"kill", "-9", fmt.Sprint(pid)}); err != nil {
		return fmt.Errorf("failed to kill pid %d in netns %s: %w", pid, name, err)
	}
	return nil
}

// NetnsList returns the logical names of the namespaces owned by this
// instance's uid.
func (d *DummyNet) NetnsList() ([]string, error) {
	kernels, err := d.nl.NamespaceList()
	if err != nil {
		return nil, err
	}
	return d.ownedLogical(kernels), nil
}

func (d *DummyNet) ownedLogical(kernels []string) []string {
	var names []string
	for _, k := range kernels {
		if !scoped.IsScopedBy(k, d.uid) {
			continue
		}
		logical, _, err := scoped.Parse(k)
		if err != nil {
			continue
		}
		names = append(names, logical)
	}
	return names
}

// --- links ---

// LinkVethAdd creates a veth pair. Both ends start in this instance's
// namespace; move one with LinkSetNs. TX checksum offload is disabled on
// both ends because veth advertises offload it cannot perform, which
// corrupts checksums seen by captures and some stacks.
func (d *DummyNet) LinkVethAdd(name, peer string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	sp, err := d.iface(peer)
	if err != nil {
		return err
	}
	kn, kp := sn.String(), sp.String()

	if err := d.nl.VethAdd(kn, kp); err != nil {
		return fmt.Errorf("failed to create veth %s<->%s: %w", kn, kp, err)
	}
	d.log.Info("created veth pair", "name", kn, "peer", kp)

	for _, l := range []string{kn, kp} {
		if err := d.nl.DisableOffload(l); err != nil {
			d.log.Warn("failed to disable tx offload", "link", l, "error", err)
		}
	}

	// Deleting either end of a veth pair removes both. Undo whichever end is
	// still visible here; ends moved into a namespace fall with it.
	d.led.Record(ledger.Resource{
		Kind: ledger.KindVethLink,
		Name: kn,
		Peer: kp,
		Undo: func() error {
			for _, l := range []string{kn, kp} {
				ok, err := d.nl.LinkExists(l)
				if err != nil {
					return err
				}
				if ok {
					return d.nl.LinkDel(l)
				}
			}
			return nil
		},
		Exists: func() (bool, error) {
			for _, l := range []string{kn, kp} {
				ok, err := d.nl.LinkExists(l)
				if err != nil || ok {
					return ok, err
				}
			}
			return false, nil
		},
	})
	return nil
}

// BridgeAdd creates a bridge.
func (d *DummyNet) BridgeAdd(name string) error {
	sn, err := scoped.Bridge(name, d.uid)
	if err != nil {
		return err
	}
	kernel := sn.String()

	if err := d.nl.BridgeAdd(kernel); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", kernel, err)
	}
	d.log.Info("created bridge", "name", kernel)

	d.led.Record(ledger.Resource{
		Kind:   ledger.KindBridge,
		Name:   kernel,
		Undo:   func() error { return d.nl.LinkDel(kernel) },
		Exists: func() (bool, error) { return d.nl.LinkExists(kernel) },
	})
	return nil
}

// VlanAdd creates a VLAN sub-interface on parent with the given 802.1Q id.
func (d *DummyNet) VlanAdd(name, parent string, id int) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	sp, err := d.iface(parent)
	if err != nil {
		return err
	}
	kernel := sn.String()

	if err := d.nl.VlanAdd(kernel, sp.String(), id); err != nil {
		return fmt.Errorf("failed to create vlan %s (id %d) on %s: %w", kernel, id, sp, err)
	}
	d.log.Info("created vlan", "name", kernel, "parent", sp.String(), "id", id)

	d.led.Record(ledger.Resource{
		Kind:   ledger.KindVlanLink,
		Name:   kernel,
		Peer:   sp.String(),
		Detail: fmt.Sprintf("id=%d", id),
		Undo:   func() error { return d.nl.LinkDel(kernel) },
		Exists: func() (bool, error) { return d.nl.LinkExists(kernel) },
	})
	return nil
}

// LinkDel removes an interface ahead of Cleanup. As with NetnsDelete, the
// ledger entry stays and reconciles as already absent.
func (d *DummyNet) LinkDel(name string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	if err := d.nl.LinkDel(sn.String()); err != nil {
		return fmt.Errorf("failed to delete link %s: %w", sn, err)
	}
	d.log.Info("deleted link", "name", sn.String())
	return nil
}

// LinkSetNs moves an interface into a namespace previously created with
// NetnsAdd. Addresses and state on the interface are reset by the kernel.
func (d *DummyNet) LinkSetNs(name, namespace string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	ns, err := scoped.Namespace(namespace, d.uid)
	if err != nil {
		return err
	}
	if err := d.nl.LinkSetNs(sn.String(), ns.String()); err != nil {
		return fmt.Errorf("failed to move %s into netns %s: %w", sn, ns, err)
	}
	d.log.Info("moved link", "name", sn.String(), "netns", ns.String())
	return nil
}

// LinkSetMaster enslaves an interface to a bridge. Re-mastering an interface
// this instance does not own is allowed but loudly warned about, and the
// previous master is recorded so cleanup restores it.
func (d *DummyNet) LinkSetMaster(name, bridge string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	sb, err := scoped.Bridge(bridge, d.uid)
	if err != nil {
		return err
	}
	kernel := sn.String()

	prev, err := d.nl.LinkMaster(kernel)
	if err != nil {
		return fmt.Errorf("failed to read master of %s: %w", kernel, err)
	}

	if err := d.nl.LinkSetMaster(kernel, sb.String()); err != nil {
		return fmt.Errorf("failed to enslave %s to %s: %w", kernel, sb, err)
	}
	d.log.Info("enslaved link", "name", kernel, "master", sb.String())

	if sn.Unscoped() {
		d.log.Warn("re-mastering interface not owned by this instance",
			"name", kernel, "previous_master", prev)
		d.led.Record(ledger.Resource{
			Kind:   ledger.KindLinkState,
			Name:   kernel,
			Detail: fmt.Sprintf("restore master %q", prev),
			Undo: func() error {
				if prev == "" {
					return d.nl.LinkNoMaster(kernel)
				}
				return d.nl.LinkSetMaster(kernel, prev)
			},
			Exists: func() (bool, error) { return d.nl.LinkExists(kernel) },
		})
	}
	return nil
}

// LinkNoMaster releases an interface from its bridge.
func (d *DummyNet) LinkNoMaster(name string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	if err := d.nl.LinkNoMaster(sn.String()); err != nil {
		return fmt.Errorf("failed to release %s from its master: %w", sn, err)
	}
	return nil
}

// Up brings an interface up. Changing the state of a pre-existing interface
// is warned about and reverted on cleanup.
func (d *DummyNet) Up(name string) error {
	return d.setState(name, true)
}

// Down takes an interface down. Changing the state of a pre-existing
// interface is warned about and reverted on cleanup.
func (d *DummyNet) Down(name string) error {
	return d.setState(name, false)
}

func (d *DummyNet) setState(name string, up bool) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	kernel := sn.String()

	was, err := d.nl.LinkIsUp(kernel)
	if err != nil {
		return fmt.Errorf("failed to read state of %s: %w", kernel, err)
	}

	set := d.nl.LinkSetUp
	verb := "up"
	if !up {
		set = d.nl.LinkSetDown
		verb = "down"
	}
	if err := set(kernel); err != nil {
		return fmt.Errorf("failed to set %s %s: %w", kernel, verb, err)
	}
	d.log.Debug("set link state", "name", kernel, "state", verb)

	if sn.Unscoped() && was != up {
		d.log.Warn("changed state of interface not owned by this instance",
			"name", kernel, "state", verb)
		restore := d.nl.LinkSetUp
		if !was {
			restore = d.nl.LinkSetDown
		}
		d.led.Record(ledger.Resource{
			Kind:   ledger.KindLinkState,
			Name:   kernel,
			Detail: fmt.Sprintf("restore state up=%v", was),
			Undo:   func() error { return restore(kernel) },
			Exists: func() (bool, error) { return d.nl.LinkExists(kernel) },
		})
	}
	return nil
}

// IsUp reports the administrative state of an interface.
func (d *DummyNet) IsUp(name string) (bool, error) {
	sn, err := d.iface(name)
	if err != nil {
		return false, err
	}
	return d.nl.LinkIsUp(sn.String())
}

// LinkList returns the logical names of the interfaces owned by this
// instance's uid in its namespace.
func (d *DummyNet) LinkList() ([]string, error) {
	kernels, err := d.nl.LinkList("")
	if err != nil {
		return nil, err
	}
	return d.ownedLogical(kernels), nil
}

// BridgeList returns the logical names of the bridges owned by this
// instance's uid in its namespace.
func (d *DummyNet) BridgeList() ([]string, error) {
	kernels, err := d.nl.LinkList("bridge")
	if err != nil {
		return nil, err
	}
	return d.ownedLogical(kernels), nil
}

// --- addresses and routes ---

// AddrAdd assigns a CIDR address to an interface.
func (d *DummyNet) AddrAdd(name, cidr string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	kernel := sn.String()

	if err := d.nl.AddrAdd(kernel, cidr); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", cidr, kernel, err)
	}
	d.log.Info("added address", "link", kernel, "cidr", cidr)

	d.led.Record(ledger.Resource{
		Kind:   ledger.KindAddress,
		Name:   kernel,
		Detail: cidr,
		Undo:   func() error { return d.nl.AddrDel(kernel, cidr) },
		Exists: func() (bool, error) { return d.nl.AddrExists(kernel, cidr) },
	})
	return nil
}

// AddrDel removes a CIDR address from an interface.
func (d *DummyNet) AddrDel(name, cidr string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	if err := d.nl.AddrDel(sn.String(), cidr); err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", cidr, sn, err)
	}
	return nil
}

// RouteAdd installs a default route via gw in this instance's namespace and
// blocks until the route is observable, so a command run immediately after
// does not race the routing table.
func (d *DummyNet) RouteAdd(gw string) error {
	if err := d.nl.RouteAddDefault(gw); err != nil {
		return fmt.Errorf("failed to add default route via %s: %w", gw, err)
	}

	deadline := d.clk.Now().Add(routeSettleTimeout)
	for {
		ok, err := d.nl.RouteExistsDefault(gw)
		if err != nil {
			return fmt.Errorf("failed to verify default route via %s: %w", gw, err)
		}
		if ok {
			break
		}
		if d.clk.Now().After(deadline) {
			return fmt.Errorf("default route via %s did not become active within %s",
				gw, routeSettleTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.log.Info("added default route", "gw", gw, "netns", d.namespace)

	d.led.Record(ledger.Resource{
		Kind:   ledger.KindRoute,
		Name:   "default",
		Peer:   d.namespace,
		Detail: "via " + gw,
		Undo:   func() error { return d.nl.RouteDelDefault(gw) },
		Exists: func() (bool, error) { return d.nl.RouteExistsDefault(gw) },
	})
	return nil
}

// --- traffic control ---

// TCSet replaces the egress qdisc of an interface with a netem instance
// applying the given conditions. Conditions applied to an interface this
// instance does not own are reverted on cleanup.
func (d *DummyNet) TCSet(name string, cfg Netem) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	if cfg.Zero() {
		return d.TCDel(name)
	}
	kernel := sn.String()

	if err := d.nl.NetemReplace(kernel, cfg); err != nil {
		return fmt.Errorf("failed to apply netem on %s: %w", kernel, err)
	}
	d.log.Info("applied netem", "link", kernel,
		"delay_ms", cfg.DelayMs, "loss_pct", cfg.LossPct, "rate_mbit", cfg.RateMbit)

	if sn.Unscoped() {
		d.led.Record(ledger.Resource{
			Kind:   ledger.KindLinkState,
			Name:   kernel,
			Detail: "remove netem qdisc",
			Undo:   func() error { return d.nl.NetemDel(kernel) },
			Exists: func() (bool, error) { return d.nl.LinkExists(kernel) },
		})
	}
	return nil
}

// TCShow returns the qdisc configuration of an interface as reported by
// tc(8), for inspection and debugging.
func (d *DummyNet) TCShow(name string) (*monitor.RunInfo, error) {
	sn, err := d.iface(name)
	if err != nil {
		return nil, err
	}
	return d.sh.RunArgs([]string{"tc", "qdisc", "show", "dev", sn.String()})
}

// TCDel removes the netem qdisc from an interface.
func (d *DummyNet) TCDel(name string) error {
	sn, err := d.iface(name)
	if err != nil {
		return err
	}
	if err := d.nl.NetemDel(sn.String()); err != nil {
		return fmt.Errorf("failed to remove netem from %s: %w", sn, err)
	}
	return nil
}

// --- command execution ---

// Run executes a shell-interpreted command in this instance's namespace and
// blocks until it exits.
func (d *DummyNet) Run(cmd string, opts ...shell.Option) (*monitor.RunInfo, error) {
	return d.sh.Run(cmd, opts...)
}

// RunArgs executes an argument list directly, no shell interpretation.
func (d *DummyNet) RunArgs(args []string, opts ...shell.Option) (*monitor.RunInfo, error) {
	return d.sh.RunArgs(args, opts...)
}

// RunAsync starts a command and returns its monitor handle immediately.
func (d *DummyNet) RunAsync(cmd string, opts ...shell.Option) (*monitor.Process, error) {
	return d.sh.RunAsync(cmd, opts...)
}

// RunArgsAsync is RunAsync for an argument list.
func (d *DummyNet) RunArgsAsync(args []string, opts ...shell.Option) (*monitor.Process, error) {
	return d.sh.RunArgsAsync(args, opts...)
}

// --- lifecycle ---

// Cleanup unwinds every resource recorded by this instance and all instances
// sharing its ledger, newest first. It is idempotent: a second call finds an
// empty ledger and does nothing.
func (d *DummyNet) Cleanup() error {
	d.log.Info("cleaning up", "resources", d.led.Len())
	return d.led.Cleanup()
}

//go:build linux

package dummynet

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"grimm.is/dummynet/ledger"
)

// Forwarding and NAT let a namespaced topology reach beyond the host.
// Unlike the link operations these manipulate host-global firewall state, so
// every rule is ledgered and removed on cleanup. The iptables binary is
// invoked by this process directly; CAP_NET_ADMIN is required.

// NATAdd masquerades traffic from sourceCIDR leaving through outLink.
func (d *DummyNet) NATAdd(sourceCIDR, outLink string) error {
	out, err := d.iface(outLink)
	if err != nil {
		return err
	}
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to open iptables: %w", err)
	}

	rule := []string{"-s", sourceCIDR, "-o", out.String(), "-j", "MASQUERADE"}
	if err := ipt.AppendUnique("nat", "POSTROUTING", rule...); err != nil {
		return fmt.Errorf("failed to add masquerade for %s via %s: %w", sourceCIDR, out, err)
	}
	d.log.Info("added masquerade", "source", sourceCIDR, "out", out.String())

	d.led.Record(ledger.Resource{
		Kind:   ledger.KindFirewall,
		Name:   "nat/POSTROUTING",
		Detail: strings.Join(rule, " "),
		Undo: func() error {
			return ipt.DeleteIfExists("nat", "POSTROUTING", rule...)
		},
		Exists: func() (bool, error) {
			return ipt.Exists("nat", "POSTROUTING", rule...)
		},
	})
	return d.enableIPForward()
}

// ForwardAdd accepts traffic forwarded from inLink to outLink, and the
// established return path.
func (d *DummyNet) ForwardAdd(inLink, outLink string) error {
	in, err := d.iface(inLink)
	if err != nil {
		return err
	}
	out, err := d.iface(outLink)
	if err != nil {
		return err
	}
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to open iptables: %w", err)
	}

	rules := [][]string{
		{"-i", in.String(), "-o", out.String(), "-j", "ACCEPT"},
		{"-i", out.String(), "-o", in.String(),
			"-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
	for _, rule := range rules {
		rule := rule
		if err := ipt.AppendUnique("filter", "FORWARD", rule...); err != nil {
			return fmt.Errorf("failed to add forward rule %v: %w", rule, err)
		}
		d.led.Record(ledger.Resource{
			Kind:   ledger.KindFirewall,
			Name:   "filter/FORWARD",
			Detail: strings.Join(rule, " "),
			Undo: func() error {
				return ipt.DeleteIfExists("filter", "FORWARD", rule...)
			},
			Exists: func() (bool, error) {
				return ipt.Exists("filter", "FORWARD", rule...)
			},
		})
	}
	d.log.Info("added forwarding", "in", in.String(), "out", out.String())
	return d.enableIPForward()
}

// enableIPForward turns on IPv4 forwarding, remembering a previously
// disabled state so cleanup restores it.
func (d *DummyNet) enableIPForward() error {
	info, err := d.sh.RunArgs([]string{"cat", "/proc/sys/net/ipv4/ip_forward"})
	if err != nil {
		return fmt.Errorf("failed to read ip_forward: %w", err)
	}
	if strings.TrimSpace(info.Stdout()) == "1" {
		return nil
	}
	if _, err := d.sh.RunArgs([]string{"sysctl", "-w", "net.ipv4.ip_forward=1"}); err != nil {
		return fmt.Errorf("failed to enable ip forwarding: %w", err)
	}
	d.log.Warn("enabled host-wide ip forwarding, will restore on cleanup")

	d.led.Record(ledger.Resource{
		Kind:   ledger.KindFirewall,
		Name:   "ip_forward",
		Detail: "restore 0",
		Undo: func() error {
			_, err := d.sh.RunArgs([]string{"sysctl", "-w", "net.ipv4.ip_forward=0"})
			return err
		},
	})
	return nil
}

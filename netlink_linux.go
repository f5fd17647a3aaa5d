//go:build linux

package dummynet

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// netnsRunDir is where "ip netns" mounts named namespaces.
const netnsRunDir = "/var/run/netns"

// RealNetlinker talks to the kernel through netlink. A host-level instance is
// created with NewNetlinker; namespace-scoped views share the same type with
// a handle bound to that namespace.
type RealNetlinker struct {
	handle *netlink.Handle
	nsName string
}

// NewNetlinker opens a netlink handle in the current network namespace.
func NewNetlinker() (*RealNetlinker, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle: %w", err)
	}
	return &RealNetlinker{handle: h}, nil
}

// InNamespace returns a view bound to the named namespace.
func (r *RealNetlinker) InNamespace(name string) (Netlinker, error) {
	nsh, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get netns %s: %w", name, err)
	}
	// The handle opens its sockets inside the namespace right here; the fd
	// is not needed afterwards and must not leak, one per created namespace.
	defer nsh.Close()

	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle in netns %s: %w", name, err)
	}
	return &RealNetlinker{handle: h, nsName: name}, nil
}

// Close releases the underlying netlink sockets. Views returned by
// InNamespace hold their own handle and are closed independently.
func (r *RealNetlinker) Close() {
	if r.handle != nil {
		r.handle.Close()
		r.handle = nil
	}
}

// NamespaceAdd creates a named network namespace and brings its loopback up.
// The calling thread is locked while the namespace is entered and restored.
func (r *RealNetlinker) NamespaceAdd(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origns, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get current netns: %w", err)
	}
	defer origns.Close()

	newns, err := netns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("failed to create netns %s: %w", name, err)
	}
	defer newns.Close()

	// We are now inside the new namespace.
	if lo, lerr := netlink.LinkByName("lo"); lerr == nil {
		_ = netlink.LinkSetUp(lo)
	}

	if err := netns.Set(origns); err != nil {
		return fmt.Errorf("failed to return to original netns: %w", err)
	}
	return nil
}

// NamespaceDelete removes a named network namespace.
func (r *RealNetlinker) NamespaceDelete(name string) error {
	return netns.DeleteNamed(name)
}

// NamespaceExists reports whether a named namespace is present.
func (r *RealNetlinker) NamespaceExists(name string) (bool, error) {
	nsh, err := netns.GetFromName(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	nsh.Close()
	return true, nil
}

// NamespaceList returns the named namespaces known to "ip netns".
func (r *RealNetlinker) NamespaceList() ([]string, error) {
	entries, err := os.ReadDir(netnsRunDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// VethAdd creates a veth pair.
func (r *RealNetlinker) VethAdd(name, peer string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peer,
	}
	if err := r.handle.LinkAdd(veth); err != nil {
		return fmt.Errorf("failed to create veth pair %s/%s: %w", name, peer, err)
	}
	return nil
}

// BridgeAdd creates a bridge.
func (r *RealNetlinker) BridgeAdd(name string) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := r.handle.LinkAdd(br); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w", name, err)
	}
	return nil
}

// VlanAdd creates a VLAN link on top of parent.
func (r *RealNetlinker) VlanAdd(name, parent string, id int) error {
	p, err := r.handle.LinkByName(parent)
	if err != nil {
		return fmt.Errorf("vlan parent %s: %w", parent, err)
	}
	vlan := &netlink.Vlan{
		LinkAttrs:    netlink.LinkAttrs{Name: name, ParentIndex: p.Attrs().Index},
		VlanId:       id,
		VlanProtocol: netlink.VLAN_PROTOCOL_8021Q,
	}
	if err := r.handle.LinkAdd(vlan); err != nil {
		return fmt.Errorf("failed to create vlan %s (parent %s, id %d): %w", name, parent, id, err)
	}
	return nil
}

// LinkDel deletes a link by name.
func (r *RealNetlinker) LinkDel(name string) error {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	return r.handle.LinkDel(l)
}

// LinkExists reports whether a link is present.
func (r *RealNetlinker) LinkExists(name string) (bool, error) {
	_, err := r.handle.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LinkList returns the names of links, optionally filtered by kind
// ("veth", "bridge", "vlan"); an empty kind lists everything.
func (r *RealNetlinker) LinkList(kind string) ([]string, error) {
	links, err := r.handle.LinkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		if kind != "" && l.Type() != kind {
			continue
		}
		names = append(names, l.Attrs().Name)
	}
	sort.Strings(names)
	return names, nil
}

// LinkSetUp brings a link up.
func (r *RealNetlinker) LinkSetUp(name string) error {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	return r.handle.LinkSetUp(l)
}

// LinkSetDown brings a link down.
func (r *RealNetlinker) LinkSetDown(name string) error {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	return r.handle.LinkSetDown(l)
}

// LinkIsUp reports the administrative up/down state of a link.
func (r *RealNetlinker) LinkIsUp(name string) (bool, error) {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return false, fmt.Errorf("link %s: %w", name, err)
	}
	return l.Attrs().Flags&net.FlagUp != 0, nil
}

// LinkSetMaster enslaves a link to a bridge.
func (r *RealNetlinker) LinkSetMaster(name, master string) error {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	m, err := r.handle.LinkByName(master)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", master, err)
	}
	return r.handle.LinkSetMaster(l, m)
}

// LinkNoMaster releases a link from its bridge.
func (r *RealNetlinker) LinkNoMaster(name string) error {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	return r.handle.LinkSetNoMaster(l)
}

// LinkMaster returns the name of the bridge a link is enslaved to, or "".
func (r *RealNetlinker) LinkMaster(name string) (string, error) {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return "", fmt.Errorf("link %s: %w", name, err)
	}
	idx := l.Attrs().MasterIndex
	if idx == 0 {
		return "", nil
	}
	m, err := r.handle.LinkByIndex(idx)
	if err != nil {
		return "", err
	}
	return m.Attrs().Name, nil
}

// LinkSetNs moves a link into a named namespace.
func (r *RealNetlinker) LinkSetNs(name, namespace string) error {
	l, err := r.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	nsh, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("netns %s: %w", namespace, err)
	}
	defer nsh.Close()
	return r.handle.LinkSetNsFd(l, int(nsh))
}

// AddrAdd assigns a CIDR address to a link.
func (r *RealNetlinker) AddrAdd(link, cidr string) error {
	l, err := r.handle.LinkByName(link)
	if err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("address %s: %w", cidr, err)
	}
	return r.handle.AddrAdd(l, addr)
}

// AddrDel removes a CIDR address from a link.
func (r *RealNetlinker) AddrDel(link, cidr string) error {
	l, err := r.handle.LinkByName(link)
	if err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("address %s: %w", cidr, err)
	}
	return r.handle.AddrDel(l, addr)
}

// AddrExists reports whether a link carries the given CIDR address.
func (r *RealNetlinker) AddrExists(link, cidr string) (bool, error) {
	l, err := r.handle.LinkByName(link)
	if err != nil {
		return false, nil
	}
	want, err := netlink.ParseAddr(cidr)
	if err != nil {
		return false, fmt.Errorf("address %s: %w", cidr, err)
	}
	addrs, err := r.handle.AddrList(l, netlink.FAMILY_ALL)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a.IPNet.String() == want.IPNet.String() {
			return true, nil
		}
	}
	return false, nil
}

// RouteAddDefault installs a default route via gw.
func (r *RealNetlinker) RouteAddDefault(gw string) error {
	ip := net.ParseIP(gw)
	if ip == nil {
		return fmt.Errorf("invalid gateway %q", gw)
	}
	route := &netlink.Route{Scope: netlink.SCOPE_UNIVERSE, Gw: ip}
	return r.handle.RouteAdd(route)
}

// RouteDelDefault removes the default route via gw.
func (r *RealNetlinker) RouteDelDefault(gw string) error {
	ip := net.ParseIP(gw)
	if ip == nil {
		return fmt.Errorf("invalid gateway %q", gw)
	}
	route := &netlink.Route{Scope: netlink.SCOPE_UNIVERSE, Gw: ip}
	return r.handle.RouteDel(route)
}

// RouteExistsDefault reports whether the default route via gw is installed
// and observable, i.e. the kernel returns it from a route dump.
func (r *RealNetlinker) RouteExistsDefault(gw string) (bool, error) {
	ip := net.ParseIP(gw)
	if ip == nil {
		return false, fmt.Errorf("invalid gateway %q", gw)
	}
	family := netlink.FAMILY_V4
	if ip.To4() == nil {
		family = netlink.FAMILY_V6
	}
	routes, err := r.handle.RouteList(nil, family)
	if err != nil {
		return false, err
	}
	for _, rt := range routes {
		if rt.Dst == nil && rt.Gw.Equal(ip) {
			return true, nil
		}
	}
	return false, nil
}

// NetemReplace installs (or updates) a netem qdisc on the link's root.
func (r *RealNetlinker) NetemReplace(link string, cfg Netem) error {
	l, err := r.handle.LinkByName(link)
	if err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	attrs := netlink.QdiscAttrs{
		LinkIndex: l.Attrs().Index,
		Parent:    netlink.HANDLE_ROOT,
		Handle:    netlink.MakeHandle(1, 0),
	}
	netem := netlink.NewNetem(attrs, netlink.NetemQdiscAttrs{
		Latency: uint32(cfg.DelayMs * 1000), // microseconds
		Loss:    float32(cfg.LossPct),
		Rate64:  uint64(cfg.RateMbit * 1e6 / 8), // bytes per second
		Limit:   cfg.Limit,
	})
	return r.handle.QdiscReplace(netem)
}

// NetemDel removes the netem qdisc from the link's root.
func (r *RealNetlinker) NetemDel(link string) error {
	l, err := r.handle.LinkByName(link)
	if err != nil {
		return fmt.Errorf("link %s: %w", link, err)
	}
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: l.Attrs().Index,
			Parent:    netlink.HANDLE_ROOT,
			Handle:    netlink.MakeHandle(1, 0),
		},
		QdiscType: "netem",
	}
	return r.handle.QdiscDel(qdisc)
}

// DisableOffload turns TX checksum offload off on the link. Failures are
// reported but are usually harmless on non-veth links.
func (r *RealNetlinker) DisableOffload(link string) error {
	e, err := ethtool.NewEthtool()
	if err != nil {
		return fmt.Errorf("failed to open ethtool handle: %w", err)
	}
	defer e.Close()

	for _, feature := range []string{"tx-checksum-ip-generic", "tx-checksumming"} {
		if err = e.Change(link, map[string]bool{feature: false}); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to disable tx offload on %s: %w", link, err)
}

func defaultNetlinker() (Netlinker, error) {
	return NewNetlinker()
}

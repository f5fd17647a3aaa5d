package dummynet

import (
	"fmt"
	"sort"

	"grimm.is/dummynet/internal/logging"
)

// DryRunNetlinker is an in-memory Netlinker. It applies every operation to a
// simulated kernel state and logs what would be done, which makes it useful
// both for rehearsing a topology without touching the host and for tests.
type DryRunNetlinker struct {
	state *dryRunState
	ns    string
	log   *logging.Logger
}

type linkKey struct {
	ns   string
	name string
}

type dryLink struct {
	kind   string
	up     bool
	master string
	addrs  map[string]bool
	netem  *Netem
}

type dryRunState struct {
	namespaces map[string]bool
	links      map[linkKey]*dryLink
	routes     map[string]map[string]bool // namespace -> default gateways
}

// NewDryRunNetlinker creates a simulated host with a loopback interface.
func NewDryRunNetlinker() *DryRunNetlinker {
	st := &dryRunState{
		namespaces: map[string]bool{},
		links:      map[linkKey]*dryLink{},
		routes:     map[string]map[string]bool{},
	}
	st.links[linkKey{"", "lo"}] = &dryLink{kind: "loopback", up: true, addrs: map[string]bool{}}
	return &DryRunNetlinker{
		state: st,
		log:   logging.WithComponent("dry-run"),
	}
}

func (d *DryRunNetlinker) key(name string) linkKey {
	return linkKey{ns: d.ns, name: name}
}

func (d *DryRunNetlinker) link(name string) (*dryLink, error) {
	l, ok := d.state.links[d.key(name)]
	if !ok {
		return nil, fmt.Errorf("link %s not found", name)
	}
	return l, nil
}

func (d *DryRunNetlinker) addLink(name, kind string) error {
	if _, ok := d.state.links[d.key(name)]; ok {
		return fmt.Errorf("link %s: file exists", name)
	}
	d.state.links[d.key(name)] = &dryLink{kind: kind, addrs: map[string]bool{}}
	return nil
}

// InNamespace returns a view over the named namespace.
func (d *DryRunNetlinker) InNamespace(name string) (Netlinker, error) {
	if !d.state.namespaces[name] {
		return nil, fmt.Errorf("netns %s not found", name)
	}
	return &DryRunNetlinker{state: d.state, ns: name, log: d.log}, nil
}

func (d *DryRunNetlinker) NamespaceAdd(name string) error {
	if d.state.namespaces[name] {
		return fmt.Errorf("netns %s: file exists", name)
	}
	d.log.Debug("would create netns", "name", name)
	d.state.namespaces[name] = true
	d.state.links[linkKey{name, "lo"}] = &dryLink{kind: "loopback", up: true, addrs: map[string]bool{}}
	return nil
}

func (d *DryRunNetlinker) NamespaceDelete(name string) error {
	if !d.state.namespaces[name] {
		return fmt.Errorf("netns %s not found", name)
	}
	d.log.Debug("would delete netns", "name", name)
	delete(d.state.namespaces, name)
	for k := range d.state.links {
		if k.ns == name {
			delete(d.state.links, k)
		}
	}
	delete(d.state.routes, name)
	return nil
}

func (d *DryRunNetlinker) NamespaceExists(name string) (bool, error) {
	return d.state.namespaces[name], nil
}

func (d *DryRunNetlinker) NamespaceList() ([]string, error) {
	names := make([]string, 0, len(d.state.namespaces))
	for n := range d.state.namespaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DryRunNetlinker) VethAdd(name, peer string) error {
	d.log.Debug("would create veth pair", "name", name, "peer", peer)
	if err := d.addLink(name, "veth"); err != nil {
		return err
	}
	if err := d.addLink(peer, "veth"); err != nil {
		delete(d.state.links, d.key(name))
		return err
	}
	return nil
}

func (d *DryRunNetlinker) BridgeAdd(name string) error {
	d.log.Debug("would create bridge", "name", name)
	return d.addLink(name, "bridge")
}

func (d *DryRunNetlinker) VlanAdd(name, parent string, id int) error {
	if _, err := d.link(parent); err != nil {
		return err
	}
	d.log.Debug("would create vlan", "name", name, "parent", parent, "id", id)
	return d.addLink(name, "vlan")
}

func (d *DryRunNetlinker) LinkDel(name string) error {
	if _, err := d.link(name); err != nil {
		return err
	}
	d.log.Debug("would delete link", "name", name)
	delete(d.state.links, d.key(name))
	return nil
}

func (d *DryRunNetlinker) LinkExists(name string) (bool, error) {
	_, ok := d.state.links[d.key(name)]
	return ok, nil
}

func (d *DryRunNetlinker) LinkList(kind string) ([]string, error) {
	var names []string
	for k, l := range d.state.links {
		if k.ns != d.ns {
			continue
		}
		if kind != "" && l.kind != kind {
			continue
		}
		names = append(names, k.name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DryRunNetlinker) LinkSetUp(name string) error {
	l, err := d.link(name)
	if err != nil {
		return err
	}
	l.up = true
	return nil
}

func (d *DryRunNetlinker) LinkSetDown(name string) error {
	l, err := d.link(name)
	if err != nil {
		return err
	}
	l.up = false
	return nil
}

func (d *DryRunNetlinker) LinkIsUp(name string) (bool, error) {
	l, err := d.link(name)
	if err != nil {
		return false, err
	}
	return l.up, nil
}

func (d *DryRunNetlinker) LinkSetMaster(name, master string) error {
	l, err := d.link(name)
	if err != nil {
		return err
	}
	if _, err := d.link(master); err != nil {
		return err
	}
	l.master = master
	return nil
}

func (d *DryRunNetlinker) LinkNoMaster(name string) error {
	l, err := d.link(name)
	if err != nil {
		return err
	}
	l.master = ""
	return nil
}

func (d *DryRunNetlinker) LinkMaster(name string) (string, error) {
	l, err := d.link(name)
	if err != nil {
		return "", err
	}
	return l.master, nil
}

func (d *DryRunNetlinker) LinkSetNs(name, namespace string) error {
	l, err := d.link(name)
	if err != nil {
		return err
	}
	if !d.state.namespaces[namespace] {
		return fmt.Errorf("netns %s not found", namespace)
	}
	d.log.Debug("would move link", "name", name, "netns", namespace)
	delete(d.state.links, d.key(name))
	d.state.links[linkKey{namespace, name}] = l
	return nil
}

func (d *DryRunNetlinker) AddrAdd(link, cidr string) error {
	l, err := d.link(link)
	if err != nil {
		return err
	}
	if l.addrs[cidr] {
		return fmt.Errorf("address %s on %s: file exists", cidr, link)
	}
	l.addrs[cidr] = true
	return nil
}

func (d *DryRunNetlinker) AddrDel(link, cidr string) error {
	l, err := d.link(link)
	if err != nil {
		return err
	}
	if !l.addrs[cidr] {
		return fmt.Errorf("address %s on %s not found", cidr, link)
	}
	delete(l.addrs, cidr)
	return nil
}

func (d *DryRunNetlinker) AddrExists(link, cidr string) (bool, error) {
	l, ok := d.state.links[d.key(link)]
	if !ok {
		return false, nil
	}
	return l.addrs[cidr], nil
}

func (d *DryRunNetlinker) RouteAddDefault(gw string) error {
	if d.state.routes[d.ns] == nil {
		d.state.routes[d.ns] = map[string]bool{}
	}
	if d.state.routes[d.ns][gw] {
		return fmt.Errorf("route via %s: file exists", gw)
	}
	d.state.routes[d.ns][gw] = true
	return nil
}

func (d *DryRunNetlinker) RouteDelDefault(gw string) error {
	if !d.state.routes[d.ns][gw] {
		return fmt.Errorf("route via %s not found", gw)
	}
	delete(d.state.routes[d.ns], gw)
	return nil
}

func (d *DryRunNetlinker) RouteExistsDefault(gw string) (bool, error) {
	return d.state.routes[d.ns][gw], nil
}

func (d *DryRunNetlinker) NetemReplace(link string, cfg Netem) error {
	l, err := d.link(link)
	if err != nil {
		return err
	}
	d.log.Debug("would apply netem", "link", link,
		"delay_ms", cfg.DelayMs, "loss_pct", cfg.LossPct, "rate_mbit", cfg.RateMbit)
	l.netem = &cfg
	return nil
}

func (d *DryRunNetlinker) NetemDel(link string) error {
	l, err := d.link(link)
	if err != nil {
		return err
	}
	if l.netem == nil {
		return fmt.Errorf("no netem qdisc on %s", link)
	}
	l.netem = nil
	return nil
}

func (d *DryRunNetlinker) DisableOffload(link string) error {
	_, err := d.link(link)
	return err
}

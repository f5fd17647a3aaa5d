package dummynet

// Netem describes artificial network conditions applied to an interface's
// egress queue.
type Netem struct {
	// DelayMs adds fixed latency in milliseconds.
	DelayMs float64

	// LossPct drops the given percentage of packets.
	LossPct float64

	// RateMbit caps the bandwidth in Mbit/s.
	RateMbit float64

	// Limit caps the queue length in packets.
	Limit uint32
}

// Zero reports whether no condition is set.
func (n Netem) Zero() bool {
	return n.DelayMs == 0 && n.LossPct == 0 && n.RateMbit == 0 && n.Limit == 0
}

// Netlinker abstracts the kernel-facing link, address, route, and namespace
// operations the orchestrator performs. The real implementation drives
// netlink directly; DryRunNetlinker keeps everything in memory for rehearsal
// and tests.
type Netlinker interface {
	// InNamespace returns a view executing against the named (kernel-side)
	// network namespace.
	InNamespace(name string) (Netlinker, error)

	NamespaceAdd(name string) error
	NamespaceDelete(name string) error
	NamespaceExists(name string) (bool, error)
	NamespaceList() ([]string, error)

	VethAdd(name, peer string) error
	BridgeAdd(name string) error
	VlanAdd(name, parent string, id int) error
	LinkDel(name string) error
	LinkExists(name string) (bool, error)
	LinkList(kind string) ([]string, error)
	LinkSetUp(name string) error
	LinkSetDown(name string) error
	LinkIsUp(name string) (bool, error)
	LinkSetMaster(name, master string) error
	LinkNoMaster(name string) error
	LinkMaster(name string) (string, error)
	LinkSetNs(name, namespace string) error

	AddrAdd(link, cidr string) error
	AddrDel(link, cidr string) error
	AddrExists(link, cidr string) (bool, error)

	RouteAddDefault(gw string) error
	RouteDelDefault(gw string) error
	RouteExistsDefault(gw string) (bool, error)

	NetemReplace(link string, cfg Netem) error
	NetemDel(link string) error

	// DisableOffload turns off TX checksum offload. Veth pairs simulate
	// hardware offload that is not there, which produces bad checksums and
	// hanging connections.
	DisableOffload(link string) error
}

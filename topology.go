package dummynet

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/dummynet/internal/logging"
)

// Topology is a declarative description of a test network, loaded from HCL.
// Applying it performs the same operations a caller would drive by hand:
// bridges first, then namespaces with their veth uplinks, addresses, routes
// and netem conditions.
//
//	bridge "br0" {
//	  address = "10.0.0.254/24"
//	}
//
//	namespace "client" {
//	  veth "eth0" {
//	    peer    = "cl-up"
//	    address = "10.0.0.1/24"
//	    bridge  = "br0"
//	    route   = "10.0.0.254"
//
//	    netem {
//	      delay_ms = 50
//	      loss_pct = 1
//	    }
//	  }
//	}
type Topology struct {
	Bridges    []BridgeBlock    `hcl:"bridge,block"`
	Namespaces []NamespaceBlock `hcl:"namespace,block"`
}

// BridgeBlock declares a host bridge, optionally addressed so the host can
// talk to the attached namespaces.
type BridgeBlock struct {
	Name    string `hcl:"name,label"`
	Address string `hcl:"address,optional"`
}

// NamespaceBlock declares a network namespace and its uplinks.
type NamespaceBlock struct {
	Name  string      `hcl:"name,label"`
	Veths []VethBlock `hcl:"veth,block"`
}

// VethBlock declares a veth pair: the named end moves into the enclosing
// namespace, the peer stays on the host.
type VethBlock struct {
	Name        string      `hcl:"name,label"`
	Peer        string      `hcl:"peer"`
	Address     string      `hcl:"address,optional"`
	PeerAddress string      `hcl:"peer_address,optional"`
	Bridge      string      `hcl:"bridge,optional"`
	Route       string      `hcl:"route,optional"`
	Netem       *NetemBlock `hcl:"netem,block"`
}

// NetemBlock declares emulated network conditions on the host-side peer.
type NetemBlock struct {
	DelayMs  float64 `hcl:"delay_ms,optional"`
	LossPct  float64 `hcl:"loss_pct,optional"`
	RateMbit float64 `hcl:"rate_mbit,optional"`
	Limit    uint32  `hcl:"limit,optional"`
}

// LoadTopology reads and parses a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	return ParseTopology(data, path)
}

// ParseTopology parses HCL topology source. The evaluation context exposes
// the variable pid, the scoping uid of the loading process, so file authors
// can build values that are unique per run.
func ParseTopology(data []byte, filename string) (*Topology, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("topology parse error: %s", diags.Error())
	}

	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"pid": cty.NumberIntVal(int64(os.Getpid())),
		},
	}

	var topo Topology
	if diags := gohcl.DecodeBody(file.Body, ctx, &topo); diags.HasErrors() {
		return nil, fmt.Errorf("topology decode error: %s", diags.Error())
	}
	if err := topo.validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

func (t *Topology) validate() error {
	bridges := map[string]bool{}
	for _, b := range t.Bridges {
		if bridges[b.Name] {
			return fmt.Errorf("duplicate bridge %q", b.Name)
		}
		bridges[b.Name] = true
	}
	seen := map[string]bool{}
	for _, ns := range t.Namespaces {
		if seen[ns.Name] {
			return fmt.Errorf("duplicate namespace %q", ns.Name)
		}
		seen[ns.Name] = true
		for _, v := range ns.Veths {
			if v.Peer == "" {
				return fmt.Errorf("veth %q in namespace %q: peer is required", v.Name, ns.Name)
			}
			if v.Bridge != "" && !bridges[v.Bridge] {
				return fmt.Errorf("veth %q in namespace %q: unknown bridge %q",
					v.Name, ns.Name, v.Bridge)
			}
		}
	}
	return nil
}

// Apply builds the topology through d. Resources are recorded in d's ledger
// as they are created, so a failed apply is unwound by the usual Cleanup.
// It returns the namespace-bound instances, keyed by logical name.
func (t *Topology) Apply(d *DummyNet) (map[string]*DummyNet, error) {
	log := logging.WithComponent("topology")

	for _, b := range t.Bridges {
		if err := d.BridgeAdd(b.Name); err != nil {
			return nil, err
		}
		if b.Address != "" {
			if err := d.AddrAdd(b.Name, b.Address); err != nil {
				return nil, err
			}
		}
		if err := d.Up(b.Name); err != nil {
			return nil, err
		}
	}

	namespaces := make(map[string]*DummyNet, len(t.Namespaces))
	for _, nsb := range t.Namespaces {
		ns, err := d.NetnsAdd(nsb.Name)
		if err != nil {
			return nil, err
		}
		namespaces[nsb.Name] = ns

		if err := ns.Up("lo"); err != nil {
			return nil, err
		}

		for _, v := range nsb.Veths {
			if err := t.applyVeth(d, ns, nsb.Name, v); err != nil {
				return nil, err
			}
		}
	}

	log.Info("topology applied",
		"bridges", len(t.Bridges), "namespaces", len(t.Namespaces))
	return namespaces, nil
}

func (t *Topology) applyVeth(d, ns *DummyNet, nsName string, v VethBlock) error {
	if err := d.LinkVethAdd(v.Name, v.Peer); err != nil {
		return err
	}
	if err := d.LinkSetNs(v.Name, nsName); err != nil {
		return err
	}

	if v.Address != "" {
		if err := ns.AddrAdd(v.Name, v.Address); err != nil {
			return err
		}
	}
	if err := ns.Up(v.Name); err != nil {
		return err
	}

	if v.Bridge != "" {
		if err := d.LinkSetMaster(v.Peer, v.Bridge); err != nil {
			return err
		}
	}
	if v.PeerAddress != "" {
		if err := d.AddrAdd(v.Peer, v.PeerAddress); err != nil {
			return err
		}
	}
	if err := d.Up(v.Peer); err != nil {
		return err
	}

	if v.Route != "" {
		if err := ns.RouteAdd(v.Route); err != nil {
			return err
		}
	}
	if v.Netem != nil {
		cfg := Netem{
			DelayMs:  v.Netem.DelayMs,
			LossPct:  v.Netem.LossPct,
			RateMbit: v.Netem.RateMbit,
			Limit:    v.Netem.Limit,
		}
		if err := d.TCSet(v.Peer, cfg); err != nil {
			return err
		}
	}
	return nil
}

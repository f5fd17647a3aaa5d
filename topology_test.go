package dummynet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTopology = `
bridge "br0" {
  address = "10.0.0.254/24"
}

namespace "client" {
  veth "eth0" {
    peer    = "cl-up"
    address = "10.0.0.1/24"
    bridge  = "br0"
    route   = "10.0.0.254"

    netem {
      delay_ms = 50
      loss_pct = 1
    }
  }
}

namespace "server" {
  veth "eth0" {
    peer    = "sv-up"
    address = "10.0.0.2/24"
    bridge  = "br0"
  }
}
`

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(sampleTopology), "sample.hcl")
	require.NoError(t, err)

	require.Len(t, topo.Bridges, 1)
	assert.Equal(t, "br0", topo.Bridges[0].Name)
	assert.Equal(t, "10.0.0.254/24", topo.Bridges[0].Address)

	require.Len(t, topo.Namespaces, 2)
	client := topo.Namespaces[0]
	assert.Equal(t, "client", client.Name)
	require.Len(t, client.Veths, 1)
	assert.Equal(t, "eth0", client.Veths[0].Name)
	assert.Equal(t, "cl-up", client.Veths[0].Peer)
	require.NotNil(t, client.Veths[0].Netem)
	assert.Equal(t, 50.0, client.Veths[0].Netem.DelayMs)
	assert.Nil(t, topo.Namespaces[1].Veths[0].Netem)
}

func TestParseTopology_PidVariable(t *testing.T) {
	src := `
namespace "n0" {
  veth "eth0" {
    peer = "up-${pid}"
  }
}
`
	topo, err := ParseTopology([]byte(src), "pid.hcl")
	require.NoError(t, err)
	assert.Contains(t, topo.Namespaces[0].Veths[0].Peer, "up-")
	assert.NotEqual(t, "up-", topo.Namespaces[0].Veths[0].Peer)
}

func TestParseTopology_Invalid(t *testing.T) {
	cases := map[string]string{
		"syntax error":    `namespace "x" {`,
		"missing peer":    `namespace "x" { veth "eth0" {} }`,
		"unknown bridge":  `namespace "x" { veth "eth0" { peer = "p" bridge = "nope" } }`,
		"duplicate netns": `namespace "x" {} namespace "x" {}`,
		"duplicate bridge": `bridge "b" {}
bridge "b" {}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTopology([]byte(src), name+".hcl")
			assert.Error(t, err)
		})
	}
}

func TestTopologyApply(t *testing.T) {
	topo, err := ParseTopology([]byte(sampleTopology), "sample.hcl")
	require.NoError(t, err)

	nl := NewDryRunNetlinker()
	d, _ := newTestNet(t, nl, testUID)

	namespaces, err := topo.Apply(d)
	require.NoError(t, err)
	require.Len(t, namespaces, 2)

	// Bridge and uplinks on the host.
	ok, _ := nl.LinkExists("d-2vKc-br0")
	assert.True(t, ok)
	master, err := nl.LinkMaster("d-2vKc-cl-up")
	require.NoError(t, err)
	assert.Equal(t, "d-2vKc-br0", master)

	// Interface, address and route inside the namespace.
	client := namespaces["client"]
	require.NotNil(t, client)
	links, err := client.LinkList()
	require.NoError(t, err)
	assert.Contains(t, links, "eth0")
	up, err := client.IsUp("eth0")
	require.NoError(t, err)
	assert.True(t, up)

	// One cleanup unwinds the whole topology.
	require.NoError(t, d.Cleanup())
	names, err := d.NetnsList()
	require.NoError(t, err)
	assert.Empty(t, names)
	ok, _ = nl.LinkExists("d-2vKc-br0")
	assert.False(t, ok)
}

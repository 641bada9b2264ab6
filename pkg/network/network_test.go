package network

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv/kvtest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

type fakeNetDriver struct {
	mu      sync.Mutex
	bridged map[int]bool
	vxlan   map[int]bool
	addrs   map[string][]string // device -> cidrs
}

func newFakeNetDriver() *fakeNetDriver {
	return &fakeNetDriver{bridged: map[int]bool{}, vxlan: map[int]bool{}, addrs: map[string][]string{}}
}

func (d *fakeNetDriver) EnsureBridged(n *types.Network) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bridged[n.VNI] = true
	return nil
}

func (d *fakeNetDriver) RemoveBridged(n *types.Network) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bridged, n.VNI)
	return nil
}

func (d *fakeNetDriver) EnsureVXLAN(n *types.Network, clusterDevice string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vxlan[n.VNI] = true
	return nil
}

func (d *fakeNetDriver) RemoveVXLAN(n *types.Network) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vxlan, n.VNI)
	return nil
}

func (d *fakeNetDriver) AddAddress(device, cidr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[device] = append(d.addrs[device], cidr)
	return nil
}

func (d *fakeNetDriver) DelAddress(device, cidr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var kept []string
	for _, a := range d.addrs[device] {
		if a != cidr {
			kept = append(kept, a)
		}
	}
	d.addrs[device] = kept
	return nil
}

func newTestController(t *testing.T) (*Controller, *kvtest.Fake, *fakeNetDriver) {
	t.Helper()
	fake := kvtest.NewFake()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	driver := newFakeNetDriver()
	return New(fake, bus, driver, "eth1", ""), fake, driver
}

func TestConvergeBridgedAndManaged(t *testing.T) {
	c, fake, driver := newTestController(t)

	kvtest.MustPut(t, fake, "networks/100", &types.Network{VNI: 100, Type: types.NetworkBridged, Uplink: "eth0"})
	kvtest.MustPut(t, fake, "networks/200", &types.Network{
		VNI: 200, Type: types.NetworkManaged,
		Subnet4: "10.200.0.0/24", Gateway: "10.200.0.1",
	})

	c.convergeAll()
	assert.True(t, driver.bridged[100])
	assert.True(t, driver.vxlan[200])

	// Removal from the table tears local plumbing down.
	require.NoError(t, fake.Delete("networks/100"))
	c.convergeAll()
	assert.False(t, driver.bridged[100])
	assert.True(t, driver.vxlan[200])
}

func TestConvergeSkipsUnchangedVersions(t *testing.T) {
	c, fake, driver := newTestController(t)
	kvtest.MustPut(t, fake, "networks/100", &types.Network{VNI: 100, Type: types.NetworkBridged, Uplink: "eth0"})

	c.convergeAll()
	driver.bridged[100] = false // forget, to detect a re-converge
	c.convergeAll()
	assert.False(t, driver.bridged[100], "an unchanged record is not re-converged")

	// A version bump re-converges.
	kvtest.MustPut(t, fake, "networks/100", &types.Network{VNI: 100, Type: types.NetworkBridged, Uplink: "eth0", Version: 2})
	c.convergeAll()
	assert.True(t, driver.bridged[100])
}

func TestGatewayLifecycle(t *testing.T) {
	c, fake, driver := newTestController(t)
	kvtest.MustPut(t, fake, "networks/200", &types.Network{
		VNI: 200, Type: types.NetworkManaged,
		Subnet4: "10.200.0.0/24", Gateway: "10.200.0.1",
	})
	c.convergeAll()

	c.StartGateways()
	assert.Contains(t, driver.addrs[BridgeName(200)], "10.200.0.1/24")
	c.mu.Lock()
	assert.Len(t, c.gateways, 1)
	c.mu.Unlock()

	c.StopGateways()
	assert.Empty(t, driver.addrs[BridgeName(200)])
	c.mu.Lock()
	assert.Empty(t, c.gateways)
	c.mu.Unlock()
}

func TestRenderRule(t *testing.T) {
	rule := renderRule("vmbr200", types.ACLRule{
		Action: "deny", Source: "10.200.0.0/24", Destination: "192.168.0.10",
		Port: 22, Protocol: "TCP",
	})
	assert.Equal(t, []string{
		"FORWARD", "-i", "vmbr200", "-p", "tcp",
		"-s", "10.200.0.0/24", "-d", "192.168.0.10",
		"--dport", "22", "-j", "DROP",
	}, rule)

	allow := renderRule("vmbr200", types.ACLRule{Action: "allow", Source: "10.200.0.5"})
	assert.Equal(t, "ACCEPT", allow[len(allow)-1])
}

func TestGatewayCIDR(t *testing.T) {
	n := &types.Network{Subnet4: "10.200.0.0/24", Gateway: "10.200.0.1"}
	assert.Equal(t, "10.200.0.1/24", gatewayCIDR(n))

	assert.Empty(t, gatewayCIDR(&types.Network{Gateway: "10.200.0.1"}))
	assert.Empty(t, gatewayCIDR(&types.Network{Subnet4: "10.200.0.0/24"}))
}

func TestDHCPAddressAllocation(t *testing.T) {
	d := NewDHCPDispatcher(&types.Network{
		VNI: 200, Type: types.NetworkManaged,
		Subnet4: "10.200.0.0/24", Gateway: "10.200.0.1",
		DHCPStart: "10.200.0.10", DHCPEnd: "10.200.0.12",
		Leases: []types.StaticLease{
			{MAC: "52:54:00:00:00:01", IP: "10.200.0.50", Hostname: "web1"},
			{MAC: "52:54:00:00:00:99", IP: "10.200.0.10"},
		},
	})

	static, _ := net.ParseMAC("52:54:00:00:00:01")
	assert.Equal(t, "10.200.0.50", d.addressFor(static).String())

	// Dynamic clients skip the statically leased .10 and get stable
	// repeat answers.
	m1, _ := net.ParseMAC("52:54:00:00:00:02")
	m2, _ := net.ParseMAC("52:54:00:00:00:03")
	ip1 := d.addressFor(m1)
	require.NotNil(t, ip1)
	assert.Equal(t, "10.200.0.11", ip1.String())
	assert.Equal(t, "10.200.0.11", d.addressFor(m1).String())

	ip2 := d.addressFor(m2)
	require.NotNil(t, ip2)
	assert.Equal(t, "10.200.0.12", ip2.String())

	// Pool exhausted.
	m3, _ := net.ParseMAC("52:54:00:00:00:04")
	assert.Nil(t, d.addressFor(m3))
}

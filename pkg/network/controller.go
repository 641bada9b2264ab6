package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// gateway is the per-network service pair the primary runs.
type gateway struct {
	dhcp *DHCPDispatcher
	dns  *DNSDispatcher
}

// Controller converges local bridges and VXLAN tunnels to the networks
// table, and hosts the gateway dispatchers while this node is primary.
type Controller struct {
	kv            kv.Client
	bus           *events.Broker
	driver        Driver
	acls          *ACLProgrammer
	clusterDevice string
	domain        string
	logger        zerolog.Logger

	mu        sync.Mutex
	converged map[int]uint64 // vni -> last converged record version
	current   map[int]*types.Network
	gateways  map[int]*gateway
	primary   bool
}

// New creates the network controller. clusterDevice carries the VXLAN
// tunnels.
func New(client kv.Client, bus *events.Broker, driver Driver, clusterDevice, domain string) *Controller {
	return &Controller{
		kv:            client,
		bus:           bus,
		driver:        driver,
		acls:          NewACLProgrammer(),
		clusterDevice: clusterDevice,
		domain:        domain,
		logger:        log.WithComponent("network"),
		converged:     map[int]uint64{},
		current:       map[int]*types.Network{},
		gateways:      map[int]*gateway{},
	}
}

// Run blocks, converging on every network change until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context) {
	sub := c.bus.Subscribe()
	defer c.bus.Unsubscribe(sub)

	c.convergeAll()

	for {
		select {
		case <-ctx.Done():
			c.StopGateways()
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.NetworkChanged, events.KeepaliveTick:
				c.convergeAll()
			}
		}
	}
}

func (c *Controller) convergeAll() {
	if !c.kv.Available() {
		return
	}

	recs, err := c.kv.List("networks")
	if err != nil {
		return
	}
	metrics.NetworksTotal.Set(float64(len(recs)))

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[int]bool{}
	for _, rec := range recs {
		var n types.Network
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			continue
		}
		seen[n.VNI] = true

		if c.converged[n.VNI] == rec.Version {
			continue
		}
		if err := c.converge(&n); err != nil {
			c.logger.Error().Err(err).Int("vni", n.VNI).Msg("network convergence failed")
			continue
		}
		c.converged[n.VNI] = rec.Version
		c.current[n.VNI] = &n
	}

	// Tear down networks removed from the table.
	for vni, n := range c.current {
		if seen[vni] {
			continue
		}
		c.teardownLocked(vni, n)
	}
}

func (c *Controller) converge(n *types.Network) error {
	switch n.Type {
	case types.NetworkBridged:
		return c.driver.EnsureBridged(n)
	case types.NetworkManaged:
		if err := c.driver.EnsureVXLAN(n, c.clusterDevice); err != nil {
			return err
		}
		if err := c.acls.Apply(n); err != nil {
			return err
		}
		// A managed network added while we already hold the primary lease
		// gets its gateway immediately.
		if c.primary {
			c.startGatewayLocked(n)
		}
		return nil
	default:
		return fmt.Errorf("unknown network type %q for vni %d", n.Type, n.VNI)
	}
}

func (c *Controller) teardownLocked(vni int, n *types.Network) {
	c.stopGatewayLocked(vni)
	c.acls.Remove(vni)

	var err error
	switch n.Type {
	case types.NetworkBridged:
		err = c.driver.RemoveBridged(n)
	case types.NetworkManaged:
		err = c.driver.RemoveVXLAN(n)
	}
	if err != nil {
		c.logger.Error().Err(err).Int("vni", vni).Msg("network teardown failed")
		return
	}
	delete(c.converged, vni)
	delete(c.current, vni)
}

// StartGateways binds each managed network's gateway IP and starts its
// DHCP/DNS dispatchers. Called by the primary role on lease
// acquisition.
func (c *Controller) StartGateways() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.primary = true
	for _, n := range c.current {
		if n.Type == types.NetworkManaged {
			c.startGatewayLocked(n)
		}
	}
}

// StopGateways reverses StartGateways; called before the lease is
// released so no gateway outlives the primary role.
func (c *Controller) StopGateways() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.primary = false
	for vni := range c.gateways {
		c.stopGatewayLocked(vni)
	}
}

func (c *Controller) startGatewayLocked(n *types.Network) {
	if _, running := c.gateways[n.VNI]; running || n.Gateway == "" {
		return
	}

	if cidr := gatewayCIDR(n); cidr != "" {
		if err := c.driver.AddAddress(BridgeName(n.VNI), cidr); err != nil {
			c.logger.Error().Err(err).Int("vni", n.VNI).Msg("gateway address bind failed")
			return
		}
	}

	gw := &gateway{
		dhcp: NewDHCPDispatcher(n),
		dns:  NewDNSDispatcher(n, c.domain),
	}
	c.gateways[n.VNI] = gw

	go func() {
		if err := gw.dhcp.Serve(); err != nil {
			c.logger.Error().Err(err).Int("vni", n.VNI).Msg("dhcp dispatcher exited")
		}
	}()
	go func() {
		if err := gw.dns.Serve(); err != nil {
			c.logger.Error().Err(err).Int("vni", n.VNI).Msg("dns dispatcher exited")
		}
	}()
}

func (c *Controller) stopGatewayLocked(vni int) {
	gw, running := c.gateways[vni]
	if !running {
		return
	}
	gw.dhcp.Stop()
	gw.dns.Stop()
	delete(c.gateways, vni)

	if n := c.current[vni]; n != nil {
		if cidr := gatewayCIDR(n); cidr != "" {
			if err := c.driver.DelAddress(BridgeName(vni), cidr); err != nil {
				c.logger.Warn().Err(err).Int("vni", vni).Msg("gateway address unbind failed")
			}
		}
	}
}

// gatewayCIDR renders the gateway IP with the network's prefix length.
func gatewayCIDR(n *types.Network) string {
	if n.Gateway == "" || n.Subnet4 == "" {
		return ""
	}
	_, subnet, err := net.ParseCIDR(n.Subnet4)
	if err != nil {
		return ""
	}
	ones, _ := subnet.Mask.Size()
	return fmt.Sprintf("%s/%d", n.Gateway, ones)
}

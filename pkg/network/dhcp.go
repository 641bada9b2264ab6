package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

const leaseDuration = time.Hour

// DHCPDispatcher serves one managed network's DHCP range and static
// leases on its bridge. Run only on the primary coordinator.
type DHCPDispatcher struct {
	net    *types.Network
	logger zerolog.Logger
	server *server4.Server

	mu      sync.Mutex
	dynamic map[string]net.IP // mac -> dynamically assigned IP
	next    net.IP
}

// NewDHCPDispatcher prepares a dispatcher for n; Serve binds it.
func NewDHCPDispatcher(n *types.Network) *DHCPDispatcher {
	return &DHCPDispatcher{
		net:     n,
		logger:  log.WithComponent("dhcp").With().Int("vni", n.VNI).Logger(),
		dynamic: map[string]net.IP{},
	}
}

// Serve binds the network's bridge and blocks until Stop.
func (d *DHCPDispatcher) Serve() error {
	laddr := &net.UDPAddr{Port: dhcpv4.ServerPort}
	srv, err := server4.NewServer(BridgeName(d.net.VNI), laddr, d.handle)
	if err != nil {
		return fmt.Errorf("dhcp listener on vni %d: %w", d.net.VNI, err)
	}
	d.server = srv
	d.logger.Info().Msg("dhcp dispatcher started")
	return srv.Serve()
}

// Stop closes the listener.
func (d *DHCPDispatcher) Stop() {
	if d.server != nil {
		_ = d.server.Close()
	}
	d.logger.Info().Msg("dhcp dispatcher stopped")
}

func (d *DHCPDispatcher) handle(conn net.PacketConn, peer net.Addr, m *dhcpv4.DHCPv4) {
	if m == nil || m.OpCode != dhcpv4.OpcodeBootRequest {
		return
	}

	ip := d.addressFor(m.ClientHWAddr)
	if ip == nil {
		d.logger.Warn().Str("mac", m.ClientHWAddr.String()).Msg("dhcp pool exhausted")
		return
	}

	reply, err := dhcpv4.NewReplyFromRequest(m)
	if err != nil {
		return
	}
	reply.YourIPAddr = ip

	_, subnet, err := net.ParseCIDR(d.net.Subnet4)
	if err == nil {
		reply.UpdateOption(dhcpv4.OptSubnetMask(net.IPMask(subnet.Mask)))
	}
	if gw := net.ParseIP(d.net.Gateway); gw != nil {
		reply.UpdateOption(dhcpv4.OptRouter(gw))
		reply.UpdateOption(dhcpv4.OptDNS(gw))
	}
	reply.UpdateOption(dhcpv4.OptIPAddressLeaseTime(leaseDuration))

	switch mt := m.MessageType(); mt {
	case dhcpv4.MessageTypeDiscover:
		reply.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))
	case dhcpv4.MessageTypeRequest:
		reply.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
	default:
		return
	}

	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		d.logger.Warn().Err(err).Msg("dhcp reply send failed")
	}
}

// addressFor returns the static lease for mac if one exists, otherwise
// the next free address from the dynamic range.
func (d *DHCPDispatcher) addressFor(mac net.HardwareAddr) net.IP {
	for _, lease := range d.net.Leases {
		if lease.MAC == mac.String() {
			return net.ParseIP(lease.IP)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ip, ok := d.dynamic[mac.String()]; ok {
		return ip
	}

	start := net.ParseIP(d.net.DHCPStart)
	end := net.ParseIP(d.net.DHCPEnd)
	if start == nil || end == nil {
		return nil
	}
	if d.next == nil {
		d.next = start
	}

	for ip := d.next; !ipAfter(ip, end); ip = nextIP(ip) {
		if !d.assigned(ip) && !d.staticallyLeased(ip) {
			assigned := make(net.IP, len(ip))
			copy(assigned, ip)
			d.dynamic[mac.String()] = assigned
			d.next = nextIP(assigned)
			return assigned
		}
	}
	return nil
}

func (d *DHCPDispatcher) assigned(ip net.IP) bool {
	for _, v := range d.dynamic {
		if v.Equal(ip) {
			return true
		}
	}
	return false
}

func (d *DHCPDispatcher) staticallyLeased(ip net.IP) bool {
	for _, lease := range d.net.Leases {
		if ip.Equal(net.ParseIP(lease.IP)) {
			return true
		}
	}
	return false
}

func nextIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func ipAfter(a, b net.IP) bool {
	a4, b4 := a.To16(), b.To16()
	for i := range a4 {
		if a4[i] != b4[i] {
			return a4[i] > b4[i]
		}
	}
	return false
}

// Package network implements the network controller: converging
// local 802.1q bridges and VXLAN tunnels to the networks table, applying
// per-network ACLs, and hosting the per-network DHCP/DNS gateway
// dispatchers the primary coordinator starts on lease acquisition.
package network

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Driver creates and tears down the local network plumbing for one
// node. Implementations must be idempotent: converging an
// already-present bridge is a no-op, not an error.
type Driver interface {
	// EnsureBridged creates the 802.1q VLAN on the uplink plus a Linux
	// bridge enslaving it.
	EnsureBridged(net *types.Network) error
	RemoveBridged(net *types.Network) error

	// EnsureVXLAN creates the VXLAN tunnel over the cluster device plus
	// its bridge.
	EnsureVXLAN(net *types.Network, clusterDevice string) error
	RemoveVXLAN(net *types.Network) error

	// AddAddress / DelAddress bind and unbind an address (CIDR notation)
	// on a device; used for gateway and floating IPs.
	AddAddress(device, cidr string) error
	DelAddress(device, cidr string) error
}

// BridgeName returns the Linux bridge device for a network.
func BridgeName(vni int) string { return fmt.Sprintf("vmbr%d", vni) }

// vxlanName returns the VXLAN tunnel device for a managed network.
func vxlanName(vni int) string { return fmt.Sprintf("vxlan%d", vni) }

// LinuxDriver shells out to ip(8), the way every hypervisor distro's
// tooling expects the devices to be created.
type LinuxDriver struct{}

func NewLinuxDriver() *LinuxDriver { return &LinuxDriver{} }

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %v failed: %w (output: %s)", args, err, string(output))
	}
	return nil
}

// deviceExists probes with `ip link show`.
func deviceExists(device string) bool {
	return exec.Command("ip", "link", "show", device).Run() == nil
}

func (d *LinuxDriver) EnsureBridged(n *types.Network) error {
	vlanDev := fmt.Sprintf("%s.%d", n.Uplink, n.VNI)
	bridge := BridgeName(n.VNI)

	if !deviceExists(vlanDev) {
		if err := runIP("link", "add", "link", n.Uplink, "name", vlanDev, "type", "vlan", "id", fmt.Sprintf("%d", n.VNI)); err != nil {
			return err
		}
	}
	if !deviceExists(bridge) {
		if err := runIP("link", "add", bridge, "type", "bridge"); err != nil {
			return err
		}
	}
	if err := runIP("link", "set", vlanDev, "master", bridge); err != nil {
		return err
	}
	if err := runIP("link", "set", vlanDev, "up"); err != nil {
		return err
	}
	return runIP("link", "set", bridge, "up")
}

func (d *LinuxDriver) RemoveBridged(n *types.Network) error {
	vlanDev := fmt.Sprintf("%s.%d", n.Uplink, n.VNI)
	if deviceExists(BridgeName(n.VNI)) {
		if err := runIP("link", "del", BridgeName(n.VNI)); err != nil {
			return err
		}
	}
	if deviceExists(vlanDev) {
		return runIP("link", "del", vlanDev)
	}
	return nil
}

func (d *LinuxDriver) EnsureVXLAN(n *types.Network, clusterDevice string) error {
	vxlan := vxlanName(n.VNI)
	bridge := BridgeName(n.VNI)

	if !deviceExists(vxlan) {
		if err := runIP("link", "add", vxlan, "type", "vxlan",
			"id", fmt.Sprintf("%d", n.VNI), "dstport", "4789",
			"dev", clusterDevice, "nolearning"); err != nil {
			return err
		}
	}
	if !deviceExists(bridge) {
		if err := runIP("link", "add", bridge, "type", "bridge"); err != nil {
			return err
		}
	}
	if err := runIP("link", "set", vxlan, "master", bridge); err != nil {
		return err
	}
	if err := runIP("link", "set", vxlan, "up"); err != nil {
		return err
	}
	return runIP("link", "set", bridge, "up")
}

func (d *LinuxDriver) RemoveVXLAN(n *types.Network) error {
	if deviceExists(BridgeName(n.VNI)) {
		if err := runIP("link", "del", BridgeName(n.VNI)); err != nil {
			return err
		}
	}
	if deviceExists(vxlanName(n.VNI)) {
		return runIP("link", "del", vxlanName(n.VNI))
	}
	return nil
}

func (d *LinuxDriver) AddAddress(device, cidr string) error {
	err := runIP("addr", "add", cidr, "dev", device)
	if err != nil && deviceHasAddress(device, cidr) {
		return nil
	}
	return err
}

func (d *LinuxDriver) DelAddress(device, cidr string) error {
	if !deviceHasAddress(device, cidr) {
		return nil
	}
	return runIP("addr", "del", cidr, "dev", device)
}

func deviceHasAddress(device, cidr string) bool {
	out, err := exec.Command("ip", "addr", "show", device).CombinedOutput()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), cidr)
}

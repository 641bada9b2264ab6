package fence

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
)

// IPMIDriver power-cycles peers through their management controllers
// with ipmitool. The configured hostname is a template: a "%s" is
// substituted with the peer's node name, so one fleet-wide credential
// set reaches every controller ("%s-lom.example.com").
type IPMIDriver struct {
	cfg config.IPMIConfig
}

// NewIPMIDriver creates the driver from the fencing config subtree.
func NewIPMIDriver(cfg config.IPMIConfig) *IPMIDriver {
	return &IPMIDriver{cfg: cfg}
}

func (d *IPMIDriver) controllerFor(nodeName string) string {
	if strings.Contains(d.cfg.Hostname, "%s") {
		return fmt.Sprintf(d.cfg.Hostname, nodeName)
	}
	return d.cfg.Hostname
}

// Fence issues a chassis power reset and confirms the controller still
// reports the chassis powered — success means a confirmed clean reset,
// not merely a sent command.
func (d *IPMIDriver) Fence(nodeName string) error {
	host := d.controllerFor(nodeName)
	if host == "" {
		return fmt.Errorf("no management controller configured for %s", nodeName)
	}

	if err := d.run(host, "chassis", "power", "reset"); err != nil {
		return fmt.Errorf("power reset of %s via %s: %w", nodeName, host, err)
	}

	out, err := d.output(host, "chassis", "power", "status")
	if err != nil {
		return fmt.Errorf("power status of %s via %s: %w", nodeName, host, err)
	}
	if !strings.Contains(out, "Power is on") {
		return fmt.Errorf("reset of %s unconfirmed: %s", nodeName, strings.TrimSpace(out))
	}

	log.Info(fmt.Sprintf("fence of %s confirmed via %s", nodeName, host))
	return nil
}

func (d *IPMIDriver) args(host string, cmd ...string) []string {
	base := []string{"-I", "lanplus", "-H", host, "-U", d.cfg.Username, "-P", d.cfg.Password}
	return append(base, cmd...)
}

func (d *IPMIDriver) run(host string, cmd ...string) error {
	c := exec.Command("ipmitool", d.args(host, cmd...)...)
	output, err := c.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ipmitool failed: %w (output: %s)", err, string(output))
	}
	return nil
}

func (d *IPMIDriver) output(host string, cmd ...string) (string, error) {
	c := exec.Command("ipmitool", d.args(host, cmd...)...)
	output, err := c.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ipmitool failed: %w (output: %s)", err, string(output))
	}
	return string(output), nil
}

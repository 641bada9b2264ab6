package network

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// ACLProgrammer renders a managed network's ACL rules as iptables
// FORWARD rules on the network's bridge. Rules are tracked per VNI so a
// network update replaces its chain wholesale instead of leaking stale
// entries.
type ACLProgrammer struct {
	applied map[int][][]string // vni -> argument vectors currently installed
}

func NewACLProgrammer() *ACLProgrammer {
	return &ACLProgrammer{applied: map[int][][]string{}}
}

// Apply replaces the installed rule set for a network with its current
// ACLs. Rule order is preserved; the gateway evaluates first match.
func (p *ACLProgrammer) Apply(n *types.Network) error {
	p.Remove(n.VNI)

	bridge := BridgeName(n.VNI)
	var installed [][]string
	for _, acl := range n.ACLs {
		rule := renderRule(bridge, acl)
		if err := runIPTables(append([]string{"-A"}, rule...)); err != nil {
			// Roll back what this pass already installed.
			for _, r := range installed {
				_ = runIPTables(append([]string{"-D"}, r...))
			}
			return fmt.Errorf("program acl on vni %d: %w", n.VNI, err)
		}
		installed = append(installed, rule)
	}

	p.applied[n.VNI] = installed
	return nil
}

// Remove uninstalls every rule previously applied for vni.
func (p *ACLProgrammer) Remove(vni int) {
	for _, rule := range p.applied[vni] {
		_ = runIPTables(append([]string{"-D"}, rule...)) // best-effort on teardown
	}
	delete(p.applied, vni)
}

// renderRule maps one ACL entry onto a FORWARD rule scoped to the
// network's bridge.
func renderRule(bridge string, acl types.ACLRule) []string {
	rule := []string{"FORWARD", "-i", bridge}

	if acl.Protocol != "" {
		rule = append(rule, "-p", strings.ToLower(acl.Protocol))
	}
	if acl.Source != "" {
		rule = append(rule, "-s", acl.Source)
	}
	if acl.Destination != "" {
		rule = append(rule, "-d", acl.Destination)
	}
	if acl.Port != 0 {
		rule = append(rule, "--dport", fmt.Sprintf("%d", acl.Port))
	}

	target := "ACCEPT"
	if acl.Action == "deny" {
		target = "DROP"
	}
	return append(rule, "-j", target)
}

// runIPTables executes an iptables command.
func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}

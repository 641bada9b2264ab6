// Package placement implements the target-selection algorithm:
// given a VM needing a node, rank the eligible set by its selector and
// return the best match, tie-broken deterministically by node name.
package placement

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// NoEligibleTarget is returned when no node satisfies the VM's
// constraints.
type NoEligibleTarget struct {
	VM string
}

func (e *NoEligibleTarget) Error() string {
	return fmt.Sprintf("no eligible placement target for vm %s", e.VM)
}

// Select evaluates the eligible node set for vm and returns the best
// target's name.
func Select(client kv.Client, vm *types.VM) (string, error) {
	return SelectExcluding(client, vm, "")
}

// SelectExcluding is Select with one node barred from the candidate
// set; migrations away from a node must never choose it again.
func SelectExcluding(client kv.Client, vm *types.VM, exclude string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlacementDuration)

	nodeRecs, err := client.List("nodes")
	if err != nil {
		return "", err
	}
	vmRecs, err := client.List("domains")
	if err != nil {
		return "", err
	}

	var poweredOffMaxMem map[string]int64
	if vm.Meta.Selector == types.SelectorMemProv {
		poweredOffMaxMem = sumPoweredOffMem(vmRecs)
	}

	type candidate struct {
		node  types.Node
		score float64
	}

	var candidates []candidate
	for _, rec := range nodeRecs {
		var n types.Node
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			continue
		}
		if n.Name == exclude {
			continue
		}
		if n.DaemonState != types.DaemonRun || n.DomainState != types.DomainReady {
			continue
		}
		if !eligibleByLimit(n.Name, vm.Meta.NodeLimit) {
			continue
		}
		candidates = append(candidates, candidate{node: n, score: score(n, vm.Meta.Selector, poweredOffMaxMem)})
	}

	if len(candidates) == 0 {
		metrics.PlacementFailuresTotal.WithLabelValues(string(vm.Meta.Selector)).Inc()
		return "", &NoEligibleTarget{VM: vm.UUID}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].node.Name < candidates[j].node.Name
	})

	return candidates[0].node.Name, nil
}

func eligibleByLimit(name string, limit []string) bool {
	if len(limit) == 0 {
		return true
	}
	for _, n := range limit {
		if n == name {
			return true
		}
	}
	return false
}

func score(n types.Node, selector types.Selector, poweredOffMaxMem map[string]int64) float64 {
	switch selector {
	case types.SelectorMemProv:
		return float64(n.MemAllocated + poweredOffMaxMem[n.Name])
	case types.SelectorLoad:
		return n.Load
	case types.SelectorVCPUs:
		return float64(n.VCPUsAllocated)
	case types.SelectorVMs:
		return float64(n.VMCount)
	case types.SelectorMem:
		fallthrough
	default:
		return float64(n.MemAllocated)
	}
}

// sumPoweredOffMem sums, per node, the maximum memory each powered-off
// VM declares it would need if started — the memprov selector counts
// this against the node even though the VM isn't currently allocated.
// A definition this package cannot interpret counts as zero, which is
// conservative for ranking purposes.
func sumPoweredOffMem(vmRecs []*kv.Record) map[string]int64 {
	sums := map[string]int64{}
	for _, rec := range vmRecs {
		var vm types.VM
		if err := json.Unmarshal(rec.Value, &vm); err != nil {
			continue
		}
		if vm.State == types.VMStart || vm.Node == "" {
			continue
		}
		sums[vm.Node] += definitionMemoryMiB(vm.Definition)
	}
	return sums
}

func definitionMemoryMiB(definition string) int64 {
	var d struct {
		Memory struct {
			Value int64  `xml:",chardata"`
			Unit  string `xml:"unit,attr"`
		} `xml:"memory"`
	}
	if err := xml.Unmarshal([]byte(definition), &d); err != nil {
		return 0
	}
	switch d.Memory.Unit {
	case "MiB":
		return d.Memory.Value
	case "GiB":
		return d.Memory.Value * 1024
	case "b", "bytes":
		return d.Memory.Value / (1024 * 1024)
	default: // libvirt defaults to KiB
		return d.Memory.Value / 1024
	}
}

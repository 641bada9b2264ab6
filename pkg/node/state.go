// Package node implements the per-node state machine: the
// daemon_state, coordinator_state, and domain_state transitions every
// node daemon drives for its own KV record.
package node

import (
	"encoding/json"
	"fmt"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Machine owns the local node's nodes/<self> record and is the only
// component allowed to write daemon_state=init/run or domain_state to
// itself; dead/fenced are written exclusively by the primary's fencer.
type Machine struct {
	self string
	kv   kv.Client
	bus  *events.Broker
}

// New creates the state machine for the local node named self.
func New(self string, client kv.Client, bus *events.Broker) *Machine {
	return &Machine{self: self, kv: client, bus: bus}
}

// Init transitions stop->init, creating the node record if absent, then
// advances to run once startup completes via Run. clusterAddr is the
// address live migrations to this node land on.
func (m *Machine) Init(role types.NodeRole, clusterAddr string) error {
	n := &types.Node{
		Name:        m.self,
		Role:        role,
		DaemonState: types.DaemonInit,
		DomainState: types.DomainReady,
		ClusterAddr: clusterAddr,
	}
	if role != types.RoleCoordinator {
		n.CoordinatorState = types.CoordinatorNone
	} else {
		n.CoordinatorState = types.CoordinatorSecondary
	}

	// Preserve domain_state across restarts: a node that went down while
	// flushed must not silently re-enter the ready pool.
	if rec, err := m.kv.Get("nodes/" + m.self); err == nil {
		var prev types.Node
		if err := json.Unmarshal(rec.Value, &prev); err == nil && prev.DomainState != "" {
			n.DomainState = prev.DomainState
		}
	}

	return m.kv.Put("nodes/"+m.self, n)
}

// Run marks the node fully up. Called once all local controllers have
// completed their startup pass.
func (m *Machine) Run() error {
	return m.transition(func(n *types.Node) error {
		if n.DaemonState != types.DaemonInit {
			return fmt.Errorf("cannot move to run from %s", n.DaemonState)
		}
		n.DaemonState = types.DaemonRun
		return nil
	})
}

// Flush begins evacuating all VMs from this node.
// The caller is the VM placement controller's reconciliation loop, which
// observes domain_state=flushing and migrates the owned set; FlushDone
// should be called once that set is empty.
func (m *Machine) Flush() error {
	return m.transition(func(n *types.Node) error {
		if n.DomainState != types.DomainReady {
			return fmt.Errorf("cannot flush from domain_state %s", n.DomainState)
		}
		n.DomainState = types.DomainFlushing
		return nil
	})
}

// FlushDone marks the node flushed once its owned VM set is empty.
func (m *Machine) FlushDone() error {
	return m.transition(func(n *types.Node) error {
		if n.DomainState != types.DomainFlushing {
			return fmt.Errorf("cannot mark flushed from domain_state %s", n.DomainState)
		}
		n.DomainState = types.DomainFlushed
		return nil
	})
}

// Unflush begins the reverse transition flushed->unflushing; the primary
// is then free to migrate VMs back using each VM's previous_node.
func (m *Machine) Unflush() error {
	return m.transition(func(n *types.Node) error {
		if n.DomainState != types.DomainFlushed {
			return fmt.Errorf("cannot unflush from domain_state %s", n.DomainState)
		}
		n.DomainState = types.DomainUnflushing
		return nil
	})
}

// UnflushDone completes unflushing back to ready.
func (m *Machine) UnflushDone() error {
	return m.transition(func(n *types.Node) error {
		if n.DomainState != types.DomainUnflushing {
			return fmt.Errorf("cannot complete unflush from domain_state %s", n.DomainState)
		}
		n.DomainState = types.DomainReady
		return nil
	})
}

// Takeover and Relinquish are the coordinator_state transitions visible
// to health plugins so they can suppress spurious alarms during a
// primary handover.

func (m *Machine) Takeover() error {
	return m.transition(func(n *types.Node) error {
		n.CoordinatorState = types.CoordinatorTakeover
		return nil
	})
}

func (m *Machine) BecomePrimary() error {
	return m.transition(func(n *types.Node) error {
		n.CoordinatorState = types.CoordinatorPrimary
		return nil
	})
}

func (m *Machine) Relinquish() error {
	return m.transition(func(n *types.Node) error {
		n.CoordinatorState = types.CoordinatorRelinquish
		return nil
	})
}

func (m *Machine) BecomeSecondary() error {
	return m.transition(func(n *types.Node) error {
		n.CoordinatorState = types.CoordinatorSecondary
		return nil
	})
}

// transition re-reads the current record, applies mutate, and writes it
// back with a CAS keyed on the version last observed — retrying up to
// twice on a version conflict from a concurrent keepalive update, since only the
// daemon_state/domain_state/coordinator_state fields are contended with
// the keepalive tick's own CAS of load/mem/health fields.
func (m *Machine) transition(mutate func(*types.Node) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, err := m.kv.Get("nodes/" + m.self)
		if err != nil {
			return err
		}
		var n types.Node
		if err := unmarshalRecord(rec, &n); err != nil {
			return err
		}
		if err := mutate(&n); err != nil {
			return err
		}
		if err := m.kv.CAS("nodes/"+m.self, rec.Version, &n); err != nil {
			lastErr = err
			continue
		}
		log.Info(fmt.Sprintf("node %s -> daemon=%s coordinator=%s domain=%s", m.self, n.DaemonState, n.CoordinatorState, n.DomainState))
		return nil
	}
	return fmt.Errorf("transition for %s failed after retries: %w", m.self, lastErr)
}

func unmarshalRecord(rec *kv.Record, dst *types.Node) error {
	return json.Unmarshal(rec.Value, dst)
}

// Package coordinator implements the primary-coordinator role:
// the consumer of the leader election that binds floating addresses,
// starts per-network gateway dispatchers, arms the fence controller,
// and migrates flushed VMs home again.
package coordinator

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/fence"
	"github.com/parallelvirtualcluster/pvc/pkg/keepalive"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/network"
	"github.com/parallelvirtualcluster/pvc/pkg/node"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Role drives this node's side of the primary election.
type Role struct {
	cfg       *config.Document
	kv        kv.Client
	bus       *events.Broker
	machine   *node.Machine
	keepalive *keepalive.Engine
	fencer    *fence.Controller
	networks  *network.Controller
	netdriver network.Driver
	logger    zerolog.Logger

	primary bool

	// lastDomainState tracks each node's domain_state between ticks so
	// an unflush transition can be spotted and its VMs brought home.
	lastDomainState map[string]types.DomainState
}

// New wires the role. fencer stays dormant until the lease is held.
func New(cfg *config.Document, client kv.Client, bus *events.Broker, machine *node.Machine,
	ka *keepalive.Engine, fencer *fence.Controller, networks *network.Controller, netdriver network.Driver) *Role {
	return &Role{
		cfg:             cfg,
		kv:              client,
		bus:             bus,
		machine:         machine,
		keepalive:       ka,
		fencer:          fencer,
		networks:        networks,
		netdriver:       netdriver,
		logger:          log.WithComponent("coordinator"),
		lastDomainState: map[string]types.DomainState{},
	}
}

// Run blocks on the leader election until ctx is cancelled, taking over
// and relinquishing as the lease moves.
func (r *Role) Run(ctx context.Context) error {
	handle, err := r.kv.AcquireLeader("election/primary", r.cfg.Node)
	if err != nil {
		return err
	}

	sub := r.bus.Subscribe()
	defer r.bus.Unsubscribe(sub)

	if handle.IsLeader() {
		r.takeover()
	}

	for {
		select {
		case <-ctx.Done():
			if r.primary {
				r.relinquish()
			}
			return nil
		case isLeader, ok := <-handle.Changes():
			if !ok {
				if r.primary {
					r.relinquish()
				}
				return nil
			}
			if isLeader && !r.primary {
				r.takeover()
			} else if !isLeader && r.primary {
				r.relinquish()
			}
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.Type == events.KeepaliveTick && r.primary {
				r.returnUnflushedVMs()
			}
		}
	}
}

// takeover runs the acquisition sequence in order: addresses,
// gateways, fencer, then the primary advertisement.
func (r *Role) takeover() {
	r.logger.Info().Msg("acquiring primary role")
	if err := r.machine.Takeover(); err != nil {
		r.logger.Warn().Err(err).Msg("takeover state write failed")
	}
	r.keepalive.SetCoordinatorState(types.CoordinatorTakeover)

	r.bindFloatingIPs()
	r.networks.StartGateways()
	r.keepalive.SetFencer(r.fencer)
	r.seedDomainStates()

	if err := r.machine.BecomePrimary(); err != nil {
		r.logger.Warn().Err(err).Msg("primary state write failed")
	}
	r.keepalive.SetCoordinatorState(types.CoordinatorPrimary)
	r.primary = true
	metrics.RaftLeader.Set(1)
	r.bus.Publish(&events.Event{Type: events.LeaderAcquired})
	r.logger.Info().Msg("primary role acquired")
}

// relinquish reverses takeover in the opposite order, never holding a
// resource past the lease.
func (r *Role) relinquish() {
	r.logger.Info().Msg("relinquishing primary role")
	if err := r.machine.Relinquish(); err != nil {
		r.logger.Warn().Err(err).Msg("relinquish state write failed")
	}
	r.keepalive.SetCoordinatorState(types.CoordinatorRelinquish)

	r.keepalive.SetFencer(nil)
	r.networks.StopGateways()
	r.unbindFloatingIPs()

	if err := r.machine.BecomeSecondary(); err != nil {
		r.logger.Warn().Err(err).Msg("secondary state write failed")
	}
	r.keepalive.SetCoordinatorState(types.CoordinatorSecondary)
	r.primary = false
	metrics.RaftLeader.Set(0)
	r.bus.Publish(&events.Event{Type: events.LeaderLost})
	r.logger.Info().Msg("primary role relinquished")
}

// floatingBindings lists the (device, address) pairs the primary owns.
// A collapsed cluster/storage network contributes one binding, not two.
func (r *Role) floatingBindings() [][2]string {
	nets := r.cfg.Cluster.Networks
	out := [][2]string{}
	if nets.Upstream.FloatingIP != "" {
		out = append(out, [2]string{nets.Upstream.Device, nets.Upstream.FloatingIP})
	}
	if nets.Cluster.FloatingIP != "" {
		out = append(out, [2]string{nets.Cluster.Device, nets.Cluster.FloatingIP})
	}
	if nets.Storage.FloatingIP != "" && !r.cfg.CollapsedStorageNetwork() {
		out = append(out, [2]string{nets.Storage.Device, nets.Storage.FloatingIP})
	}
	return out
}

func (r *Role) bindFloatingIPs() {
	for _, b := range r.floatingBindings() {
		if err := r.netdriver.AddAddress(b[0], b[1]); err != nil {
			r.logger.Error().Err(err).Str("device", b[0]).Str("address", b[1]).Msg("floating ip bind failed")
		}
	}
}

func (r *Role) unbindFloatingIPs() {
	bindings := r.floatingBindings()
	for i := len(bindings) - 1; i >= 0; i-- {
		b := bindings[i]
		if err := r.netdriver.DelAddress(b[0], b[1]); err != nil {
			r.logger.Warn().Err(err).Str("device", b[0]).Str("address", b[1]).Msg("floating ip unbind failed")
		}
	}
}

// seedDomainStates snapshots every node's current domain_state so a
// fresh primary does not mistake long-settled state for a transition.
func (r *Role) seedDomainStates() {
	r.lastDomainState = map[string]types.DomainState{}
	recs, err := r.kv.List("nodes")
	if err != nil {
		return
	}
	for _, rec := range recs {
		var n types.Node
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			continue
		}
		r.lastDomainState[n.Name] = n.DomainState
	}
}

// returnUnflushedVMs spots nodes that just completed an unflush and
// sends each VM whose previous_node points at them back home via the
// unmigrate path.
func (r *Role) returnUnflushedVMs() {
	recs, err := r.kv.List("nodes")
	if err != nil {
		return
	}

	var returned []string
	for _, rec := range recs {
		var n types.Node
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			continue
		}
		prev, known := r.lastDomainState[n.Name]
		r.lastDomainState[n.Name] = n.DomainState

		if !known || n.DomainState != types.DomainReady {
			continue
		}
		if prev == types.DomainUnflushing || prev == types.DomainFlushed {
			returned = append(returned, n.Name)
		}
	}

	for _, home := range returned {
		r.sendHome(home)
	}
}

func (r *Role) sendHome(home string) {
	recs, err := r.kv.List("domains")
	if err != nil {
		return
	}
	for _, rec := range recs {
		var vm types.VM
		if err := json.Unmarshal(rec.Value, &vm); err != nil {
			continue
		}
		if vm.PreviousNode != home || vm.State != types.VMStart || vm.Node == home {
			continue
		}
		vm.State = types.VMUnmigrate
		if err := r.kv.CAS("domains/"+vm.UUID, rec.Version, &vm); err != nil {
			r.logger.Warn().Err(err).Str("vm", vm.UUID).Msg("unmigrate request failed")
			continue
		}
		r.logger.Info().Str("vm", vm.UUID).Str("home", home).Msg("returning flushed vm")
	}
}

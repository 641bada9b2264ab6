package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/node"
	"github.com/parallelvirtualcluster/pvc/pkg/placement"
	"github.com/parallelvirtualcluster/pvc/pkg/task"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// dispatcher consumes the administrative task inbox: node flush
// and unflush addressed to this node, and VM migrate/move/unmigrate
// requests for domains this node owns. Claimed tasks stay running until
// the requested end state is observed, then settle to done.
type dispatcher struct {
	self            string
	kv              kv.Client
	bus             *events.Broker
	machine         *node.Machine
	defaultSelector types.Selector
	logger          zerolog.Logger

	// pending maps a claimed task to its completion predicate; evaluated
	// each tick until it reports done or failed.
	pending map[string]func() (done bool, failed bool, msg string)
}

func newDispatcher(self string, client kv.Client, bus *events.Broker, machine *node.Machine, sel types.Selector) *dispatcher {
	return &dispatcher{
		self:            self,
		kv:              client,
		bus:             bus,
		machine:         machine,
		defaultSelector: sel,
		logger:          log.WithComponent("tasks"),
		pending:         map[string]func() (bool, bool, string){},
	}
}

func (d *dispatcher) Run(ctx context.Context) {
	sub := d.bus.Subscribe()
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.TaskChanged:
				d.scan()
			case events.KeepaliveTick:
				d.scan()
				d.settle()
			}
		}
	}
}

func (d *dispatcher) scan() {
	if !d.kv.Available() {
		return
	}
	recs, err := d.kv.List("tasks")
	if err != nil {
		return
	}
	for _, rec := range recs {
		var t types.Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			continue
		}
		if t.State != types.TaskAccepted || t.ClaimedBy != "" {
			continue
		}
		if !d.owns(&t) {
			continue
		}
		claimed, ok, err := task.Claim(d.kv, t.UUID, d.self)
		if err != nil || !ok {
			continue
		}
		if err := d.begin(claimed); err != nil {
			_ = task.Fail(d.kv, claimed, err)
		}
	}
}

// owns reports whether this node is the task's natural claimant: the
// addressed node for node ops, the VM's current owner for VM ops.
func (d *dispatcher) owns(t *types.Task) bool {
	switch t.Op {
	case "node.flush", "node.unflush":
		return t.Params["node"] == d.self
	case "vm.migrate", "vm.move", "vm.unmigrate":
		vm, err := d.getVM(t.Params["vm"])
		if err != nil {
			return false
		}
		return vm.Node == d.self
	default:
		return false
	}
}

func (d *dispatcher) begin(t *types.Task) error {
	switch t.Op {
	case "node.flush":
		if err := d.machine.Flush(); err != nil {
			return err
		}
		d.pending[t.UUID] = d.nodeStateReached(types.DomainFlushed)
		return nil

	case "node.unflush":
		if err := d.machine.Unflush(); err != nil {
			return err
		}
		d.pending[t.UUID] = d.nodeStateReached(types.DomainReady)
		return nil

	case "vm.migrate", "vm.move":
		return d.beginMigrate(t)

	case "vm.unmigrate":
		return d.beginUnmigrate(t)

	default:
		return fmt.Errorf("unknown task op %s", t.Op)
	}
}

func (d *dispatcher) beginMigrate(t *types.Task) error {
	uuid := t.Params["vm"]
	rec, v, err := d.getVMRec(uuid)
	if err != nil {
		return err
	}
	if v.State != types.VMStart {
		return fmt.Errorf("vm %s is not running (state %s)", uuid, v.State)
	}

	target := t.Params["node"]
	if target == "" {
		probe := *v
		if probe.Meta.Selector == "" {
			probe.Meta.Selector = d.defaultSelector
		}
		target, err = placement.SelectExcluding(d.kv, &probe, v.Node)
		if err != nil {
			return err
		}
	}
	if target == v.Node {
		return fmt.Errorf("vm %s is already on %s", uuid, target)
	}

	v.State = types.VMMigrate
	v.Node = target
	v.Force = t.Params["force"] == "true"
	v.Move = t.Op == "vm.move"
	if err := d.kv.CAS("domains/"+uuid, rec.Version, v); err != nil {
		return err
	}

	d.pending[t.UUID] = d.vmSettledOn(uuid, target)
	return nil
}

func (d *dispatcher) beginUnmigrate(t *types.Task) error {
	uuid := t.Params["vm"]
	rec, v, err := d.getVMRec(uuid)
	if err != nil {
		return err
	}
	if v.PreviousNode == "" {
		return fmt.Errorf("vm %s has no previous node to unmigrate to", uuid)
	}
	home := v.PreviousNode

	v.State = types.VMUnmigrate
	if err := d.kv.CAS("domains/"+uuid, rec.Version, v); err != nil {
		return err
	}

	d.pending[t.UUID] = d.vmSettledOn(uuid, home)
	return nil
}

// settle drives every pending task's predicate and reports the result
// on the task record.
func (d *dispatcher) settle() {
	for id, check := range d.pending {
		done, failed, msg := check()
		if !done && !failed {
			continue
		}
		delete(d.pending, id)

		t := &types.Task{UUID: id, Op: "pending"}
		if failed {
			_ = task.Fail(d.kv, t, fmt.Errorf("%s", msg))
			continue
		}
		if err := task.Complete(d.kv, t, msg); err != nil {
			d.logger.Warn().Err(err).Str("task", id).Msg("task completion write failed")
		}
	}
}

func (d *dispatcher) nodeStateReached(want types.DomainState) func() (bool, bool, string) {
	return func() (bool, bool, string) {
		rec, err := d.kv.Get("nodes/" + d.self)
		if err != nil {
			return false, false, ""
		}
		var n types.Node
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			return false, false, ""
		}
		if n.DomainState == want {
			return true, false, string(want)
		}
		return false, false, ""
	}
}

func (d *dispatcher) vmSettledOn(uuid, target string) func() (bool, bool, string) {
	return func() (bool, bool, string) {
		v, err := d.getVM(uuid)
		if err != nil {
			return false, true, fmt.Sprintf("vm %s disappeared", uuid)
		}
		switch v.State {
		case types.VMStart:
			if v.Node == target && v.Migrating == "" {
				return true, false, fmt.Sprintf("vm on %s", target)
			}
		case types.VMFail:
			return false, true, fmt.Sprintf("vm %s failed", uuid)
		}
		return false, false, ""
	}
}

func (d *dispatcher) getVM(uuid string) (*types.VM, error) {
	_, v, err := d.getVMRec(uuid)
	return v, err
}

func (d *dispatcher) getVMRec(uuid string) (*kv.Record, *types.VM, error) {
	rec, err := d.kv.Get("domains/" + uuid)
	if err != nil {
		return nil, nil, err
	}
	var v types.VM
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, nil, err
	}
	return rec, &v, nil
}

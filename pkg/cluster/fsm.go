// Package cluster embeds the Raft-replicated consensus group that backs
// the cluster's KV store: every coordinator-role node runs a
// Raft voter; the elected leader is the primary coordinator.
package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/parallelvirtualcluster/pvc/pkg/storage"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// FSM applies committed Raft log entries to the local bbolt-backed store
// and republishes each mutation on the event broker so watchers see it.
type FSM struct {
	mu      sync.RWMutex
	store   storage.Store
	publish func(kind, key string)
}

// NewFSM creates an FSM writing through to store. publish is called after
// every successfully applied mutation with the entity kind and key so the
// caller can fan it out over the event broker; it may be nil.
func NewFSM(store storage.Store, publish func(kind, key string)) *FSM {
	if publish == nil {
		publish = func(string, string) {}
	}
	return &FSM{store: store, publish: publish}
}

// Op names the kind of mutation a Command carries.
type Op string

const (
	OpPutNode    Op = "put_node"
	OpCASNode    Op = "cas_node"
	OpDeleteNode Op = "delete_node"

	OpPutVM    Op = "put_vm"
	OpCASVM    Op = "cas_vm"
	OpDeleteVM Op = "delete_vm"

	OpPutNetwork    Op = "put_network"
	OpDeleteNetwork Op = "delete_network"

	OpPutOSD    Op = "put_osd"
	OpDeleteOSD Op = "delete_osd"

	OpPutPool    Op = "put_pool"
	OpDeletePool Op = "delete_pool"

	OpPutVolume    Op = "put_volume"
	OpCASVolume    Op = "cas_volume"
	OpDeleteVolume Op = "delete_volume"

	OpPutSnapshot    Op = "put_snapshot"
	OpDeleteSnapshot Op = "delete_snapshot"

	OpPutTask    Op = "put_task"
	OpCASTask    Op = "cas_task"
	OpDeleteTask Op = "delete_task"
)

// casEnvelope is the wire shape of every cas_* command.
type casEnvelope struct {
	Key             string          `json:"key"`
	ExpectedVersion uint64          `json:"expected_version"`
	Record          json.RawMessage `json:"record"`
}

// Command is one Raft log entry.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ApplyResult is what Apply returns through the raft.ApplyFuture; callers
// unwrap it to distinguish a CAS conflict from a hard failure.
type ApplyResult struct {
	Err error
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return ApplyResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.dispatch(cmd)
	return ApplyResult{Err: err}
}

func (f *FSM) dispatch(cmd Command) error {
	switch cmd.Op {
	case OpPutNode:
		var v types.Node
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutNode(&v); err != nil {
			return err
		}
		f.publish("node", v.Name)
		return nil

	case OpCASNode:
		var env casEnvelope
		if err := json.Unmarshal(cmd.Data, &env); err != nil {
			return err
		}
		var rec types.Node
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		if _, err := f.store.CASNode(env.Key, env.ExpectedVersion, func(n *types.Node) error {
			*n = rec
			return nil
		}); err != nil {
			return err
		}
		f.publish("node", env.Key)
		return nil

	case OpDeleteNode:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		if err := f.store.DeleteNode(key); err != nil {
			return err
		}
		f.publish("node", key)
		return nil

	case OpPutVM:
		var v types.VM
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutVM(&v); err != nil {
			return err
		}
		f.publish("vm", v.UUID)
		return nil

	case OpCASVM:
		var env casEnvelope
		if err := json.Unmarshal(cmd.Data, &env); err != nil {
			return err
		}
		var rec types.VM
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		if _, err := f.store.CASVM(env.Key, env.ExpectedVersion, func(v *types.VM) error {
			*v = rec
			return nil
		}); err != nil {
			return err
		}
		f.publish("vm", env.Key)
		return nil

	case OpDeleteVM:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		if err := f.store.DeleteVM(key); err != nil {
			return err
		}
		f.publish("vm", key)
		return nil

	case OpPutNetwork:
		var v types.Network
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutNetwork(&v); err != nil {
			return err
		}
		f.publish("network", fmt.Sprint(v.VNI))
		return nil

	case OpDeleteNetwork:
		var vni int
		if err := json.Unmarshal(cmd.Data, &vni); err != nil {
			return err
		}
		if err := f.store.DeleteNetwork(vni); err != nil {
			return err
		}
		f.publish("network", fmt.Sprint(vni))
		return nil

	case OpPutOSD:
		var v types.StorageOSD
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutOSD(&v); err != nil {
			return err
		}
		f.publish("storage", v.ID)
		return nil

	case OpDeleteOSD:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		if err := f.store.DeleteOSD(key); err != nil {
			return err
		}
		f.publish("storage", key)
		return nil

	case OpPutPool:
		var v types.StoragePool
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutPool(&v); err != nil {
			return err
		}
		f.publish("storage", v.Name)
		return nil

	case OpDeletePool:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		if err := f.store.DeletePool(key); err != nil {
			return err
		}
		f.publish("storage", key)
		return nil

	case OpPutVolume:
		var v types.StorageVolume
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutVolume(&v); err != nil {
			return err
		}
		f.publish("storage", v.Name)
		return nil

	case OpCASVolume:
		var env casEnvelope
		if err := json.Unmarshal(cmd.Data, &env); err != nil {
			return err
		}
		var rec types.StorageVolume
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		if _, err := f.store.CASVolume(env.Key, env.ExpectedVersion, func(v *types.StorageVolume) error {
			*v = rec
			return nil
		}); err != nil {
			return err
		}
		f.publish("storage", env.Key)
		return nil

	case OpDeleteVolume:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		if err := f.store.DeleteVolume(key); err != nil {
			return err
		}
		f.publish("storage", key)
		return nil

	case OpPutSnapshot:
		var v types.StorageSnapshot
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutSnapshot(&v); err != nil {
			return err
		}
		f.publish("storage", v.Name)
		return nil

	case OpDeleteSnapshot:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		if err := f.store.DeleteSnapshot(key); err != nil {
			return err
		}
		f.publish("storage", key)
		return nil

	case OpPutTask:
		var v types.Task
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		if err := f.store.PutTask(&v); err != nil {
			return err
		}
		f.publish("task", v.UUID)
		return nil

	case OpCASTask:
		var env casEnvelope
		if err := json.Unmarshal(cmd.Data, &env); err != nil {
			return err
		}
		var rec types.Task
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return err
		}
		if _, err := f.store.CASTask(env.Key, env.ExpectedVersion, func(t *types.Task) error {
			*t = rec
			return nil
		}); err != nil {
			return err
		}
		f.publish("task", env.Key)
		return nil

	case OpDeleteTask:
		var key string
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		if err := f.store.DeleteTask(key); err != nil {
			return err
		}
		f.publish("task", key)
		return nil

	default:
		return fmt.Errorf("unknown fsm op: %s", cmd.Op)
	}
}

// Snapshot captures the full state for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, err
	}
	vms, err := f.store.ListVMs()
	if err != nil {
		return nil, err
	}
	networks, err := f.store.ListNetworks()
	if err != nil {
		return nil, err
	}
	osds, err := f.store.ListOSDs()
	if err != nil {
		return nil, err
	}
	pools, err := f.store.ListPools()
	if err != nil {
		return nil, err
	}
	volumes, err := f.store.ListVolumes()
	if err != nil {
		return nil, err
	}
	snapshots, err := f.store.ListSnapshots()
	if err != nil {
		return nil, err
	}
	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Nodes:     nodes,
		VMs:       vms,
		Networks:  networks,
		OSDs:      osds,
		Pools:     pools,
		Volumes:   volumes,
		Snapshots: snapshots,
		Tasks:     tasks,
	}, nil
}

// Restore replaces local state from a previously-Persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snap.Nodes {
		if err := f.store.PutNode(n); err != nil {
			return err
		}
	}
	for _, v := range snap.VMs {
		if err := f.store.PutVM(v); err != nil {
			return err
		}
	}
	for _, n := range snap.Networks {
		if err := f.store.PutNetwork(n); err != nil {
			return err
		}
	}
	for _, o := range snap.OSDs {
		if err := f.store.PutOSD(o); err != nil {
			return err
		}
	}
	for _, p := range snap.Pools {
		if err := f.store.PutPool(p); err != nil {
			return err
		}
	}
	for _, v := range snap.Volumes {
		if err := f.store.PutVolume(v); err != nil {
			return err
		}
	}
	for _, s := range snap.Snapshots {
		if err := f.store.PutSnapshot(s); err != nil {
			return err
		}
	}
	for _, t := range snap.Tasks {
		if err := f.store.PutTask(t); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot is the point-in-time copy of all FSM-owned state.
type Snapshot struct {
	Nodes     []*types.Node
	VMs       []*types.VM
	Networks  []*types.Network
	OSDs      []*types.StorageOSD
	Pools     []*types.StoragePool
	Volumes   []*types.StorageVolume
	Snapshots []*types.StorageSnapshot
	Tasks     []*types.Task
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *Snapshot) Release() {}

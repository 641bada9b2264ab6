package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parallelvirtualcluster/pvc/pkg/cluster"
	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/storage"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Local is the KV facade for coordinator-role nodes: reads hit the local
// bbolt-backed store directly, writes go through Raft via pkg/cluster.
type Local struct {
	c   *cluster.Cluster
	bus *events.Broker

	mu        sync.RWMutex
	available bool
}

// NewLocal wraps a running Cluster and event broker as a Client.
func NewLocal(c *cluster.Cluster, bus *events.Broker) *Local {
	return &Local{c: c, bus: bus, available: true}
}

// SetAvailable flips the kv_available boolean and notifies subscribers.
// Nothing in the daemon calls it, so a Local reports available from
// construction on, also while Raft has lost contact with its quorum.
func (l *Local) SetAvailable(ok bool) {
	l.mu.Lock()
	changed := l.available != ok
	l.available = ok
	l.mu.Unlock()

	if !changed {
		return
	}
	if ok {
		l.bus.Publish(&events.Event{Type: events.KVAvailable})
	} else {
		l.bus.Publish(&events.Event{Type: events.KVUnavailable})
	}
}

func (l *Local) Available() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.available
}

// pathKind splits a KV path into its entity family and key, e.g.
// "storage/volume/v1" -> ("storage/volume", "v1").
func pathKind(path string) (kind, key string) {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		return path, ""
	}
	if parts[0] == "storage" {
		sub := strings.SplitN(parts[1], "/", 2)
		if len(sub) == 2 {
			return "storage/" + sub[0], sub[1]
		}
		return "storage", parts[1]
	}
	return parts[0], parts[1]
}

func recordOf(path string, version uint64, v any) (*Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Record{Path: path, Value: raw, Version: version}, nil
}

func (l *Local) Get(path string) (*Record, error) {
	kind, key := pathKind(path)
	store := l.c.Store()

	switch kind {
	case "nodes":
		n, err := store.GetNode(key)
		if err != nil {
			return nil, err
		}
		return recordOf(path, n.Version, n)
	case "domains":
		v, err := store.GetVM(key)
		if err != nil {
			return nil, err
		}
		return recordOf(path, v.Version, v)
	case "networks":
		vni, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid network key %q: %w", key, err)
		}
		n, err := store.GetNetwork(vni)
		if err != nil {
			return nil, err
		}
		return recordOf(path, n.Version, n)
	case "storage/osd":
		o, err := store.GetOSD(key)
		if err != nil {
			return nil, err
		}
		return recordOf(path, o.Version, o)
	case "storage/pool":
		p, err := store.GetPool(key)
		if err != nil {
			return nil, err
		}
		return recordOf(path, p.Version, p)
	case "storage/volume":
		v, err := store.GetVolume(key)
		if err != nil {
			return nil, err
		}
		return recordOf(path, v.Version, v)
	case "storage/snapshot":
		s, err := store.GetSnapshot(key)
		if err != nil {
			return nil, err
		}
		return recordOf(path, s.Version, s)
	case "tasks":
		t, err := store.GetTask(key)
		if err != nil {
			return nil, err
		}
		return recordOf(path, t.Version, t)
	default:
		return nil, fmt.Errorf("unknown kv path kind %q", kind)
	}
}

func (l *Local) List(prefix string) ([]*Record, error) {
	store := l.c.Store()
	kind := strings.TrimSuffix(prefix, "/")

	switch kind {
	case "nodes":
		items, err := store.ListNodes()
		return listRecords(prefix, items, err, func(n *types.Node) (string, uint64) { return n.Name, n.Version })
	case "domains":
		items, err := store.ListVMs()
		return listRecords(prefix, items, err, func(v *types.VM) (string, uint64) { return v.UUID, v.Version })
	case "networks":
		items, err := store.ListNetworks()
		return listRecords(prefix, items, err, func(n *types.Network) (string, uint64) { return strconv.Itoa(n.VNI), n.Version })
	case "storage/osd":
		items, err := store.ListOSDs()
		return listRecords(prefix, items, err, func(o *types.StorageOSD) (string, uint64) { return o.ID, o.Version })
	case "storage/pool":
		items, err := store.ListPools()
		return listRecords(prefix, items, err, func(p *types.StoragePool) (string, uint64) { return p.Name, p.Version })
	case "storage/volume":
		items, err := store.ListVolumes()
		return listRecords(prefix, items, err, func(v *types.StorageVolume) (string, uint64) { return v.Name, v.Version })
	case "storage/snapshot":
		items, err := store.ListSnapshots()
		return listRecords(prefix, items, err, func(s *types.StorageSnapshot) (string, uint64) { return s.Name, s.Version })
	case "tasks":
		items, err := store.ListTasks()
		return listRecords(prefix, items, err, func(t *types.Task) (string, uint64) { return t.UUID, t.Version })
	default:
		return nil, fmt.Errorf("unknown kv prefix kind %q", kind)
	}
}

func listRecords[T any](prefix string, items []*T, err error, keyOf func(*T) (string, uint64)) ([]*Record, error) {
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(items))
	for _, it := range items {
		key, version := keyOf(it)
		r, err := recordOf(prefix+"/"+key, version, it)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (l *Local) Put(path string, value any) error {
	kind, key := pathKind(path)

	switch kind {
	case "nodes":
		var v types.Node
		if err := redecode(value, &v); err != nil {
			return err
		}
		v.Name = key
		return l.c.Apply(cluster.OpPutNode, &v)
	case "domains":
		var v types.VM
		if err := redecode(value, &v); err != nil {
			return err
		}
		v.UUID = key
		return l.c.Apply(cluster.OpPutVM, &v)
	case "networks":
		var v types.Network
		if err := redecode(value, &v); err != nil {
			return err
		}
		return l.c.Apply(cluster.OpPutNetwork, &v)
	case "storage/osd":
		var v types.StorageOSD
		if err := redecode(value, &v); err != nil {
			return err
		}
		v.ID = key
		return l.c.Apply(cluster.OpPutOSD, &v)
	case "storage/pool":
		var v types.StoragePool
		if err := redecode(value, &v); err != nil {
			return err
		}
		v.Name = key
		return l.c.Apply(cluster.OpPutPool, &v)
	case "storage/volume":
		var v types.StorageVolume
		if err := redecode(value, &v); err != nil {
			return err
		}
		v.Name = key
		return l.c.Apply(cluster.OpPutVolume, &v)
	case "storage/snapshot":
		var v types.StorageSnapshot
		if err := redecode(value, &v); err != nil {
			return err
		}
		v.Name = key
		return l.c.Apply(cluster.OpPutSnapshot, &v)
	case "tasks":
		var v types.Task
		if err := redecode(value, &v); err != nil {
			return err
		}
		v.UUID = key
		return l.c.Apply(cluster.OpPutTask, &v)
	default:
		return fmt.Errorf("unknown kv path kind %q", kind)
	}
}

func (l *Local) CAS(path string, expectedVersion uint64, value any) error {
	kind, key := pathKind(path)

	switch kind {
	case "nodes":
		var v types.Node
		if err := redecode(value, &v); err != nil {
			return err
		}
		return l.c.ApplyCAS(cluster.OpCASNode, key, expectedVersion, &v)
	case "domains":
		var v types.VM
		if err := redecode(value, &v); err != nil {
			return err
		}
		return l.c.ApplyCAS(cluster.OpCASVM, key, expectedVersion, &v)
	case "storage/volume":
		var v types.StorageVolume
		if err := redecode(value, &v); err != nil {
			return err
		}
		return l.c.ApplyCAS(cluster.OpCASVolume, key, expectedVersion, &v)
	case "tasks":
		var v types.Task
		if err := redecode(value, &v); err != nil {
			return err
		}
		return l.c.ApplyCAS(cluster.OpCASTask, key, expectedVersion, &v)
	default:
		return fmt.Errorf("kind %q does not support cas", kind)
	}
}

func (l *Local) Delete(path string) error {
	kind, key := pathKind(path)

	switch kind {
	case "nodes":
		return l.c.ApplyDelete(cluster.OpDeleteNode, key)
	case "domains":
		return l.c.ApplyDelete(cluster.OpDeleteVM, key)
	case "networks":
		return l.c.ApplyDelete(cluster.OpDeleteNetwork, key)
	case "storage/osd":
		return l.c.ApplyDelete(cluster.OpDeleteOSD, key)
	case "storage/pool":
		return l.c.ApplyDelete(cluster.OpDeletePool, key)
	case "storage/volume":
		return l.c.ApplyDelete(cluster.OpDeleteVolume, key)
	case "storage/snapshot":
		return l.c.ApplyDelete(cluster.OpDeleteSnapshot, key)
	case "tasks":
		return l.c.ApplyDelete(cluster.OpDeleteTask, key)
	default:
		return fmt.Errorf("unknown kv path kind %q", kind)
	}
}

// Watch delivers a notification, with the freshly re-read record, every
// time something under path changes. Events are deduplicated by version.
func (l *Local) Watch(ctx context.Context, path string, recursive bool) (<-chan Event, error) {
	kind, key := pathKind(path)
	sub := l.bus.Subscribe()
	out := make(chan Event, 128)

	go func() {
		defer close(out)
		defer l.bus.Unsubscribe(sub)

		lastVersion := map[string]uint64{}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if eventKind(ev.Type) != kind {
					continue
				}
				if !recursive && key != "" && ev.Key != key {
					continue
				}
				evPath := path
				if recursive || key == "" {
					evPath = kind + "/" + ev.Key
				}

				rec, err := l.Get(evPath)
				if err != nil {
					if _, ok := err.(*storage.ErrNotFound); ok {
						out <- Event{Kind: EventDelete, Record: Record{Path: evPath}}
					}
					continue
				}
				if lastVersion[evPath] == rec.Version {
					continue
				}
				lastVersion[evPath] = rec.Version
				out <- Event{Kind: EventPut, Record: *rec}
			}
		}
	}()

	return out, nil
}

func eventKind(t events.Type) string {
	switch t {
	case events.NodeChanged:
		return "nodes"
	case events.VMChanged:
		return "domains"
	case events.NetworkChanged:
		return "networks"
	case events.StorageChanged:
		return "storage"
	case events.TaskChanged:
		return "tasks"
	default:
		return ""
	}
}

func redecode(value any, dst any) error {
	switch v := value.(type) {
	case json.RawMessage:
		return json.Unmarshal(v, dst)
	case []byte:
		return json.Unmarshal(v, dst)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, dst)
	}
}

// localSession is a lease that lasts until Close. Its goroutine ticks at
// ttl/3 without writing anything; the session has no expiry and reports
// no loss to the holders of locks bound to it.
type localSession struct {
	id     string
	ttl    time.Duration
	cancel context.CancelFunc
}

func (l *Local) Session(ttl time.Duration) (Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &localSession{id: uuid.New().String(), ttl: ttl, cancel: cancel}

	go func() {
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				// Heartbeat is implicit: this session lives only as long as
				// the owning process does, which Raft/keepalive already
				// track via nodes/<self>.keepalive_ts.
			}
		}
	}()

	return s, nil
}

func (s *localSession) ID() string            { return s.id }
func (s *localSession) TTL() time.Duration    { return s.ttl }
func (s *localSession) Close() error          { s.cancel(); return nil }

// localLeadership adapts Cluster's Raft leadership into the facade's
// election primitive. Path is always "election/primary" for this core;
// the parameter is accepted for interface symmetry with Remote.
type localLeadership struct {
	c       *cluster.Cluster
	changes chan bool
	done    chan struct{}
}

func (l *Local) AcquireLeader(path, identity string) (LeadershipHandle, error) {
	h := &localLeadership{c: l.c, changes: make(chan bool, 1), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-h.done:
				return
			case isLeader, ok := <-l.c.LeaderCh():
				if !ok {
					return
				}
				select {
				case h.changes <- isLeader:
				default:
				}
			}
		}
	}()
	return h, nil
}

func (h *localLeadership) IsLeader() bool { return h.c.IsLeader() }

func (h *localLeadership) Resign() error {
	// hashicorp/raft has no unconditional voluntary step-down short of a
	// leadership transfer to another voter, which requires a healthy peer.
	return fmt.Errorf("resign not supported: relinquish coordinator_state and let raft re-elect")
}

func (h *localLeadership) Changes() <-chan bool { return h.changes }

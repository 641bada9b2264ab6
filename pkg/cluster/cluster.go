package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/storage"
)

// Cluster is a coordinator-role node's Raft membership: it hosts one
// voter in the consensus group backing the KV store and exposes the
// typed mutation/read surface the rest of the daemon uses.
type Cluster struct {
	nodeID       string
	raftAddr     string
	dataDir      string
	controlAddrs []string

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store
	bus   *events.Broker
}

// Config configures a new Cluster.
type Config struct {
	NodeID   string
	RaftAddr string // host:port this node's Raft transport binds
	DataDir  string

	// ControlAddrs are the HTTP control endpoints of every coordinator;
	// a follower forwards writes through them to reach the leader.
	ControlAddrs []string
}

// New creates a Cluster with its local store, FSM, and event broker wired,
// but does not yet start Raft — call Bootstrap or Join for that.
func New(cfg Config, bus *events.Broker) (*Cluster, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	publish := func(kind, key string) {
		var t events.Type
		switch kind {
		case "node":
			t = events.NodeChanged
		case "vm":
			t = events.VMChanged
		case "network":
			t = events.NetworkChanged
		case "storage":
			t = events.StorageChanged
		case "task":
			t = events.TaskChanged
		default:
			return
		}
		bus.Publish(&events.Event{Type: t, Key: key})
	}

	fsm := NewFSM(store, publish)

	return &Cluster{
		nodeID:       cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		dataDir:      cfg.DataDir,
		controlAddrs: cfg.ControlAddrs,
		fsm:          fsm,
		store:        store,
		bus:          bus,
	}, nil
}

func raftConfig(nodeID string) *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(nodeID)
	// Tuned for LAN hypervisor fleets rather than raft's WAN-conservative
	// defaults, matching this core's keepalive/fence timers which expect
	// leader changes to resolve in low single-digit seconds.
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func (c *Cluster) newRaft() (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", c.raftAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.raftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}
	snapStore, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig(c.nodeID), c.fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	c.raft = r
	return r, nil
}

// Bootstrap initializes a brand-new single-voter Raft cluster. The node
// that calls this is the cluster's first coordinator.
func (c *Cluster) Bootstrap() error {
	r, err := c.newRaft()
	if err != nil {
		return err
	}

	cfg := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.nodeID), Address: raft.ServerAddress(c.raftAddr)}},
	}
	if err := r.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// joinRequest is POSTed to an existing leader's control endpoint.
type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	Token    string `json:"token"`
}

// Start brings Raft up against existing on-disk state: the restart path
// for a coordinator that has already bootstrapped or joined.
func (c *Cluster) Start() error {
	_, err := c.newRaft()
	return err
}

// Join starts Raft and asks an existing coordinator (any member; it
// forwards to the leader) to add this node as a voter.
func (c *Cluster) Join(coordinatorHTTPAddr, token string) error {
	if _, err := c.newRaft(); err != nil {
		return err
	}

	body, err := json.Marshal(joinRequest{NodeID: c.nodeID, RaftAddr: c.raftAddr, Token: token})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/v1/cluster/join", coordinatorHTTPAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("join request to %s: %w", coordinatorHTTPAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join request to %s: status %d", coordinatorHTTPAddr, resp.StatusCode)
	}

	log.Info(fmt.Sprintf("joined cluster via %s", coordinatorHTTPAddr))
	return nil
}

// HandleJoin is the server-side counterpart of Join, wired into the
// control-plane HTTP server's /v1/cluster/join route.
func (c *Cluster) HandleJoin(req joinRequest) error {
	return c.AddVoter(req.NodeID, req.RaftAddr)
}

// AddVoter adds a coordinator node to the Raft configuration. Only the
// current leader may do this.
func (c *Cluster) AddVoter(nodeID, raftAddr string) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader; current leader is %s", c.LeaderAddr())
	}
	return c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second).Error()
}

// RemoveServer removes a coordinator from the Raft configuration, used
// when a fenced coordinator is permanently decommissioned.
func (c *Cluster) RemoveServer(nodeID string) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	return c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds the primary lease.
func (c *Cluster) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the Raft transport address of the current leader.
func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// LeaderCh exposes raft's own leadership-change notifications; the
// primary-coordinator role subscribes to this directly rather than
// polling IsLeader.
func (c *Cluster) LeaderCh() <-chan bool {
	return c.raft.LeaderCh()
}

// Apply submits a command to the Raft log and blocks until it is
// committed and applied, returning any FSM-level error.
func (c *Cluster) Apply(op Op, data any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	cmd := Command{Op: op, Data: payload}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	// Writes are linearized through the leader; a follower forwards the
	// marshaled command over the control plane instead of failing with
	// ErrNotLeader.
	if c.raft.State() != raft.Leader {
		return c.forwardApply(raw)
	}

	future := c.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply %s: %w", op, err)
	}
	if resp, ok := future.Response().(ApplyResult); ok && resp.Err != nil {
		return resp.Err
	}
	return nil
}

// forwardApply relays a marshaled command to whichever coordinator
// currently leads. A 409 from the far side is a CAS conflict and keeps
// its class; a 421 means that peer is not the leader either and the
// next one is tried.
func (c *Cluster) forwardApply(raw []byte) error {
	var lastErr error
	for _, addr := range c.controlAddrs {
		url := fmt.Sprintf("http://%s/v1/cluster/apply", addr)
		resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
		if err != nil {
			lastErr = err
			continue
		}
		func() {
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				lastErr = nil
			case http.StatusConflict:
				lastErr = &storage.ErrVersionConflict{Kind: "forwarded", Key: ""}
			case http.StatusMisdirectedRequest:
				lastErr = fmt.Errorf("%s is not the leader", addr)
			default:
				var e struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&e)
				lastErr = fmt.Errorf("forwarded apply via %s: %s", addr, e.Error)
			}
		}()
		if lastErr == nil {
			return nil
		}
		if _, conflict := lastErr.(*storage.ErrVersionConflict); conflict {
			return lastErr
		}
	}
	return fmt.Errorf("no leader reachable for forwarded apply: %w", lastErr)
}

// ApplyHTTPHandler is the server side of forwardApply, registered on
// the control-plane mux.
func (c *Cluster) ApplyHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.raft == nil || c.raft.State() != raft.Leader {
			w.WriteHeader(http.StatusMisdirectedRequest)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		future := c.raft.Apply(raw, 5*time.Second)
		if err := future.Error(); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		if resp, ok := future.Response().(ApplyResult); ok && resp.Err != nil {
			status := http.StatusInternalServerError
			if _, conflict := resp.Err.(*storage.ErrVersionConflict); conflict {
				status = http.StatusConflict
			}
			writeJSONError(w, status, resp.Err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// JoinHTTPHandler accepts a coordinator's join request and adds it as a
// voter, the server side of Join.
func (c *Cluster) JoinHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := c.HandleJoin(req); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// ApplyCAS submits a cas_* command: record is the fully-formed new value,
// committed only if the stored version still matches expectedVersion.
func (c *Cluster) ApplyCAS(op Op, key string, expectedVersion uint64, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return c.Apply(op, casEnvelope{Key: key, ExpectedVersion: expectedVersion, Record: raw})
}

// ApplyDelete submits a delete_* command for key.
func (c *Cluster) ApplyDelete(op Op, key string) error {
	return c.Apply(op, key)
}

// Store exposes the local read-only view of FSM state.
func (c *Cluster) Store() storage.Store { return c.store }

// Stats reports Raft state for diagnostics and metrics.
func (c *Cluster) Stats() map[string]any {
	if c.raft == nil {
		return nil
	}
	stats := map[string]any{
		"state":          c.raft.State().String(),
		"last_log_index": c.raft.LastIndex(),
		"applied_index":  c.raft.AppliedIndex(),
		"leader":         c.LeaderAddr(),
	}
	if cfg := c.raft.GetConfiguration(); cfg.Error() == nil {
		stats["peers"] = len(cfg.Configuration().Servers)
	}
	return stats
}

// Shutdown stops Raft and closes the local store.
func (c *Cluster) Shutdown() error {
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

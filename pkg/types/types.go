// Package types defines the cluster-wide entities persisted under the KV
// store's root prefix: nodes, VM domains, networks, storage objects, and
// administrative tasks.
package types

import "time"

// NodeRole is immutable after a node's first bootstrap.
type NodeRole string

const (
	RoleCoordinator NodeRole = "coordinator"
	RoleHypervisor  NodeRole = "hypervisor"
)

// DaemonState tracks the lifecycle of the node daemon process itself.
type DaemonState string

const (
	DaemonStop   DaemonState = "stop"
	DaemonInit   DaemonState = "init"
	DaemonRun    DaemonState = "run"
	DaemonDead   DaemonState = "dead"
	DaemonFenced DaemonState = "fenced"
)

// CoordinatorState tracks this node's standing in the leader-election.
type CoordinatorState string

const (
	CoordinatorNone       CoordinatorState = "none"
	CoordinatorSecondary  CoordinatorState = "secondary"
	CoordinatorPrimary    CoordinatorState = "primary"
	CoordinatorTakeover   CoordinatorState = "takeover"   // visible to health plugins only
	CoordinatorRelinquish CoordinatorState = "relinquish" // visible to health plugins only
)

// DomainState tracks whether a node is draining VMs ("flushing") or
// accepting them again.
type DomainState string

const (
	DomainReady      DomainState = "ready"
	DomainFlushing   DomainState = "flushing"
	DomainFlushed    DomainState = "flushed"
	DomainUnflushing DomainState = "unflushing"
)

// PluginResult is one health plugin's contribution to a node's health_delta.
type PluginResult struct {
	Name     string `json:"name"`
	Delta    int    `json:"delta"`
	Message  string `json:"message"`
	Data     string `json:"data,omitempty"`
	TimedOut bool   `json:"timed_out"`
}

// Node is the identity + runtime record at nodes/<name>.
type Node struct {
	Name  string   `json:"name"`
	Role  NodeRole `json:"role"`

	DaemonState      DaemonState      `json:"daemon_state"`
	CoordinatorState CoordinatorState `json:"coordinator_state"`
	DomainState      DomainState      `json:"domain_state"`

	// ClusterAddr is this node's cluster-network address; live migrations
	// land on it.
	ClusterAddr string `json:"cluster_addr,omitempty"`

	KeepaliveTS int64 `json:"keepalive_ts"` // monotonic epoch-ms, written by this node's own observation

	Load           float64 `json:"load"`
	MemTotal       int64   `json:"mem_total"`
	MemUsed        int64   `json:"mem_used"`
	MemAllocated   int64   `json:"mem_allocated"`
	VCPUsAllocated int     `json:"vcpus_allocated"`
	VMCount        int     `json:"vm_count"`
	HealthDelta    int     `json:"health_delta"`

	PluginResults []PluginResult `json:"plugin_results,omitempty"`

	// Version is bumped on every write and used for CAS comparisons.
	Version uint64 `json:"version"`
}

// Healthy reports the node percentage derived from HealthDelta (100 minus
// the sum of plugin deltas, floored at zero).
func (n *Node) Healthy() int {
	h := 100 - n.HealthDelta
	if h < 0 {
		return 0
	}
	return h
}

// MigrationMethod controls whether a VM can be live-migrated.
type MigrationMethod string

const (
	MigrationLive     MigrationMethod = "live"
	MigrationShutdown MigrationMethod = "shutdown"
)

// Selector names a placement ranking strategy.
type Selector string

const (
	SelectorMem     Selector = "mem"
	SelectorMemProv Selector = "memprov"
	SelectorLoad    Selector = "load"
	SelectorVCPUs   Selector = "vcpus"
	SelectorVMs     Selector = "vms"
)

// DomainMeta carries placement and migration hints for a VM.
type DomainMeta struct {
	NodeLimit       []string        `json:"node_limit,omitempty"`
	Selector        Selector        `json:"selector,omitempty"`
	Autostart       bool            `json:"autostart"`
	MigrationMethod MigrationMethod `json:"migration_method,omitempty"`
}

// VMState is a VM's (not a node's) desired/actual lifecycle state.
type VMState string

const (
	VMStart     VMState = "start"
	VMStop      VMState = "stop"
	VMRestart   VMState = "restart"
	VMShutdown  VMState = "shutdown"
	VMDisable   VMState = "disable"
	VMMigrate   VMState = "migrate"
	VMUnmigrate VMState = "unmigrate"
	VMProvision VMState = "provision"
	VMFail      VMState = "fail"
)

// ConsoleLogLine is one entry of a VM's bounded console ring buffer.
type ConsoleLogLine struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// VM is the record at domains/<uuid>.
type VM struct {
	UUID       string     `json:"uuid"`
	Name       string     `json:"name"`
	Definition string     `json:"definition"` // opaque libvirt domain XML
	Profile    string     `json:"profile,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Meta       DomainMeta `json:"meta"`

	State VMState `json:"state"`

	Node         string `json:"node"`
	PreviousNode string `json:"previous_node,omitempty"`

	// Force marks a migrate issued with force=true: previous_node keeps
	// its original value through this and the eventual unmigrate.
	Force bool `json:"force,omitempty"`
	// Move marks an untracked migrate: previous_node is never set.
	Move bool `json:"move,omitempty"`

	// Migrating is a CAS field that serializes operations on this VM.
	// Empty means idle; otherwise holds an opaque operation token.
	Migrating string `json:"migrating,omitempty"`

	ConsoleLog []ConsoleLogLine `json:"console_log,omitempty"`

	Version uint64 `json:"version"`
}

// NetworkType distinguishes a plain VLAN+bridge network from one the
// primary coordinator actively manages (VXLAN/EVPN with DHCP/DNS).
type NetworkType string

const (
	NetworkBridged NetworkType = "bridged"
	NetworkManaged NetworkType = "managed"
)

// StaticLease binds a MAC to an IP/hostname on a managed network.
type StaticLease struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
}

// ACLRule is a coarse allow/deny rule evaluated by the network's gateway.
type ACLRule struct {
	Action      string `json:"action"` // "allow" | "deny"
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
	Port        int    `json:"port,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

// Network is the record at networks/<vni>.
type Network struct {
	VNI  int         `json:"vni"`
	Type NetworkType `json:"type"`

	Subnet4 string `json:"subnet4,omitempty"`
	Subnet6 string `json:"subnet6,omitempty"`
	Gateway string `json:"gateway,omitempty"`

	DHCPStart string        `json:"dhcp_start,omitempty"`
	DHCPEnd   string        `json:"dhcp_end,omitempty"`
	Leases    []StaticLease `json:"leases,omitempty"`
	ACLs      []ACLRule     `json:"acls,omitempty"`

	Uplink string `json:"uplink,omitempty"` // physical device for bridged networks

	Version uint64 `json:"version"`
}

// StorageOSD is one storage daemon instance on a node.
type StorageOSD struct {
	ID     string `json:"id"`
	Node   string `json:"node"`
	Pool   string `json:"pool"`
	Weight float64 `json:"weight"`
	Device string `json:"device,omitempty"`

	Version uint64 `json:"version"`
}

// StoragePool groups OSDs for a placement/replication policy.
type StoragePool struct {
	Name       string `json:"name"`
	Replicas   int    `json:"replicas"`
	PlacementG int    `json:"placement_groups"`

	Version uint64 `json:"version"`
}

// StorageVolume is a replicated block device carved from a pool.
type StorageVolume struct {
	Name       string `json:"name"`
	Pool       string `json:"pool"`
	SizeBytes  int64  `json:"size_bytes"`
	LockedBy   string `json:"locked_by,omitempty"` // node name holding the exclusive lock
	LockToken  string `json:"lock_token,omitempty"`

	Version uint64 `json:"version"`
}

// StorageSnapshot is a point-in-time copy of a volume.
type StorageSnapshot struct {
	Name   string `json:"name"`
	Volume string `json:"volume"`

	Version uint64 `json:"version"`
}

// TaskState reflects the lifecycle every command record exposes.
type TaskState string

const (
	TaskAccepted TaskState = "accepted"
	TaskRunning  TaskState = "running"
	TaskDone     TaskState = "done"
	TaskFailed   TaskState = "failed"
)

// Task is the request/response envelope at tasks/<uuid>.
type Task struct {
	UUID      string            `json:"uuid"`
	Op        string            `json:"op"` // e.g. "vm.migrate", "node.flush", "storage.osd_add"
	Params    map[string]string `json:"params,omitempty"`
	ClaimedBy string            `json:"claimed_by,omitempty"`

	State   TaskState `json:"state"`
	Message string    `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Version uint64 `json:"version"`
}

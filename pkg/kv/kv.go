// Package kv is the KV client facade: every controller in
// this daemon talks to cluster state exclusively through this interface,
// never through pkg/storage or pkg/cluster directly. Coordinator-role nodes
// satisfy it with Local (backed by the Raft-replicated FSM in pkg/cluster);
// hypervisor-role nodes satisfy it with Remote, a thin HTTP/JSON proxy to a
// coordinator.
package kv

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a single KV entry: the raw JSON value the caller decodes into
// its own entity type, plus the version CAS operations must agree on.
type Record struct {
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value"`
	Version uint64          `json:"version"`
}

// EventKind classifies a watch notification.
type EventKind string

const (
	EventPut    EventKind = "put"
	EventDelete EventKind = "delete"
)

// Event is a single watch notification. The client deduplicates by
// Version before delivering.
type Event struct {
	Kind    EventKind
	Record  Record
}

// Session is an ephemeral lease; its disappearance (expiry or explicit
// close) is the definitive signal that the owning process is gone.
type Session interface {
	ID() string
	TTL() time.Duration
	Close() error
}

// LeadershipHandle represents a held, or contended-for, leader-election
// lease at a given path.
type LeadershipHandle interface {
	// IsLeader reports whether this handle currently holds the lease.
	IsLeader() bool
	// Resign releases the lease voluntarily.
	Resign() error
	// Changes delivers true when leadership is acquired, false when lost.
	Changes() <-chan bool
}

// Client is the full KV facade. All operations are linearizable
// per key.
type Client interface {
	Get(path string) (*Record, error)
	List(prefix string) ([]*Record, error)
	Put(path string, value any) error
	CAS(path string, expectedVersion uint64, value any) error
	Delete(path string) error
	Watch(ctx context.Context, path string, recursive bool) (<-chan Event, error)
	Session(ttl time.Duration) (Session, error)
	AcquireLeader(path, identity string) (LeadershipHandle, error)

	// Available reports the kv_available boolean every controller must
	// watch: writes must pause while it is false.
	Available() bool
}

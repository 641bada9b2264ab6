// Package storage is the durable, node-local backing store for the FSM's
// applied state: nodes, VM domains, networks, storage objects, and tasks.
// It exists on coordinator-role nodes, where it is read directly and
// written only through the Raft-replicated FSM; hypervisor-role nodes
// reach its contents through the KV facade's remote client.
package storage

import "github.com/parallelvirtualcluster/pvc/pkg/types"

// ErrNotFound is returned by Get* when no record exists for the given key.
type ErrNotFound struct{ Kind, Key string }

func (e *ErrNotFound) Error() string { return e.Kind + " not found: " + e.Key }

// ErrVersionConflict is returned by CAS* when the stored version does not
// match the expected version.
type ErrVersionConflict struct{ Kind, Key string }

func (e *ErrVersionConflict) Error() string { return e.Kind + " version conflict: " + e.Key }

// Store is the durable KV-backed state store. Every entity family exposes
// Put (raw upsert, used by snapshot restore) and CAS (optimistic update
// used by live mutation paths, enforcing the single-writer-per-key
// discipline described by the volume records).
type Store interface {
	PutNode(n *types.Node) error
	GetNode(name string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(name string) error
	CASNode(name string, expectedVersion uint64, mutate func(*types.Node) error) (*types.Node, error)

	PutVM(v *types.VM) error
	GetVM(uuid string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	DeleteVM(uuid string) error
	CASVM(uuid string, expectedVersion uint64, mutate func(*types.VM) error) (*types.VM, error)

	PutNetwork(n *types.Network) error
	GetNetwork(vni int) (*types.Network, error)
	ListNetworks() ([]*types.Network, error)
	DeleteNetwork(vni int) error

	PutOSD(o *types.StorageOSD) error
	GetOSD(id string) (*types.StorageOSD, error)
	ListOSDs() ([]*types.StorageOSD, error)
	DeleteOSD(id string) error

	PutPool(p *types.StoragePool) error
	GetPool(name string) (*types.StoragePool, error)
	ListPools() ([]*types.StoragePool, error)
	DeletePool(name string) error

	PutVolume(v *types.StorageVolume) error
	GetVolume(name string) (*types.StorageVolume, error)
	ListVolumes() ([]*types.StorageVolume, error)
	DeleteVolume(name string) error
	CASVolume(name string, expectedVersion uint64, mutate func(*types.StorageVolume) error) (*types.StorageVolume, error)

	PutSnapshot(s *types.StorageSnapshot) error
	GetSnapshot(name string) (*types.StorageSnapshot, error)
	ListSnapshots() ([]*types.StorageSnapshot, error)
	DeleteSnapshot(name string) error

	PutTask(t *types.Task) error
	GetTask(uuid string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	DeleteTask(uuid string) error
	CASTask(uuid string, expectedVersion uint64, mutate func(*types.Task) error) (*types.Task, error)

	Close() error
}

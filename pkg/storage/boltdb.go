package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

var (
	bucketNodes     = []byte("nodes")
	bucketVMs       = []byte("domains")
	bucketNetworks  = []byte("networks")
	bucketOSDs      = []byte("storage_osd")
	bucketPools     = []byte("storage_pool")
	bucketVolumes   = []byte("storage_volume")
	bucketSnapshots = []byte("storage_snapshot")
	bucketTasks     = []byte("tasks")
)

// BoltStore implements Store on top of a local bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pvc.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	buckets := [][]byte{bucketNodes, bucketVMs, bucketNetworks, bucketOSDs, bucketPools, bucketVolumes, bucketSnapshots, bucketTasks}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// --- generic helpers ---

func put(db *bolt.DB, bucket, key []byte, v any) error {
	return db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}

func get[T any](db *bolt.DB, bucket, key []byte, kind string) (*T, error) {
	var out T
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return &ErrNotFound{Kind: kind, Key: string(key)}
		}
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			out = append(out, &item)
			return nil
		})
	})
	return out, err
}

func del(db *bolt.DB, bucket, key []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// cas reads the current record (if any), checks its version against
// expectedVersion, applies mutate, bumps the version, and writes it back
// within a single transaction. expectedVersion of 0 matches a record that
// does not yet exist.
func cas[T any](db *bolt.DB, bucket, key []byte, kind string, expectedVersion uint64, versionOf func(*T) uint64, setVersion func(*T, uint64), mutate func(*T) error) (*T, error) {
	var result T
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get(key)

		var current T
		if data != nil {
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
		}

		if versionOf(&current) != expectedVersion {
			return &ErrVersionConflict{Kind: kind, Key: string(key)}
		}

		if err := mutate(&current); err != nil {
			return err
		}
		setVersion(&current, expectedVersion+1)

		out, err := json.Marshal(&current)
		if err != nil {
			return err
		}
		if err := b.Put(key, out); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// --- nodes ---

func (s *BoltStore) PutNode(n *types.Node) error { return put(s.db, bucketNodes, []byte(n.Name), n) }

func (s *BoltStore) GetNode(name string) (*types.Node, error) {
	return get[types.Node](s.db, bucketNodes, []byte(name), "node")
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) { return list[types.Node](s.db, bucketNodes) }

func (s *BoltStore) DeleteNode(name string) error { return del(s.db, bucketNodes, []byte(name)) }

func (s *BoltStore) CASNode(name string, expectedVersion uint64, mutate func(*types.Node) error) (*types.Node, error) {
	return cas(s.db, bucketNodes, []byte(name), "node", expectedVersion,
		func(n *types.Node) uint64 { return n.Version },
		func(n *types.Node, v uint64) { n.Version = v },
		mutate)
}

// --- VMs ---

func (s *BoltStore) PutVM(v *types.VM) error { return put(s.db, bucketVMs, []byte(v.UUID), v) }

func (s *BoltStore) GetVM(uuid string) (*types.VM, error) {
	return get[types.VM](s.db, bucketVMs, []byte(uuid), "vm")
}

func (s *BoltStore) ListVMs() ([]*types.VM, error) { return list[types.VM](s.db, bucketVMs) }

func (s *BoltStore) DeleteVM(uuid string) error { return del(s.db, bucketVMs, []byte(uuid)) }

func (s *BoltStore) CASVM(uuid string, expectedVersion uint64, mutate func(*types.VM) error) (*types.VM, error) {
	return cas(s.db, bucketVMs, []byte(uuid), "vm", expectedVersion,
		func(v *types.VM) uint64 { return v.Version },
		func(v *types.VM, ver uint64) { v.Version = ver },
		mutate)
}

// --- networks ---

func networkKey(vni int) []byte { return []byte(strconv.Itoa(vni)) }

func (s *BoltStore) PutNetwork(n *types.Network) error {
	return put(s.db, bucketNetworks, networkKey(n.VNI), n)
}

func (s *BoltStore) GetNetwork(vni int) (*types.Network, error) {
	return get[types.Network](s.db, bucketNetworks, networkKey(vni), "network")
}

func (s *BoltStore) ListNetworks() ([]*types.Network, error) {
	return list[types.Network](s.db, bucketNetworks)
}

func (s *BoltStore) DeleteNetwork(vni int) error { return del(s.db, bucketNetworks, networkKey(vni)) }

// --- storage: OSDs ---

func (s *BoltStore) PutOSD(o *types.StorageOSD) error { return put(s.db, bucketOSDs, []byte(o.ID), o) }

func (s *BoltStore) GetOSD(id string) (*types.StorageOSD, error) {
	return get[types.StorageOSD](s.db, bucketOSDs, []byte(id), "osd")
}

func (s *BoltStore) ListOSDs() ([]*types.StorageOSD, error) {
	return list[types.StorageOSD](s.db, bucketOSDs)
}

func (s *BoltStore) DeleteOSD(id string) error { return del(s.db, bucketOSDs, []byte(id)) }

// --- storage: pools ---

func (s *BoltStore) PutPool(p *types.StoragePool) error {
	return put(s.db, bucketPools, []byte(p.Name), p)
}

func (s *BoltStore) GetPool(name string) (*types.StoragePool, error) {
	return get[types.StoragePool](s.db, bucketPools, []byte(name), "pool")
}

func (s *BoltStore) ListPools() ([]*types.StoragePool, error) {
	return list[types.StoragePool](s.db, bucketPools)
}

func (s *BoltStore) DeletePool(name string) error { return del(s.db, bucketPools, []byte(name)) }

// --- storage: volumes ---

func (s *BoltStore) PutVolume(v *types.StorageVolume) error {
	return put(s.db, bucketVolumes, []byte(v.Name), v)
}

func (s *BoltStore) GetVolume(name string) (*types.StorageVolume, error) {
	return get[types.StorageVolume](s.db, bucketVolumes, []byte(name), "volume")
}

func (s *BoltStore) ListVolumes() ([]*types.StorageVolume, error) {
	return list[types.StorageVolume](s.db, bucketVolumes)
}

func (s *BoltStore) DeleteVolume(name string) error { return del(s.db, bucketVolumes, []byte(name)) }

func (s *BoltStore) CASVolume(name string, expectedVersion uint64, mutate func(*types.StorageVolume) error) (*types.StorageVolume, error) {
	return cas(s.db, bucketVolumes, []byte(name), "volume", expectedVersion,
		func(v *types.StorageVolume) uint64 { return v.Version },
		func(v *types.StorageVolume, ver uint64) { v.Version = ver },
		mutate)
}

// --- storage: snapshots ---

func (s *BoltStore) PutSnapshot(sn *types.StorageSnapshot) error {
	return put(s.db, bucketSnapshots, []byte(sn.Name), sn)
}

func (s *BoltStore) GetSnapshot(name string) (*types.StorageSnapshot, error) {
	return get[types.StorageSnapshot](s.db, bucketSnapshots, []byte(name), "snapshot")
}

func (s *BoltStore) ListSnapshots() ([]*types.StorageSnapshot, error) {
	return list[types.StorageSnapshot](s.db, bucketSnapshots)
}

func (s *BoltStore) DeleteSnapshot(name string) error {
	return del(s.db, bucketSnapshots, []byte(name))
}

// --- tasks ---

func (s *BoltStore) PutTask(t *types.Task) error { return put(s.db, bucketTasks, []byte(t.UUID), t) }

func (s *BoltStore) GetTask(uuid string) (*types.Task, error) {
	return get[types.Task](s.db, bucketTasks, []byte(uuid), "task")
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) { return list[types.Task](s.db, bucketTasks) }

func (s *BoltStore) DeleteTask(uuid string) error { return del(s.db, bucketTasks, []byte(uuid)) }

func (s *BoltStore) CASTask(uuid string, expectedVersion uint64, mutate func(*types.Task) error) (*types.Task, error) {
	return cas(s.db, bucketTasks, []byte(uuid), "task", expectedVersion,
		func(t *types.Task) uint64 { return t.Version },
		func(t *types.Task, ver uint64) { t.Version = ver },
		mutate)
}

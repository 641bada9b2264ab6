// Package volume implements the storage driver and controller: create/map/unmap/resize/delete/lock/unlock/clear_lock against a
// replicated block-storage backend, synchronized with the cluster's
// storage/{osd,pool,volume,snapshot} tables.
package volume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// DefaultPoolPath is the base directory the local-file-backed driver
// carves volumes from when no dedicated block storage backend is
// configured — useful for development clusters and the test suite.
const DefaultPoolPath = "/var/lib/pvc/storage"

// Driver is the storage driver ABI: every call is synchronous, and
// the originating task is only marked done after it returns: storage commands must complete
// before cluster state advances.
type Driver interface {
	Create(vol *types.StorageVolume) error
	Map(vol *types.StorageVolume) (devicePath string, err error)
	Unmap(vol *types.StorageVolume) error
	Resize(vol *types.StorageVolume, newSizeBytes int64) error
	Delete(vol *types.StorageVolume) error

	// Lock grants node exclusive use of vol, returning an opaque token
	// that must accompany Unlock. A running VM holds this lock for as
	// long as it is started on that node.
	Lock(vol *types.StorageVolume, node string) (token string, err error)
	Unlock(vol *types.StorageVolume, token string) error
	// ClearLock forcibly breaks a lock without the token; the fence
	// controller is the only component allowed to do this.
	ClearLock(vol *types.StorageVolume) error

	BootstrapOSD(osd *types.StorageOSD) error
	Snapshot(vol *types.StorageVolume, snap *types.StorageSnapshot) error
}

// LocalDriver is a single-host, file-backed stand-in for a real
// replicated block store: every volume is a sparse file under basePath.
// It satisfies the full Driver ABI so the controller and its tests don't
// need a real Ceph/DRBD/whatever backend to exercise the lock/CAS
// discipline the rest of the core depends on.
type LocalDriver struct {
	basePath string
	locks    map[string]string // volume name -> lock token
}

// NewLocalDriver creates a file-backed driver rooted at basePath.
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultPoolPath
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create storage pool directory: %w", err)
	}
	return &LocalDriver{basePath: basePath, locks: map[string]string{}}, nil
}

func (d *LocalDriver) path(vol *types.StorageVolume) string {
	return filepath.Join(d.basePath, vol.Pool, vol.Name+".img")
}

func (d *LocalDriver) Create(vol *types.StorageVolume) error {
	p := d.path(vol)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("create volume %s: %w", vol.Name, err)
	}
	defer f.Close()
	return f.Truncate(vol.SizeBytes)
}

func (d *LocalDriver) Map(vol *types.StorageVolume) (string, error) {
	p := d.path(vol)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("map volume %s: %w", vol.Name, err)
	}
	return p, nil
}

func (d *LocalDriver) Unmap(vol *types.StorageVolume) error { return nil }

func (d *LocalDriver) Resize(vol *types.StorageVolume, newSizeBytes int64) error {
	f, err := os.OpenFile(d.path(vol), os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("resize volume %s: %w", vol.Name, err)
	}
	defer f.Close()
	return f.Truncate(newSizeBytes)
}

func (d *LocalDriver) Delete(vol *types.StorageVolume) error {
	if err := os.Remove(d.path(vol)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete volume %s: %w", vol.Name, err)
	}
	return nil
}

func (d *LocalDriver) Lock(vol *types.StorageVolume, node string) (string, error) {
	if existing, held := d.locks[vol.Name]; held {
		return "", fmt.Errorf("volume %s already locked (token %s)", vol.Name, existing)
	}
	token := fmt.Sprintf("%s-%s", node, vol.Name)
	d.locks[vol.Name] = token
	return token, nil
}

func (d *LocalDriver) Unlock(vol *types.StorageVolume, token string) error {
	if d.locks[vol.Name] != token {
		return fmt.Errorf("unlock volume %s: token mismatch", vol.Name)
	}
	delete(d.locks, vol.Name)
	return nil
}

func (d *LocalDriver) ClearLock(vol *types.StorageVolume) error {
	delete(d.locks, vol.Name)
	return nil
}

func (d *LocalDriver) BootstrapOSD(osd *types.StorageOSD) error {
	return os.MkdirAll(filepath.Join(d.basePath, "osd", osd.ID), 0755)
}

func (d *LocalDriver) Snapshot(vol *types.StorageVolume, snap *types.StorageSnapshot) error {
	src, err := os.ReadFile(d.path(vol))
	if err != nil {
		return fmt.Errorf("snapshot volume %s: %w", vol.Name, err)
	}
	dst := filepath.Join(d.basePath, vol.Pool, "snapshots", snap.Name+".img")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, src, 0644)
}

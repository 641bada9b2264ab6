package volume

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/task"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Controller watches the task inbox for storage ops, invoking the
// driver synchronously for every task it claims.
type Controller struct {
	self   string
	kv     kv.Client
	bus    *events.Broker
	driver Driver
}

// New creates a storage controller for the local node.
func New(self string, client kv.Client, bus *events.Broker, driver Driver) *Controller {
	return &Controller{self: self, kv: client, bus: bus, driver: driver}
}

// Run watches for OSD-bootstrap and volume-mutation tasks addressed to
// this node, blocking until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	sub := c.bus.Subscribe()
	defer c.bus.Unsubscribe(sub)

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
				c.tryHandle(ev.Key)
			case events.KeepaliveTick:
				// Catch tasks whose change notification was dropped.
				c.scanInbox()
			}
		}
	}
}

func (c *Controller) scanInbox() {
	recs, err := c.kv.List("tasks")
	if err != nil {
		return
	}
	for _, rec := range recs {
		var t types.Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			continue
		}
		if t.State == types.TaskAccepted && t.ClaimedBy == "" && storageOps[t.Op] {
			c.tryHandle(t.UUID)
		}
	}
}

var storageOps = map[string]bool{
	"storage.osd_add":           true,
	"storage.volume_add":        true,
	"storage.volume_resize":     true,
	"storage.volume_remove":     true,
	"storage.volume_snapshot":   true,
}

func (c *Controller) tryHandle(uuid string) {
	rec, err := c.kv.Get("tasks/" + uuid)
	if err != nil {
		return
	}
	var t types.Task
	if err := json.Unmarshal(rec.Value, &t); err != nil {
		return
	}
	if t.State != types.TaskAccepted || !storageOps[t.Op] {
		return
	}
	// Node-targeted storage tasks (OSD bootstrap against a local device)
	// are only claimable by the addressed node.
	if target := t.Params["node"]; target != "" && target != c.self {
		return
	}

	claimed, ok, err := task.Claim(c.kv, uuid, c.self)
	if err != nil || !ok {
		return
	}

	if err := c.handle(claimed); err != nil {
		log.Errorf(fmt.Sprintf("storage task %s (%s) failed", uuid, claimed.Op), err)
		_ = task.Fail(c.kv, claimed, err)
		return
	}
	_ = task.Complete(c.kv, claimed, "ok")
}

func (c *Controller) handle(t *types.Task) error {
	switch t.Op {
	case "storage.osd_add":
		return c.handleOSDAdd(t)
	case "storage.volume_add":
		return c.handleVolumeAdd(t)
	case "storage.volume_resize":
		return c.handleVolumeResize(t)
	case "storage.volume_remove":
		return c.handleVolumeRemove(t)
	case "storage.volume_snapshot":
		return c.handleVolumeSnapshot(t)
	default:
		return fmt.Errorf("unknown storage op %s", t.Op)
	}
}

func (c *Controller) handleOSDAdd(t *types.Task) error {
	osd := &types.StorageOSD{ID: t.Params["id"], Node: c.self, Pool: t.Params["pool"], Device: t.Params["device"]}
	if err := c.driver.BootstrapOSD(osd); err != nil {
		// An OSD bootstrap failure publishes a NodeChanged event for this
		// node and fails the task so the requester sees it; it does not
		// change the node's health figures and does not stop the node.
		c.bus.Publish(&events.Event{Type: events.NodeChanged, Key: c.self})
		return err
	}
	return c.kv.Put("storage/osd/"+osd.ID, osd)
}

func (c *Controller) handleVolumeAdd(t *types.Task) error {
	size, err := strconv.ParseInt(t.Params["size_bytes"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size_bytes: %w", err)
	}
	vol := &types.StorageVolume{Name: t.Params["name"], Pool: t.Params["pool"], SizeBytes: size}
	if err := c.driver.Create(vol); err != nil {
		return err
	}
	return c.kv.Put("storage/volume/"+vol.Name, vol)
}

func (c *Controller) handleVolumeResize(t *types.Task) error {
	rec, err := c.kv.Get("storage/volume/" + t.Params["name"])
	if err != nil {
		return err
	}
	var vol types.StorageVolume
	if err := json.Unmarshal(rec.Value, &vol); err != nil {
		return err
	}
	newSize, err := strconv.ParseInt(t.Params["size_bytes"], 10, 64)
	if err != nil {
		return err
	}
	if err := c.driver.Resize(&vol, newSize); err != nil {
		return err
	}
	vol.SizeBytes = newSize
	return c.kv.CAS("storage/volume/"+vol.Name, rec.Version, &vol)
}

func (c *Controller) handleVolumeRemove(t *types.Task) error {
	rec, err := c.kv.Get("storage/volume/" + t.Params["name"])
	if err != nil {
		return err
	}
	var vol types.StorageVolume
	if err := json.Unmarshal(rec.Value, &vol); err != nil {
		return err
	}
	if vol.LockedBy != "" {
		return fmt.Errorf("cannot remove volume %s: locked by %s", vol.Name, vol.LockedBy)
	}
	if err := c.driver.Delete(&vol); err != nil {
		return err
	}
	return c.kv.Delete("storage/volume/" + vol.Name)
}

func (c *Controller) handleVolumeSnapshot(t *types.Task) error {
	rec, err := c.kv.Get("storage/volume/" + t.Params["volume"])
	if err != nil {
		return err
	}
	var vol types.StorageVolume
	if err := json.Unmarshal(rec.Value, &vol); err != nil {
		return err
	}
	snap := &types.StorageSnapshot{Name: t.Params["name"], Volume: vol.Name}
	if err := c.driver.Snapshot(&vol, snap); err != nil {
		return err
	}
	return c.kv.Put("storage/snapshot/"+snap.Name, snap)
}

// LockForStart acquires the volume lock this node needs before starting
// a VM, honoring the invariant that a running VM holds an exclusive lock on
// each of its volumes, bound to its current node.
func (c *Controller) LockForStart(volumeName string) error {
	rec, err := c.kv.Get("storage/volume/" + volumeName)
	if err != nil {
		return err
	}
	var vol types.StorageVolume
	if err := json.Unmarshal(rec.Value, &vol); err != nil {
		return err
	}
	if vol.LockedBy != "" && vol.LockedBy != c.self {
		return fmt.Errorf("volume %s is locked by %s", vol.Name, vol.LockedBy)
	}

	token, err := c.driver.Lock(&vol, c.self)
	if err != nil {
		return err
	}
	vol.LockedBy = c.self
	vol.LockToken = token
	return c.kv.CAS("storage/volume/"+vol.Name, rec.Version, &vol)
}

// Unlock releases the lock this node holds on volumeName, e.g. after a
// successful migration away.
func (c *Controller) Unlock(volumeName string) error {
	rec, err := c.kv.Get("storage/volume/" + volumeName)
	if err != nil {
		return err
	}
	var vol types.StorageVolume
	if err := json.Unmarshal(rec.Value, &vol); err != nil {
		return err
	}
	if vol.LockedBy != c.self {
		return nil
	}
	if err := c.driver.Unlock(&vol, vol.LockToken); err != nil {
		return err
	}
	vol.LockedBy = ""
	vol.LockToken = ""
	return c.kv.CAS("storage/volume/"+vol.Name, rec.Version, &vol)
}

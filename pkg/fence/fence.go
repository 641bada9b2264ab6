// Package fence implements the primary-only fence controller:
// confirmed-dead peers are fenced via the management controller, storage
// locks are cleared, and owned VMs are migrated per the successful_fence
// policy.
package fence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/errors"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/placement"
	"github.com/parallelvirtualcluster/pvc/pkg/storage"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Driver invokes the management controller to power-reset a node. A
// success means a confirmed clean reset.
type Driver interface {
	Fence(nodeName string) error
}

// Controller is bound to a node's Fencer interface (pkg/keepalive) while
// this node holds the primary lease.
type Controller struct {
	kv     kv.Client
	driver Driver
	cfg    config.FencingConfig
}

// New creates a fence controller. It should only be wired in (via
// pkg/keepalive's SetFencer) while this node is primary, and unwired
// immediately on losing the lease.
func New(client kv.Client, driver Driver, cfg config.FencingConfig) *Controller {
	return &Controller{kv: client, driver: driver, cfg: cfg}
}

// HandleDead runs the full fence sequence for a confirmed-dead peer.
func (c *Controller) HandleDead(nodeName string) {
	if err := c.fence(nodeName); err != nil {
		log.Errorf(fmt.Sprintf("fence of %s failed", nodeName), err)
	}
}

func (c *Controller) fence(nodeName string) error {
	// Step 1: CAS the peer to dead. A conflict means it raced back to
	// health (recovered keepalive) and must be left alone.
	rec, err := c.kv.Get("nodes/" + nodeName)
	if err != nil {
		return err
	}
	var n types.Node
	if err := json.Unmarshal(rec.Value, &n); err != nil {
		return err
	}
	n.DaemonState = types.DaemonDead
	if err := c.kv.CAS("nodes/"+nodeName, rec.Version, &n); err != nil {
		return fmt.Errorf("abort fence of %s: lost race with recovery: %w", nodeName, err)
	}

	// Step 2: invoke the fence driver up to 3 times with backoff.
	var fenceErr error
	for attempt := 1; attempt <= 3; attempt++ {
		fenceErr = c.driver.Fence(nodeName)
		if fenceErr == nil {
			break
		}
		log.Errorf(fmt.Sprintf("fence attempt %d/3 for %s", attempt, nodeName), fenceErr)
		if attempt < 3 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	if fenceErr == nil {
		metrics.NodesFencedTotal.WithLabelValues("success").Inc()
		return c.onSuccess(nodeName)
	}

	metrics.NodesFencedTotal.WithLabelValues("failure").Inc()
	return c.onFailure(nodeName, fenceErr)
}

func (c *Controller) onSuccess(nodeName string) error {
	rec, err := c.kv.Get("nodes/" + nodeName)
	if err != nil {
		return err
	}
	var n types.Node
	if err := json.Unmarshal(rec.Value, &n); err != nil {
		return err
	}
	n.DaemonState = types.DaemonFenced
	n.CoordinatorState = types.CoordinatorNone
	if err := c.kv.CAS("nodes/"+nodeName, rec.Version, &n); err != nil {
		return err
	}

	switch c.cfg.Actions.SuccessfulFence {
	case config.FenceActionMigrate:
		return c.migrateOwned(nodeName, false)
	default:
		return nil
	}
}

func (c *Controller) onFailure(nodeName string, fenceErr error) error {
	switch c.cfg.Actions.FailedFence {
	case config.FenceActionMigrate:
		if c.cfg.SuicideIntervals <= 0 {
			// config.validate already refuses this combination, but guard
			// again here since this path is the hazardous one.
			return fmt.Errorf("refusing migrate-on-failed-fence for %s without suicide_intervals configured", nodeName)
		}
		log.Warn(fmt.Sprintf("fence of %s failed after retries; migrating on the assumption it self-rebooted", nodeName))
		return c.migrateOwned(nodeName, true)
	default:
		return errors.Fatalf("fence", "fence of %s failed after retries and failed_fence=none: %w", nodeName, fenceErr)
	}
}

// migrateOwned clears every storage lock held by the fenced node and
// reassigns its running VMs to a freshly selected target.
func (c *Controller) migrateOwned(nodeName string, hazardous bool) error {
	recs, err := c.kv.List("domains")
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range recs {
		var vm types.VM
		if err := json.Unmarshal(rec.Value, &vm); err != nil {
			continue
		}
		if vm.Node != nodeName || vm.State != types.VMStart {
			continue
		}

		if err := c.clearVolumeLocks(&vm, nodeName); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		target, err := placement.Select(c.kv, &vm)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		vm.PreviousNode = nodeName
		vm.Node = target
		if err := c.kv.CAS(fmt.Sprintf("domains/%s", vm.UUID), rec.Version, &vm); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Controller) clearVolumeLocks(vm *types.VM, nodeName string) error {
	recs, err := c.kv.List("storage/volume")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		var vol types.StorageVolume
		if err := json.Unmarshal(rec.Value, &vol); err != nil {
			continue
		}
		if vol.LockedBy != nodeName {
			continue
		}
		vol.LockedBy = ""
		vol.LockToken = ""
		if err := c.kv.CAS("storage/volume/"+vol.Name, rec.Version, &vol); err != nil {
			if _, ok := err.(*storage.ErrVersionConflict); !ok {
				return err
			}
		}
	}
	return nil
}

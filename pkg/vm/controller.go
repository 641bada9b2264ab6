package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/node"
	"github.com/parallelvirtualcluster/pvc/pkg/placement"
	"github.com/parallelvirtualcluster/pvc/pkg/task"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"github.com/parallelvirtualcluster/pvc/pkg/volume"
)

// Config tunes the placement controller.
type Config struct {
	Self            string
	ShutdownTimeout time.Duration
	ConsoleLogLines int
	DefaultSelector types.Selector
}

// Controller reconciles the domains this node owns: converging
// actual hypervisor state to the desired state in the KV record, and
// evacuating the node during a flush.
type Controller struct {
	cfg     Config
	kv      kv.Client
	driver  Driver
	volumes *volume.Controller
	machine *node.Machine
	bus     *events.Broker
	logger  zerolog.Logger

	// migrationSlot bounds the migrations this node drives out (migrate,
	// unmigrate, flush evacuation) to one at a time; contenders retry on
	// the next reconciliation pass.
	migrationSlot chan struct{}

	shutdownAt     map[string]time.Time // uuid -> graceful shutdown sent
	restartPending map[string]bool      // uuid -> start again once stopped
	consoles       map[string]*consoleRing
}

// New creates the VM placement controller.
func New(cfg Config, client kv.Client, bus *events.Broker, driver Driver, volumes *volume.Controller, machine *node.Machine) *Controller {
	if cfg.DefaultSelector == "" {
		cfg.DefaultSelector = types.SelectorMem
	}
	return &Controller{
		cfg:            cfg,
		kv:             client,
		driver:         driver,
		volumes:        volumes,
		machine:        machine,
		bus:            bus,
		logger:         log.WithComponent("vm"),
		migrationSlot:  make(chan struct{}, 1),
		shutdownAt:     map[string]time.Time{},
		restartPending: map[string]bool{},
		consoles:       map[string]*consoleRing{},
	}
}

// Run blocks, reconciling on every VM change, node change, and
// keepalive tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	sub := c.bus.Subscribe()
	defer c.bus.Unsubscribe(sub)

	c.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Type {
			case events.VMChanged, events.NodeChanged, events.KeepaliveTick:
				c.reconcile(ctx)
			}
		}
	}
}

func (c *Controller) reconcile(ctx context.Context) {
	if !c.kv.Available() {
		return
	}

	selfRec, err := c.kv.Get("nodes/" + c.cfg.Self)
	if err != nil {
		return
	}
	var self types.Node
	if err := json.Unmarshal(selfRec.Value, &self); err != nil {
		return
	}

	recs, err := c.kv.List("domains")
	if err != nil {
		return
	}

	ownedRunning := 0
	for _, rec := range recs {
		var vm types.VM
		if err := json.Unmarshal(rec.Value, &vm); err != nil {
			continue
		}
		c.handle(ctx, rec, &vm, &self)
		if vm.Node == c.cfg.Self && vm.State == types.VMStart {
			ownedRunning++
		}
	}

	switch self.DomainState {
	case types.DomainFlushing:
		if ownedRunning == 0 {
			if err := c.machine.FlushDone(); err == nil {
				c.logger.Info().Msg("flush complete")
			}
		}
	case types.DomainUnflushing:
		// Local re-entry is immediate; the primary migrates VMs back at
		// its own pace using each VM's previous_node.
		_ = c.machine.UnflushDone()
	}
}

func (c *Controller) handle(ctx context.Context, rec *kv.Record, vm *types.VM, self *types.Node) {
	name := vm.Name
	if name == "" {
		name = DefinitionName(vm.Definition)
	}

	running, err := c.driver.IsRunning(ctx, name)
	if err != nil {
		c.logger.Warn().Err(err).Str("vm", vm.UUID).Msg("hypervisor state query failed")
		return
	}

	if running && vm.Node == c.cfg.Self {
		c.collectConsole(vm, name)
	}

	switch vm.State {
	case types.VMStart:
		if vm.Node == c.cfg.Self {
			if self.DomainState == types.DomainFlushing {
				c.evacuate(ctx, rec, vm, name, running)
				return
			}
			if !running {
				c.startVM(ctx, rec, vm, name)
			}
		} else if running {
			// The record moved away while we still run the domain (e.g.
			// we recovered after being fenced). The record wins.
			c.logger.Warn().Str("vm", vm.UUID).Str("owner", vm.Node).Msg("stopping domain owned elsewhere")
			_ = c.driver.Stop(ctx, name)
			c.releaseVolumes(vm)
		}

	case types.VMStop, types.VMDisable:
		if vm.Node == c.cfg.Self && running {
			if err := c.driver.Stop(ctx, name); err != nil {
				c.logger.Error().Err(err).Str("vm", vm.UUID).Msg("force stop failed")
				return
			}
			c.releaseVolumes(vm)
			c.flushConsole(vm.UUID)
		}

	case types.VMShutdown:
		if vm.Node == c.cfg.Self {
			c.shutdown(ctx, rec, vm, name, running)
		}

	case types.VMRestart:
		if vm.Node == c.cfg.Self {
			c.restart(ctx, rec, vm, name, running)
		}

	case types.VMMigrate:
		if running && vm.Node != c.cfg.Self {
			// This controller is on the source.
			c.migrateOut(ctx, rec, vm, name, vm.Node)
		} else if vm.Node == c.cfg.Self && !running && vm.Meta.MigrationMethod == types.MigrationShutdown {
			// Target side of a cold move: the source stopped it and handed
			// ownership over; bring it up and settle the state.
			if c.startVM(ctx, rec, vm, name) {
				c.settleMigration(vm.UUID)
			}
		}

	case types.VMUnmigrate:
		if running && vm.Node == c.cfg.Self && vm.PreviousNode != "" && vm.PreviousNode != c.cfg.Self {
			c.unmigrate(ctx, rec, vm, name)
		}

	case types.VMFail, types.VMProvision:
		// fail is terminal until an operator acts; provision belongs to
		// the external provisioner.
	}
}

// startVM acquires the storage locks, defines, and boots the domain.
// Reports success.
func (c *Controller) startVM(ctx context.Context, rec *kv.Record, vm *types.VM, name string) bool {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VMStartDuration)

	for _, vol := range DefinitionVolumes(vm.Definition) {
		if err := c.volumes.LockForStart(vol); err != nil {
			c.fail(rec, vm, fmt.Errorf("lock volume %s: %w", vol, err))
			return false
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()

	if err := c.driver.Define(startCtx, vm.Definition); err != nil {
		c.fail(rec, vm, fmt.Errorf("define: %w", err))
		return false
	}
	if err := c.driver.Start(startCtx, name); err != nil {
		c.fail(rec, vm, fmt.Errorf("start: %w", err))
		return false
	}

	c.logger.Info().Str("vm", vm.UUID).Str("name", name).Msg("domain started")
	return true
}

// shutdown drives the graceful path, escalating to a force stop after
// the configured vm_shutdown_timeout.
func (c *Controller) shutdown(ctx context.Context, rec *kv.Record, vm *types.VM, name string, running bool) {
	if !running {
		delete(c.shutdownAt, vm.UUID)
		c.releaseVolumes(vm)
		c.flushConsole(vm.UUID)
		c.casVM(rec, vm, func(v *types.VM) { v.State = types.VMStop })
		return
	}

	sentAt, sent := c.shutdownAt[vm.UUID]
	if !sent {
		if err := c.driver.Shutdown(ctx, name); err != nil {
			c.logger.Warn().Err(err).Str("vm", vm.UUID).Msg("graceful shutdown signal failed")
		}
		c.shutdownAt[vm.UUID] = time.Now()
		return
	}

	if time.Since(sentAt) > c.cfg.ShutdownTimeout {
		c.logger.Warn().Str("vm", vm.UUID).Dur("waited", time.Since(sentAt)).Msg("guest ignored shutdown, forcing stop")
		stopCtx, cancel := context.WithTimeout(ctx, StopTimeout)
		defer cancel()
		_ = c.driver.Stop(stopCtx, name)
	}
}

func (c *Controller) restart(ctx context.Context, rec *kv.Record, vm *types.VM, name string, running bool) {
	if running {
		if !c.restartPending[vm.UUID] {
			if err := c.driver.Shutdown(ctx, name); err != nil {
				c.logger.Warn().Err(err).Str("vm", vm.UUID).Msg("restart shutdown signal failed")
			}
			c.restartPending[vm.UUID] = true
			c.shutdownAt[vm.UUID] = time.Now()
			return
		}
		if time.Since(c.shutdownAt[vm.UUID]) > c.cfg.ShutdownTimeout {
			stopCtx, cancel := context.WithTimeout(ctx, StopTimeout)
			defer cancel()
			_ = c.driver.Stop(stopCtx, name)
		}
		return
	}

	delete(c.shutdownAt, vm.UUID)
	delete(c.restartPending, vm.UUID)

	startCtx, cancel := context.WithTimeout(ctx, StartTimeout)
	defer cancel()
	if err := c.driver.Start(startCtx, name); err != nil {
		c.fail(rec, vm, fmt.Errorf("restart: %w", err))
		return
	}
	c.casVM(rec, vm, func(v *types.VM) { v.State = types.VMStart })
}

// migrateOut moves a domain this node runs to target. Live when the
// VM's migration method supports it, cold otherwise. Serialized per VM
// by a CAS on the migrating field and per node by the migration slot.
func (c *Controller) migrateOut(ctx context.Context, rec *kv.Record, vm *types.VM, name, target string) {
	select {
	case c.migrationSlot <- struct{}{}:
	default:
		return // slot busy; next pass retries
	}
	defer func() { <-c.migrationSlot }()

	if !c.claimMigration(rec, vm) {
		return
	}

	method := "live"
	if vm.Meta.MigrationMethod == types.MigrationShutdown {
		method = "cold"
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VMMigrationDuration, method)

	if method == "cold" {
		c.coldMove(ctx, vm, name, target)
		return
	}

	targetAddr, err := c.clusterAddrOf(target)
	if err != nil {
		c.logger.Error().Err(err).Str("vm", vm.UUID).Msg("migration target unresolvable")
		c.settleMigration(vm.UUID)
		return
	}

	migCtx, cancel := context.WithTimeout(ctx, MigrateTimeout)
	defer cancel()

	if err := c.driver.Migrate(migCtx, name, targetAddr); err != nil {
		c.logger.Error().Err(err).Str("vm", vm.UUID).Str("target", target).Msg("live migration failed")
		c.settleMigration(vm.UUID)
		c.reportError(vm, fmt.Errorf("migrate to %s: %w", target, err))
		return
	}

	c.transferVolumeLocks(vm, target)
	c.finishMigration(vm.UUID, target, false)
	c.flushConsole(vm.UUID)
	c.logger.Info().Str("vm", vm.UUID).Str("target", target).Msg("live migration complete")
}

// coldMove stops the domain here and hands ownership to the target,
// whose controller boots it.
func (c *Controller) coldMove(ctx context.Context, vm *types.VM, name, target string) {
	if err := c.driver.Shutdown(ctx, name); err == nil {
		deadline := time.Now().Add(c.cfg.ShutdownTimeout)
		for time.Now().Before(deadline) {
			running, err := c.driver.IsRunning(ctx, name)
			if err != nil || !running {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
	stopCtx, cancel := context.WithTimeout(ctx, StopTimeout)
	defer cancel()
	_ = c.driver.Stop(stopCtx, name)

	c.releaseVolumes(vm)
	c.flushConsole(vm.UUID)

	// The record keeps state=migrate until the target has booted the
	// domain and settles it back to start.
	c.updateVM(vm.UUID, func(v *types.VM) {
		v.Node = target
		if !v.Move && !(v.Force && v.PreviousNode != "") {
			v.PreviousNode = c.cfg.Self
		}
	})
	c.logger.Info().Str("vm", vm.UUID).Str("target", target).Msg("cold move handed off")
}

func (c *Controller) unmigrate(ctx context.Context, rec *kv.Record, vm *types.VM, name string) {
	target := vm.PreviousNode

	// If the previous node is no longer eligible, pick a fresh target.
	if !c.nodeReady(target) {
		probe := *vm
		if probe.Meta.Selector == "" {
			probe.Meta.Selector = c.cfg.DefaultSelector
		}
		fresh, err := placement.SelectExcluding(c.kv, &probe, c.cfg.Self)
		if err != nil {
			c.reportError(vm, err)
			return
		}
		target = fresh
	}

	select {
	case c.migrationSlot <- struct{}{}:
	default:
		return
	}
	defer func() { <-c.migrationSlot }()

	if !c.claimMigration(rec, vm) {
		return
	}

	if vm.Meta.MigrationMethod == types.MigrationShutdown {
		c.coldMove(ctx, vm, name, target)
		c.updateVM(vm.UUID, func(v *types.VM) {
			if !v.Force {
				v.PreviousNode = ""
			}
		})
		return
	}

	targetAddr, err := c.clusterAddrOf(target)
	if err != nil {
		c.settleMigration(vm.UUID)
		c.reportError(vm, err)
		return
	}

	migCtx, cancel := context.WithTimeout(ctx, MigrateTimeout)
	defer cancel()
	if err := c.driver.Migrate(migCtx, name, targetAddr); err != nil {
		c.settleMigration(vm.UUID)
		c.reportError(vm, fmt.Errorf("unmigrate to %s: %w", target, err))
		return
	}

	c.transferVolumeLocks(vm, target)
	c.finishMigration(vm.UUID, target, true)
	c.flushConsole(vm.UUID)
	c.logger.Info().Str("vm", vm.UUID).Str("target", target).Msg("unmigrate complete")
}

// evacuate is the flush path: live-migrate the domain off this node,
// falling back when no target is eligible.
func (c *Controller) evacuate(ctx context.Context, rec *kv.Record, vm *types.VM, name string, running bool) {
	if !running {
		return
	}

	probe := *vm
	if probe.Meta.Selector == "" {
		probe.Meta.Selector = c.cfg.DefaultSelector
	}
	target, err := placement.Select(c.kv, &probe)
	if err != nil {
		if _, ok := err.(*placement.NoEligibleTarget); ok {
			if vm.Meta.MigrationMethod == types.MigrationShutdown {
				c.logger.Warn().Str("vm", vm.UUID).Msg("no flush target, powering off")
				stopCtx, cancel := context.WithTimeout(ctx, StopTimeout)
				defer cancel()
				_ = c.driver.Shutdown(ctx, name)
				_ = c.driver.Stop(stopCtx, name)
				c.releaseVolumes(vm)
				c.flushConsole(vm.UUID)
				c.casVM(rec, vm, func(v *types.VM) { v.State = types.VMStop })
				return
			}
			c.reportError(vm, err)
			return
		}
		return
	}

	c.migrateOut(ctx, rec, vm, name, target)
}

// claimMigration serializes operations on a VM by CASing its migrating
// field to this node's name.
func (c *Controller) claimMigration(rec *kv.Record, vm *types.VM) bool {
	if vm.Migrating != "" && vm.Migrating != c.cfg.Self {
		return false
	}
	if vm.Migrating == c.cfg.Self {
		return true
	}
	claimed := *vm
	claimed.Migrating = c.cfg.Self
	if err := c.kv.CAS("domains/"+vm.UUID, rec.Version, &claimed); err != nil {
		return false
	}
	vm.Migrating = c.cfg.Self
	return true
}

// finishMigration records the new owner and settles the record back to
// start, honoring the force/move tracking rules.
func (c *Controller) finishMigration(uuid, target string, isUnmigrate bool) {
	c.updateVM(uuid, func(v *types.VM) {
		if isUnmigrate {
			v.Node = target
			if !v.Force {
				v.PreviousNode = ""
			}
		} else {
			if !v.Move && !(v.Force && v.PreviousNode != "") {
				v.PreviousNode = c.cfg.Self
			}
			v.Node = target
		}
		v.State = types.VMStart
		v.Migrating = ""
		v.Move = false
	})
}

// settleMigration clears a held migrating claim after a failed or
// completed operation.
func (c *Controller) settleMigration(uuid string) {
	c.updateVM(uuid, func(v *types.VM) {
		if v.State == types.VMMigrate {
			v.State = types.VMStart
		}
		v.Migrating = ""
	})
}

// updateVM is read-modify-CAS with one conflict retry.
func (c *Controller) updateVM(uuid string, mutate func(*types.VM)) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := c.kv.Get("domains/" + uuid)
		if err != nil {
			return
		}
		var v types.VM
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return
		}
		mutate(&v)
		if err := c.kv.CAS("domains/"+uuid, rec.Version, &v); err == nil {
			return
		}
	}
}

func (c *Controller) casVM(rec *kv.Record, vm *types.VM, mutate func(*types.VM)) {
	next := *vm
	mutate(&next)
	if err := c.kv.CAS("domains/"+vm.UUID, rec.Version, &next); err != nil {
		c.updateVM(vm.UUID, mutate)
	}
}

func (c *Controller) fail(rec *kv.Record, vm *types.VM, cause error) {
	c.logger.Error().Err(cause).Str("vm", vm.UUID).Msg("domain failed")
	c.casVM(rec, vm, func(v *types.VM) { v.State = types.VMFail })
	c.reportError(vm, cause)
}

// reportError surfaces a reconciliation failure as a task record so the
// operator sees it.
func (c *Controller) reportError(vm *types.VM, cause error) {
	id := uuid.New().String()
	err := task.Submit(c.kv, id, "vm.error", map[string]string{
		"vm":      vm.UUID,
		"node":    c.cfg.Self,
		"message": cause.Error(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("vm", vm.UUID).Msg("error task submission failed")
	}
}

func (c *Controller) releaseVolumes(vm *types.VM) {
	for _, vol := range DefinitionVolumes(vm.Definition) {
		if err := c.volumes.Unlock(vol); err != nil {
			c.logger.Warn().Err(err).Str("volume", vol).Msg("unlock failed")
		}
	}
}

// transferVolumeLocks rebinds each volume lock to the live-migration
// target; the domain never stopped, so the lock must follow it rather
// than be released.
func (c *Controller) transferVolumeLocks(vm *types.VM, target string) {
	for _, vol := range DefinitionVolumes(vm.Definition) {
		rec, err := c.kv.Get("storage/volume/" + vol)
		if err != nil {
			continue
		}
		var v types.StorageVolume
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			continue
		}
		if v.LockedBy != c.cfg.Self {
			continue
		}
		v.LockedBy = target
		if err := c.kv.CAS("storage/volume/"+vol, rec.Version, &v); err != nil {
			c.logger.Warn().Err(err).Str("volume", vol).Msg("lock transfer failed")
		}
	}
}

func (c *Controller) clusterAddrOf(nodeName string) (string, error) {
	rec, err := c.kv.Get("nodes/" + nodeName)
	if err != nil {
		return "", err
	}
	var n types.Node
	if err := json.Unmarshal(rec.Value, &n); err != nil {
		return "", err
	}
	if n.ClusterAddr == "" {
		return "", fmt.Errorf("node %s has no cluster address", nodeName)
	}
	return n.ClusterAddr, nil
}

func (c *Controller) nodeReady(nodeName string) bool {
	rec, err := c.kv.Get("nodes/" + nodeName)
	if err != nil {
		return false
	}
	var n types.Node
	if err := json.Unmarshal(rec.Value, &n); err != nil {
		return false
	}
	return n.DaemonState == types.DaemonRun && n.DomainState == types.DomainReady
}

func (c *Controller) collectConsole(vm *types.VM, name string) {
	lines, err := c.driver.ConsoleOutput(name)
	if err != nil || len(lines) == 0 {
		return
	}
	ring, ok := c.consoles[vm.UUID]
	if !ok {
		id := vm.UUID
		ring = newConsoleRing(c.cfg.ConsoleLogLines, func(snapshot []types.ConsoleLogLine) {
			c.updateVM(id, func(v *types.VM) { v.ConsoleLog = snapshot })
		})
		c.consoles[vm.UUID] = ring
	}
	ring.Append(lines)
}

func (c *Controller) flushConsole(uuid string) {
	if ring, ok := c.consoles[uuid]; ok {
		ring.Flush()
	}
}

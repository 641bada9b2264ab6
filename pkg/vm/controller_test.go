package vm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv/kvtest"
	"github.com/parallelvirtualcluster/pvc/pkg/node"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"github.com/parallelvirtualcluster/pvc/pkg/volume"
)

type fakeHypervisor struct {
	mu       sync.Mutex
	defined  map[string]bool
	running  map[string]bool
	startErr error

	migrations []string // "name->addr"
	shutdowns  []string
	stops      []string
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{defined: map[string]bool{}, running: map[string]bool{}}
}

func (d *fakeHypervisor) Define(ctx context.Context, definition string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defined[DefinitionName(definition)] = true
	return nil
}

func (d *fakeHypervisor) Start(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.running[name] = true
	return nil
}

func (d *fakeHypervisor) Shutdown(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns = append(d.shutdowns, name)
	d.running[name] = false
	return nil
}

func (d *fakeHypervisor) Stop(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops = append(d.stops, name)
	d.running[name] = false
	return nil
}

func (d *fakeHypervisor) Undefine(ctx context.Context, name string) error { return nil }

func (d *fakeHypervisor) IsRunning(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[name], nil
}

func (d *fakeHypervisor) Migrate(ctx context.Context, name, targetAddr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.migrations = append(d.migrations, name+"->"+targetAddr)
	d.running[name] = false
	return nil
}

func (d *fakeHypervisor) ConsoleOutput(name string) ([]string, error) { return nil, nil }

const testDef = `<domain><name>v1</name><memory unit='MiB'>1024</memory><vcpu>2</vcpu>` +
	`<devices><disk><source name='vms/vol1'/></disk></devices></domain>`

type fixture struct {
	kv      *kvtest.Fake
	driver  *fakeHypervisor
	ctrl    *Controller
	machine *node.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := kvtest.NewFake()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	volDriver, err := volume.NewLocalDriver(t.TempDir())
	require.NoError(t, err)
	vols := volume.New("hv1", fake, bus, volDriver)

	machine := node.New("hv1", fake, bus)
	driver := newFakeHypervisor()

	ctrl := New(Config{
		Self:            "hv1",
		ShutdownTimeout: 0, // escalate immediately in tests
		ConsoleLogLines: 100,
		DefaultSelector: types.SelectorMem,
	}, fake, bus, driver, vols, machine)

	kvtest.MustPut(t, fake, "nodes/hv1", &types.Node{
		Name: "hv1", DaemonState: types.DaemonRun, DomainState: types.DomainReady, ClusterAddr: "10.0.1.1",
	})
	kvtest.MustPut(t, fake, "storage/volume/vms/vol1", &types.StorageVolume{Name: "vms/vol1", Pool: "vms"})

	return &fixture{kv: fake, driver: driver, ctrl: ctrl, machine: machine}
}

func (f *fixture) addPeer(t *testing.T, name string, memAllocated int64) {
	t.Helper()
	kvtest.MustPut(t, f.kv, "nodes/"+name, &types.Node{
		Name: name, DaemonState: types.DaemonRun, DomainState: types.DomainReady,
		ClusterAddr: "10.0.1.2", MemAllocated: memAllocated,
	})
}

func (f *fixture) getVM(t *testing.T, uuid string) types.VM {
	t.Helper()
	var v types.VM
	kvtest.MustGet(t, f.kv, "domains/"+uuid, &v)
	return v
}

func TestStartAcquiresLocksAndBoots(t *testing.T) {
	f := newFixture(t)
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMStart, Node: "hv1",
	})

	f.ctrl.reconcile(context.Background())

	assert.True(t, f.driver.defined["v1"])
	assert.True(t, f.driver.running["v1"])

	var vol types.StorageVolume
	kvtest.MustGet(t, f.kv, "storage/volume/vms/vol1", &vol)
	assert.Equal(t, "hv1", vol.LockedBy, "the storage lock precedes the boot")
}

func TestStartFailureSetsFailAndReportsTask(t *testing.T) {
	f := newFixture(t)
	f.driver.startErr = errors.New("qemu refused")
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMStart, Node: "hv1",
	})

	f.ctrl.reconcile(context.Background())

	assert.Equal(t, types.VMFail, f.getVM(t, "v1").State)

	tasks, err := f.kv.List("tasks")
	require.NoError(t, err)
	require.Len(t, tasks, 1, "the failure surfaces as a task record")
}

func TestShutdownEscalatesToForceStop(t *testing.T) {
	f := newFixture(t)
	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMShutdown, Node: "hv1",
	})

	// Make the guest ignore the graceful signal.
	f.ctrl.reconcile(context.Background())
	f.driver.mu.Lock()
	f.driver.running["v1"] = true
	f.driver.mu.Unlock()
	require.NotEmpty(t, f.driver.shutdowns)

	// Past the timeout the stop is forced...
	f.ctrl.reconcile(context.Background())
	assert.NotEmpty(t, f.driver.stops)

	// ...and once observed down, the record settles to stop.
	f.ctrl.reconcile(context.Background())
	assert.Equal(t, types.VMStop, f.getVM(t, "v1").State)
}

func TestMigrateFromSource(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, "hv2", 0)
	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMMigrate, Node: "hv2",
	})
	// This node holds the volume lock from when it ran the domain.
	var vol types.StorageVolume
	kvtest.MustGet(t, f.kv, "storage/volume/vms/vol1", &vol)
	vol.LockedBy = "hv1"
	kvtest.MustPut(t, f.kv, "storage/volume/vms/vol1", &vol)

	f.ctrl.reconcile(context.Background())

	require.Equal(t, []string{"v1->10.0.1.2"}, f.driver.migrations)

	v := f.getVM(t, "v1")
	assert.Equal(t, "hv2", v.Node)
	assert.Equal(t, "hv1", v.PreviousNode)
	assert.Equal(t, types.VMStart, v.State)
	assert.Empty(t, v.Migrating)

	kvtest.MustGet(t, f.kv, "storage/volume/vms/vol1", &vol)
	assert.Equal(t, "hv2", vol.LockedBy, "a live migration hands the lock over")
}

func TestForcedMigratePreservesPreviousNode(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, "hv3", 0)
	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMMigrate,
		Node: "hv3", PreviousNode: "n0", Force: true,
	})

	f.ctrl.reconcile(context.Background())

	v := f.getVM(t, "v1")
	assert.Equal(t, "hv3", v.Node)
	assert.Equal(t, "n0", v.PreviousNode, "force keeps the original previous_node")
}

func TestMoveLeavesNoTrack(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, "hv2", 0)
	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMMigrate,
		Node: "hv2", Move: true,
	})

	f.ctrl.reconcile(context.Background())

	v := f.getVM(t, "v1")
	assert.Equal(t, "hv2", v.Node)
	assert.Empty(t, v.PreviousNode, "a move is not trackable")
	assert.False(t, v.Move)
}

func TestUnmigrateReturnsHome(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, "hv2", 0)
	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMUnmigrate,
		Node: "hv1", PreviousNode: "hv2",
	})

	f.ctrl.reconcile(context.Background())

	v := f.getVM(t, "v1")
	assert.Equal(t, "hv2", v.Node)
	assert.Empty(t, v.PreviousNode)
	assert.Equal(t, types.VMStart, v.State)
}

func TestUnmigrateWithForceKeepsPreviousNode(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, "hv2", 0)
	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMUnmigrate,
		Node: "hv1", PreviousNode: "hv2", Force: true,
	})

	f.ctrl.reconcile(context.Background())

	v := f.getVM(t, "v1")
	assert.Equal(t, "hv2", v.Node)
	assert.Equal(t, "hv2", v.PreviousNode)
}

func TestFlushEvacuatesAndCompletes(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, "hv2", 0)
	require.NoError(t, f.machine.Flush())

	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMStart, Node: "hv1",
	})

	f.ctrl.reconcile(context.Background())
	v := f.getVM(t, "v1")
	assert.Equal(t, "hv2", v.Node)
	assert.Equal(t, "hv1", v.PreviousNode, "flush migrations stay trackable for unflush")

	// The next pass observes an empty owned set and completes the flush.
	f.ctrl.reconcile(context.Background())
	var self types.Node
	kvtest.MustGet(t, f.kv, "nodes/hv1", &self)
	assert.Equal(t, types.DomainFlushed, self.DomainState)
}

func TestFlushWithoutTargetPowersOffShutdownMethod(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Flush())

	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMStart, Node: "hv1",
		Meta: types.DomainMeta{MigrationMethod: types.MigrationShutdown, NodeLimit: []string{"hv1"}},
	})

	f.ctrl.reconcile(context.Background())
	assert.Equal(t, types.VMStop, f.getVM(t, "v1").State)

	f.ctrl.reconcile(context.Background())
	var self types.Node
	kvtest.MustGet(t, f.kv, "nodes/hv1", &self)
	assert.Equal(t, types.DomainFlushed, self.DomainState)
}

func TestUnflushingSettlesToReady(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Flush())
	require.NoError(t, f.machine.FlushDone())
	require.NoError(t, f.machine.Unflush())

	f.ctrl.reconcile(context.Background())

	var self types.Node
	kvtest.MustGet(t, f.kv, "nodes/hv1", &self)
	assert.Equal(t, types.DomainReady, self.DomainState)
}

func TestMigrationSlotSerializes(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, "hv2", 0)

	// Occupy the slot; the reconcile pass must skip the migration and
	// leave the record unclaimed for the next pass.
	f.ctrl.migrationSlot <- struct{}{}

	f.driver.running["v1"] = true
	kvtest.MustPut(t, f.kv, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", Definition: testDef, State: types.VMMigrate, Node: "hv2",
	})

	f.ctrl.reconcile(context.Background())
	assert.Empty(t, f.driver.migrations)
	assert.Equal(t, types.VMMigrate, f.getVM(t, "v1").State)

	// Slot frees, next pass completes it.
	<-f.ctrl.migrationSlot
	f.ctrl.reconcile(context.Background())
	assert.Len(t, f.driver.migrations, 1)
}

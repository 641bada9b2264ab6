package fence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/kv/kvtest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

type stubFenceDriver struct {
	calls int
	fail  bool
}

func (d *stubFenceDriver) Fence(nodeName string) error {
	d.calls++
	if d.fail {
		return errors.New("management controller unreachable")
	}
	return nil
}

func fencingConfig(successful, failed string, suicide int) config.FencingConfig {
	return config.FencingConfig{
		FenceIntervals:   3,
		SuicideIntervals: suicide,
		Actions: config.FencingActions{
			SuccessfulFence: successful,
			FailedFence:     failed,
		},
	}
}

func seedDeadNodeCluster(t *testing.T, fake *kvtest.Fake) {
	t.Helper()
	kvtest.MustPut(t, fake, "nodes/n2", &types.Node{
		Name: "n2", DaemonState: types.DaemonRun, DomainState: types.DomainReady,
	})
	kvtest.MustPut(t, fake, "nodes/n1", &types.Node{
		Name: "n1", DaemonState: types.DaemonRun, DomainState: types.DomainReady, MemAllocated: 1024,
	})
	kvtest.MustPut(t, fake, "nodes/n3", &types.Node{
		Name: "n3", DaemonState: types.DaemonRun, DomainState: types.DomainReady, MemAllocated: 4096,
	})
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", State: types.VMStart, Node: "n2",
		Meta: types.DomainMeta{Selector: types.SelectorMem},
	})
	kvtest.MustPut(t, fake, "storage/volume/vol1", &types.StorageVolume{
		Name: "vol1", Pool: "vms", LockedBy: "n2", LockToken: "n2-vol1",
	})
}

func TestSuccessfulFenceMigratesOwnedVMs(t *testing.T) {
	fake := kvtest.NewFake()
	seedDeadNodeCluster(t, fake)
	driver := &stubFenceDriver{}
	c := New(fake, driver, fencingConfig(config.FenceActionMigrate, config.FenceActionNone, 0))

	c.HandleDead("n2")

	assert.Equal(t, 1, driver.calls)

	var n2 types.Node
	kvtest.MustGet(t, fake, "nodes/n2", &n2)
	assert.Equal(t, types.DaemonFenced, n2.DaemonState)
	assert.Equal(t, types.CoordinatorNone, n2.CoordinatorState)

	// The storage lock is cleared before the VM is handed to a new node.
	var vol types.StorageVolume
	kvtest.MustGet(t, fake, "storage/volume/vol1", &vol)
	assert.Empty(t, vol.LockedBy)
	assert.Empty(t, vol.LockToken)

	// mem selector: n1 (1024) beats n3 (4096).
	var v1 types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, "n1", v1.Node)
	assert.Equal(t, "n2", v1.PreviousNode)
	assert.Equal(t, types.VMStart, v1.State)
}

func TestSuccessfulFenceActionNoneLeavesVMs(t *testing.T) {
	fake := kvtest.NewFake()
	seedDeadNodeCluster(t, fake)
	c := New(fake, &stubFenceDriver{}, fencingConfig(config.FenceActionNone, config.FenceActionNone, 0))

	c.HandleDead("n2")

	var n2 types.Node
	kvtest.MustGet(t, fake, "nodes/n2", &n2)
	assert.Equal(t, types.DaemonFenced, n2.DaemonState)

	var v1 types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, "n2", v1.Node, "successful_fence=none leaves the VM where it was")
}

func TestFenceAbortsWhenPeerRaces(t *testing.T) {
	fake := kvtest.NewFake()
	seedDeadNodeCluster(t, fake)
	driver := &stubFenceDriver{}
	c := New(fake, driver, fencingConfig(config.FenceActionMigrate, config.FenceActionNone, 0))

	// The peer's keepalive lands between the fencer's read and its CAS to
	// dead; the fence must abort without touching the driver.
	fake.BeforeCAS = func(path string) {
		if path == "nodes/n2" {
			var n types.Node
			kvtest.MustGet(t, fake, "nodes/n2", &n)
			n.KeepaliveTS = 999
			kvtest.MustPut(t, fake, "nodes/n2", &n)
		}
	}

	require.Error(t, c.fence("n2"))
	assert.Zero(t, driver.calls, "driver must not fire after losing the race")

	var n2 types.Node
	kvtest.MustGet(t, fake, "nodes/n2", &n2)
	assert.Equal(t, types.DaemonRun, n2.DaemonState)
}

func TestFailedFenceActionNone(t *testing.T) {
	fake := kvtest.NewFake()
	seedDeadNodeCluster(t, fake)
	driver := &stubFenceDriver{fail: true}
	c := New(fake, driver, fencingConfig(config.FenceActionMigrate, config.FenceActionNone, 0))

	err := c.fence("n2")
	require.Error(t, err)
	assert.Equal(t, 3, driver.calls, "three attempts with backoff")

	// The peer is marked dead but never fenced, and its VM stays put.
	var n2 types.Node
	kvtest.MustGet(t, fake, "nodes/n2", &n2)
	assert.Equal(t, types.DaemonDead, n2.DaemonState)

	var v1 types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, "n2", v1.Node)
}

func TestFailedFenceMigrateRequiresSuicideIntervals(t *testing.T) {
	fake := kvtest.NewFake()
	seedDeadNodeCluster(t, fake)
	driver := &stubFenceDriver{fail: true}

	// Hazardous combination slipped past config validation: the fencer
	// itself must still refuse.
	c := New(fake, driver, fencingConfig(config.FenceActionMigrate, config.FenceActionMigrate, 0))
	err := c.fence("n2")
	require.Error(t, err)

	var v1 types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, "n2", v1.Node)
}

func TestFailedFenceMigrateWithSuicideTrustsSelfReboot(t *testing.T) {
	fake := kvtest.NewFake()
	seedDeadNodeCluster(t, fake)
	driver := &stubFenceDriver{fail: true}
	c := New(fake, driver, fencingConfig(config.FenceActionMigrate, config.FenceActionMigrate, 5))

	require.NoError(t, c.fence("n2"))

	var v1 types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, "n1", v1.Node, "explicitly enabled hazardous migrate still proceeds")
}

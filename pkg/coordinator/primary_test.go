package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/kv/kvtest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func testConfig() *config.Document {
	cfg := &config.Document{Node: "hv1", Role: types.RoleCoordinator}
	cfg.Cluster.Networks = config.ClusterNetworks{
		Upstream: config.NetworkBinding{Device: "eth0", Address: "192.168.1.10/24", FloatingIP: "192.168.1.2/24"},
		Cluster:  config.NetworkBinding{Device: "eth1", Address: "10.0.1.10/24", FloatingIP: "10.0.1.2/24"},
		Storage:  config.NetworkBinding{Device: "eth2", Address: "10.0.2.10/24", FloatingIP: "10.0.2.2/24"},
	}
	return cfg
}

func TestFloatingBindingsAllThreeNetworks(t *testing.T) {
	r := &Role{cfg: testConfig()}
	bindings := r.floatingBindings()
	require.Len(t, bindings, 3)
	assert.Equal(t, [2]string{"eth0", "192.168.1.2/24"}, bindings[0])
	assert.Equal(t, [2]string{"eth1", "10.0.1.2/24"}, bindings[1])
	assert.Equal(t, [2]string{"eth2", "10.0.2.2/24"}, bindings[2])
}

func TestFloatingBindingsCollapsedStorageBindsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Cluster.Networks.Storage = cfg.Cluster.Networks.Cluster

	r := &Role{cfg: cfg}
	bindings := r.floatingBindings()
	require.Len(t, bindings, 2, "a collapsed cluster/storage network must not bind twice")
}

func TestReturnUnflushedVMs(t *testing.T) {
	fake := kvtest.NewFake()
	r := New(testConfig(), fake, nil, nil, nil, nil, nil, nil)

	kvtest.MustPut(t, fake, "nodes/hv2", &types.Node{
		Name: "hv2", DaemonState: types.DaemonRun, DomainState: types.DomainUnflushing,
	})
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", State: types.VMStart, Node: "hv3", PreviousNode: "hv2",
	})
	kvtest.MustPut(t, fake, "domains/v2", &types.VM{
		UUID: "v2", State: types.VMStart, Node: "hv3", PreviousNode: "hv9",
	})

	// Tick 1 observes hv2 mid-unflush.
	r.returnUnflushedVMs()
	var v1 types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, types.VMStart, v1.State)

	// hv2 settles to ready; its VMs are sent home, others untouched.
	kvtest.MustPut(t, fake, "nodes/hv2", &types.Node{
		Name: "hv2", DaemonState: types.DaemonRun, DomainState: types.DomainReady,
	})
	r.returnUnflushedVMs()

	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, types.VMUnmigrate, v1.State)

	var v2 types.VM
	kvtest.MustGet(t, fake, "domains/v2", &v2)
	assert.Equal(t, types.VMStart, v2.State)
}

func TestReturnIgnoresSteadyReadyNodes(t *testing.T) {
	fake := kvtest.NewFake()
	r := New(testConfig(), fake, nil, nil, nil, nil, nil, nil)

	kvtest.MustPut(t, fake, "nodes/hv2", &types.Node{
		Name: "hv2", DaemonState: types.DaemonRun, DomainState: types.DomainReady,
	})
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", State: types.VMStart, Node: "hv3", PreviousNode: "hv2",
	})

	// A node that was already ready is not a just-finished unflush; the
	// VM keeps its previous_node for a later explicit unmigrate.
	r.returnUnflushedVMs()
	r.returnUnflushedVMs()

	var v1 types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v1)
	assert.Equal(t, types.VMStart, v1.State)
}

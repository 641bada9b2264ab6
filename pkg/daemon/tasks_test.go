package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv/kvtest"
	"github.com/parallelvirtualcluster/pvc/pkg/node"
	"github.com/parallelvirtualcluster/pvc/pkg/task"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func newTestDispatcher(t *testing.T) (*dispatcher, *kvtest.Fake) {
	t.Helper()
	fake := kvtest.NewFake()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	machine := node.New("hv1", fake, bus)
	kvtest.MustPut(t, fake, "nodes/hv1", &types.Node{
		Name: "hv1", DaemonState: types.DaemonRun, DomainState: types.DomainReady,
	})
	kvtest.MustPut(t, fake, "nodes/hv2", &types.Node{
		Name: "hv2", DaemonState: types.DaemonRun, DomainState: types.DomainReady, MemAllocated: 512,
	})

	return newDispatcher("hv1", fake, bus, machine, types.SelectorMem), fake
}

func getTask(t *testing.T, fake *kvtest.Fake, id string) types.Task {
	t.Helper()
	var tk types.Task
	kvtest.MustGet(t, fake, "tasks/"+id, &tk)
	return tk
}

func TestFlushTaskClaimedAndCompleted(t *testing.T) {
	d, fake := newTestDispatcher(t)
	require.NoError(t, task.Submit(fake, "t1", "node.flush", map[string]string{"node": "hv1"}))

	d.scan()
	tk := getTask(t, fake, "t1")
	assert.Equal(t, "hv1", tk.ClaimedBy)
	assert.Equal(t, types.TaskRunning, tk.State)

	var self types.Node
	kvtest.MustGet(t, fake, "nodes/hv1", &self)
	assert.Equal(t, types.DomainFlushing, self.DomainState)

	// Not yet flushed: the task stays running.
	d.settle()
	assert.Equal(t, types.TaskRunning, getTask(t, fake, "t1").State)

	// The placement controller empties the node and marks it flushed;
	// the next settle pass reports done.
	self.DomainState = types.DomainFlushed
	kvtest.MustPut(t, fake, "nodes/hv1", &self)
	d.settle()
	assert.Equal(t, types.TaskDone, getTask(t, fake, "t1").State)
}

func TestFlushTaskForOtherNodeIgnored(t *testing.T) {
	d, fake := newTestDispatcher(t)
	require.NoError(t, task.Submit(fake, "t1", "node.flush", map[string]string{"node": "hv2"}))

	d.scan()
	assert.Empty(t, getTask(t, fake, "t1").ClaimedBy)
}

func TestMigrateTaskSelectsTargetAndMarksVM(t *testing.T) {
	d, fake := newTestDispatcher(t)
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", State: types.VMStart, Node: "hv1",
	})
	require.NoError(t, task.Submit(fake, "t1", "vm.migrate", map[string]string{"vm": "v1", "force": "true"}))

	d.scan()

	var v types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v)
	assert.Equal(t, types.VMMigrate, v.State)
	assert.Equal(t, "hv2", v.Node, "selector picked the only peer")
	assert.True(t, v.Force)
	assert.False(t, v.Move)

	// Once the placement controller lands it, the task settles.
	v.State = types.VMStart
	v.Node = "hv2"
	kvtest.MustPut(t, fake, "domains/v1", &v)
	d.settle()
	assert.Equal(t, types.TaskDone, getTask(t, fake, "t1").State)
}

func TestMoveTaskSetsUntracked(t *testing.T) {
	d, fake := newTestDispatcher(t)
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", State: types.VMStart, Node: "hv1",
	})
	require.NoError(t, task.Submit(fake, "t1", "vm.move", map[string]string{"vm": "v1", "node": "hv2"}))

	d.scan()

	var v types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v)
	assert.Equal(t, types.VMMigrate, v.State)
	assert.True(t, v.Move)
}

func TestMigrateTaskRejectsStoppedVM(t *testing.T) {
	d, fake := newTestDispatcher(t)
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", State: types.VMStop, Node: "hv1",
	})
	require.NoError(t, task.Submit(fake, "t1", "vm.migrate", map[string]string{"vm": "v1"}))

	d.scan()

	tk := getTask(t, fake, "t1")
	assert.Equal(t, types.TaskFailed, tk.State)
	assert.Contains(t, tk.Message, "not running")
}

func TestUnmigrateTaskRequiresPreviousNode(t *testing.T) {
	d, fake := newTestDispatcher(t)
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", State: types.VMStart, Node: "hv1",
	})
	require.NoError(t, task.Submit(fake, "t1", "vm.unmigrate", map[string]string{"vm": "v1"}))

	d.scan()

	tk := getTask(t, fake, "t1")
	assert.Equal(t, types.TaskFailed, tk.State)
	assert.Contains(t, tk.Message, "no previous node")
}

func TestFailedVMFailsTheTask(t *testing.T) {
	d, fake := newTestDispatcher(t)
	kvtest.MustPut(t, fake, "domains/v1", &types.VM{
		UUID: "v1", Name: "v1", State: types.VMStart, Node: "hv1",
	})
	require.NoError(t, task.Submit(fake, "t1", "vm.migrate", map[string]string{"vm": "v1", "node": "hv2"}))

	d.scan()

	var v types.VM
	kvtest.MustGet(t, fake, "domains/v1", &v)
	v.State = types.VMFail
	kvtest.MustPut(t, fake, "domains/v1", &v)

	d.settle()
	assert.Equal(t, types.TaskFailed, getTask(t, fake, "t1").State)
}

package cluster

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/storage"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func newFSM(t *testing.T) (*FSM, storage.Store, *[]string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var published []string
	fsm := NewFSM(store, func(kind, key string) {
		published = append(published, kind+"/"+key)
	})
	return fsm, store, &published
}

func applyCommand(t *testing.T, fsm *FSM, op Op, data any) ApplyResult {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(Command{Op: op, Data: payload})
	require.NoError(t, err)

	res, ok := fsm.Apply(&raft.Log{Data: raw}).(ApplyResult)
	require.True(t, ok)
	return res
}

func TestApplyPutAndDelete(t *testing.T) {
	fsm, store, published := newFSM(t)

	res := applyCommand(t, fsm, OpPutNode, &types.Node{Name: "n1", DaemonState: types.DaemonInit})
	require.NoError(t, res.Err)

	n, err := store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.DaemonInit, n.DaemonState)
	assert.Equal(t, []string{"node/n1"}, *published)

	res = applyCommand(t, fsm, OpDeleteNode, "n1")
	require.NoError(t, res.Err)
	_, err = store.GetNode("n1")
	assert.Error(t, err)
}

func TestApplyCASConflictSurfacesThroughResult(t *testing.T) {
	fsm, store, _ := newFSM(t)

	require.NoError(t, applyCommand(t, fsm, OpPutVM, &types.VM{UUID: "v1", State: types.VMStop}).Err)
	v, err := store.GetVM("v1")
	require.NoError(t, err)

	updated := *v
	updated.State = types.VMStart
	raw, err := json.Marshal(&updated)
	require.NoError(t, err)

	res := applyCommand(t, fsm, OpCASVM, casEnvelope{Key: "v1", ExpectedVersion: v.Version, Record: raw})
	require.NoError(t, res.Err)

	// Replaying against the stale version is a conflict, not a crash.
	res = applyCommand(t, fsm, OpCASVM, casEnvelope{Key: "v1", ExpectedVersion: v.Version, Record: raw})
	var conflict *storage.ErrVersionConflict
	require.ErrorAs(t, res.Err, &conflict)
}

func TestSnapshotRestoreRoundtrip(t *testing.T) {
	fsm, _, _ := newFSM(t)
	require.NoError(t, applyCommand(t, fsm, OpPutNode, &types.Node{Name: "n1", DaemonState: types.DaemonRun}).Err)
	require.NoError(t, applyCommand(t, fsm, OpPutVM, &types.VM{UUID: "v1", Name: "v1", State: types.VMStart, Node: "n1"}).Err)
	require.NoError(t, applyCommand(t, fsm, OpPutVolume, &types.StorageVolume{Name: "vol1", Pool: "vms"}).Err)

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &memorySink{Buffer: &buf}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	// Restore into a fresh FSM over an empty store.
	fresh, store2, _ := newFSM(t)
	require.NoError(t, fresh.Restore(io.NopCloser(&buf)))

	n, err := store2.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, types.DaemonRun, n.DaemonState)

	v, err := store2.GetVM("v1")
	require.NoError(t, err)
	assert.Equal(t, "n1", v.Node)

	vol, err := store2.GetVolume("vol1")
	require.NoError(t, err)
	assert.Equal(t, "vms", vol.Pool)
}

// memorySink satisfies raft.SnapshotSink over a bytes.Buffer.
type memorySink struct {
	*bytes.Buffer
}

func (s *memorySink) ID() string    { return "test-snapshot" }
func (s *memorySink) Cancel() error { return nil }
func (s *memorySink) Close() error  { return nil }

package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/kv/kvtest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func TestSubmitAndClaim(t *testing.T) {
	fake := kvtest.NewFake()
	require.NoError(t, Submit(fake, "t1", "vm.migrate", map[string]string{"vm": "v1"}))

	claimed, ok, err := Claim(fake, "t1", "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n1", claimed.ClaimedBy)
	assert.Equal(t, types.TaskRunning, claimed.State)

	// A second claimant is refused.
	_, ok, err = Claim(fake, "t1", "n2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Re-claiming by the same owner is idempotent.
	_, ok, err = Claim(fake, "t1", "n1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimUnclaimed(t *testing.T) {
	fake := kvtest.NewFake()
	require.NoError(t, Submit(fake, "t1", "storage.volume_add", map[string]string{"name": "vol1"}))
	require.NoError(t, Submit(fake, "t2", "vm.migrate", nil))

	claimed, err := ClaimUnclaimed(fake, "storage.volume_add", "n1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "t1", claimed.UUID)

	// Nothing of that op left.
	claimed, err = ClaimUnclaimed(fake, "storage.volume_add", "n1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteAndFail(t *testing.T) {
	fake := kvtest.NewFake()
	require.NoError(t, Submit(fake, "t1", "node.flush", map[string]string{"node": "n1"}))
	claimed, ok, err := Claim(fake, "t1", "n1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, Complete(fake, claimed, "flushed"))
	var done types.Task
	kvtest.MustGet(t, fake, "tasks/t1", &done)
	assert.Equal(t, types.TaskDone, done.State)
	assert.Equal(t, "flushed", done.Message)

	require.NoError(t, Submit(fake, "t2", "node.flush", nil))
	claimed2, _, err := Claim(fake, "t2", "n1")
	require.NoError(t, err)
	require.NoError(t, Fail(fake, claimed2, errors.New("no eligible target")))

	var failed types.Task
	kvtest.MustGet(t, fake, "tasks/t2", &failed)
	assert.Equal(t, types.TaskFailed, failed.State)
	assert.Contains(t, failed.Message, "no eligible target")
}

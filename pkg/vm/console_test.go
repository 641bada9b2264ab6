package vm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func TestConsoleRingBound(t *testing.T) {
	var published [][]types.ConsoleLogLine
	r := newConsoleRing(10, func(lines []types.ConsoleLogLine) {
		published = append(published, lines)
	})

	var batch []string
	for i := 0; i < 25; i++ {
		batch = append(batch, fmt.Sprintf("line %d", i))
	}
	r.Append(batch)
	// 25 lines stay below flushEvery; the explicit flush publishes them.
	r.Flush()

	require.NotEmpty(t, published)
	last := published[len(published)-1]
	assert.Len(t, last, 10, "ring keeps at most its bound")
	assert.Equal(t, "line 24", last[len(last)-1].Text)
	assert.Equal(t, uint64(25), last[len(last)-1].Seq)
}

func TestConsoleRingCoalescesWrites(t *testing.T) {
	publishes := 0
	r := newConsoleRing(1000, func([]types.ConsoleLogLine) { publishes++ })

	// Below the flush threshold nothing is published.
	r.Append([]string{"a", "b", "c"})
	assert.Zero(t, publishes)

	// Crossing the threshold publishes exactly once.
	var batch []string
	for i := 0; i < flushEvery; i++ {
		batch = append(batch, "x")
	}
	r.Append(batch)
	assert.Equal(t, 1, publishes)

	// An explicit flush with nothing pending is a no-op.
	r.Flush()
	assert.Equal(t, 1, publishes)

	// A state change flushes whatever is pending.
	r.Append([]string{"tail"})
	r.Flush()
	assert.Equal(t, 2, publishes)
}

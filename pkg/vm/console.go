package vm

import (
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// flushEvery is how many appended lines accumulate before the ring is
// handed to its publish hook; writes are coalesced so a chatty guest
// does not hot-spot the KV store.
const flushEvery = 32

// consoleRing is the bounded per-VM console buffer. Not safe
// for concurrent use; the controller owns one per running VM on its
// single reconciliation goroutine.
type consoleRing struct {
	max     int
	seq     uint64
	lines   []types.ConsoleLogLine
	pending int
	publish func([]types.ConsoleLogLine)
}

func newConsoleRing(max int, publish func([]types.ConsoleLogLine)) *consoleRing {
	if max <= 0 {
		max = 1000
	}
	return &consoleRing{max: max, publish: publish}
}

// Append adds lines, evicting the oldest beyond the bound, and flushes
// once enough have accumulated.
func (r *consoleRing) Append(texts []string) {
	if len(texts) == 0 {
		return
	}
	now := time.Now()
	for _, t := range texts {
		r.seq++
		r.lines = append(r.lines, types.ConsoleLogLine{Seq: r.seq, Time: now, Text: t})
	}
	if over := len(r.lines) - r.max; over > 0 {
		r.lines = r.lines[over:]
	}
	r.pending += len(texts)
	if r.pending >= flushEvery {
		r.Flush()
	}
}

// Flush publishes the current ring contents if anything changed since
// the last publish. Also called on every VM state change.
func (r *consoleRing) Flush() {
	if r.pending == 0 || r.publish == nil {
		return
	}
	snapshot := make([]types.ConsoleLogLine, len(r.lines))
	copy(snapshot, r.lines)
	r.publish(snapshot)
	r.pending = 0
}

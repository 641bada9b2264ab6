package keepalive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv/kvtest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

type stubSampler struct{}

func (stubSampler) Load() float64       { return 1.25 }
func (stubSampler) MemTotal() int64     { return 32768 }
func (stubSampler) MemUsed() int64      { return 8192 }
func (stubSampler) MemAllocated() int64 { return 4096 }
func (stubSampler) VCPUsAllocated() int { return 8 }
func (stubSampler) VMCount() int        { return 3 }

type stubPlugin struct {
	name  string
	delta int
	sleep time.Duration
}

func (p stubPlugin) Name() string { return p.name }
func (p stubPlugin) Run(ctx context.Context, cs types.CoordinatorState) types.PluginResult {
	if p.sleep > 0 {
		select {
		case <-time.After(p.sleep):
		case <-ctx.Done():
			// Keep sleeping past the deadline: a misbehaved probe does not
			// honor cancellation.
			time.Sleep(p.sleep)
		}
	}
	return types.PluginResult{Name: p.name, Delta: p.delta, Message: "ok"}
}

type recordingFencer struct{ dead []string }

func (f *recordingFencer) HandleDead(name string) { f.dead = append(f.dead, name) }

func newEngine(t *testing.T, cfg Config, plugins ...Plugin) (*Engine, *kvtest.Fake) {
	t.Helper()
	fake := kvtest.NewFake()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	kvtest.MustPut(t, fake, "nodes/"+cfg.Self, &types.Node{
		Name: cfg.Self, DaemonState: types.DaemonRun, DomainState: types.DomainReady,
	})

	e := New(cfg, fake, bus, stubSampler{}, func() []Plugin { return plugins })
	return e, fake
}

func TestTickPublishesTelemetry(t *testing.T) {
	cfg := Config{Self: "hv1", Interval: time.Second, FenceIntervals: 3, PluginDeadline: 2 * time.Second}
	e, fake := newEngine(t, cfg, stubPlugin{name: "disk", delta: 5})

	e.tick(context.Background())

	var n types.Node
	kvtest.MustGet(t, fake, "nodes/hv1", &n)
	assert.NotZero(t, n.KeepaliveTS)
	assert.Equal(t, 1.25, n.Load)
	assert.Equal(t, int64(4096), n.MemAllocated)
	assert.Equal(t, 3, n.VMCount)
	assert.Equal(t, 5, n.HealthDelta)
	require.Len(t, n.PluginResults, 1)
	assert.Equal(t, 95, n.Healthy())
}

func TestPluginTimeoutRecordedWithoutDelta(t *testing.T) {
	cfg := Config{Self: "hv1", Interval: time.Second, FenceIntervals: 3, PluginDeadline: 50 * time.Millisecond}
	e, fake := newEngine(t, cfg,
		stubPlugin{name: "fast", delta: 10},
		stubPlugin{name: "slow", delta: 40, sleep: 5 * time.Second},
	)

	start := time.Now()
	e.tick(context.Background())
	assert.Less(t, time.Since(start), time.Second, "tick must not wait out a sleeping plugin")

	var n types.Node
	kvtest.MustGet(t, fake, "nodes/hv1", &n)
	assert.Equal(t, 10, n.HealthDelta, "the timed-out plugin's delta is dropped")

	var slow types.PluginResult
	for _, r := range n.PluginResults {
		if r.Name == "slow" {
			slow = r
		}
	}
	assert.True(t, slow.TimedOut)
}

func TestPeerConfirmedDeadReachesFencer(t *testing.T) {
	cfg := Config{Self: "hv1", Interval: time.Millisecond, FenceIntervals: 1, PluginDeadline: time.Second}
	e, fake := newEngine(t, cfg)
	fencer := &recordingFencer{}
	e.SetFencer(fencer)

	kvtest.MustPut(t, fake, "nodes/hv2", &types.Node{
		Name: "hv2", DaemonState: types.DaemonRun, KeepaliveTS: 12345,
	})

	// First evaluation records the observation instant.
	e.evaluatePeers()
	assert.Empty(t, fencer.dead)

	// Past interval*(fence_intervals+6) with no new timestamp the peer is
	// confirmed dead exactly once.
	time.Sleep(20 * time.Millisecond)
	e.evaluatePeers()
	e.evaluatePeers()
	assert.Equal(t, []string{"hv2"}, fencer.dead)
}

func TestPeerRecoveryClearsSuspicion(t *testing.T) {
	cfg := Config{Self: "hv1", Interval: time.Millisecond, FenceIntervals: 1, PluginDeadline: time.Second}
	e, fake := newEngine(t, cfg)
	fencer := &recordingFencer{}
	e.SetFencer(fencer)

	kvtest.MustPut(t, fake, "nodes/hv2", &types.Node{
		Name: "hv2", DaemonState: types.DaemonRun, KeepaliveTS: 1,
	})
	e.evaluatePeers()
	time.Sleep(20 * time.Millisecond)

	// A fresh timestamp lands just before the re-evaluation: the
	// observation clock resets and nothing is fenced.
	kvtest.MustPut(t, fake, "nodes/hv2", &types.Node{
		Name: "hv2", DaemonState: types.DaemonRun, KeepaliveTS: 2,
	})
	e.evaluatePeers()
	assert.Empty(t, fencer.dead)
}

func TestSuicideDisabledNeverReboots(t *testing.T) {
	rebooted := false

	cfg := Config{Self: "hv1", Interval: time.Second, FenceIntervals: 3, SuicideIntervals: 0, PluginDeadline: time.Second}
	e, _ := newEngine(t, cfg)
	e.SetRebooter(func() { rebooted = true })

	e.missedSelf = 1000
	e.checkSuicide()
	assert.False(t, rebooted, "suicide_intervals=0 must never reboot")
}

func TestSuicideFiresAfterMissCount(t *testing.T) {
	rebooted := false

	cfg := Config{Self: "hv1", Interval: time.Second, FenceIntervals: 3, SuicideIntervals: 3, PluginDeadline: time.Second}
	e, _ := newEngine(t, cfg)
	e.SetRebooter(func() { rebooted = true })

	e.missedSelf = 3
	e.checkSuicide()
	assert.False(t, rebooted, "at the threshold, not past it")

	e.missedSelf = 4
	e.checkSuicide()
	assert.True(t, rebooted)
}

func TestSuicideDefaultRefusesBlindReboot(t *testing.T) {
	cfg := Config{Self: "hv1", Interval: time.Second, FenceIntervals: 3, SuicideIntervals: 1, PluginDeadline: time.Second}
	e, _ := newEngine(t, cfg)

	// No rebooter wired: the default must only refuse and log, never
	// panic or exit the process.
	e.missedSelf = 2
	e.checkSuicide()
}

func TestTickSkipsWhenKVUnavailable(t *testing.T) {
	cfg := Config{Self: "hv1", Interval: time.Second, FenceIntervals: 3, PluginDeadline: time.Second}
	e, fake := newEngine(t, cfg)
	fake.SetAvailable(false)

	e.tick(context.Background())

	var n types.Node
	kvtest.MustGet(t, fake, "nodes/hv1", &n)
	assert.Zero(t, n.KeepaliveTS, "writes pause while kv_available is false")
}

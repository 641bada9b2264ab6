// Package keepalive implements the single liveness ticker: it
// samples local health every interval, publishes the result to this
// node's own KV record, and evaluates every peer's staleness to decide
// suspect/confirmed-dead status (and, on the primary, hand confirmed-dead
// peers to the fence controller).
package keepalive

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Sampler gathers the local resource figures the tick publishes. The
// production implementation reads these from the hypervisor driver and
// /proc; it is an interface here so the engine can be tested without one.
type Sampler interface {
	Load() float64
	MemTotal() int64
	MemUsed() int64
	MemAllocated() int64
	VCPUsAllocated() int
	VMCount() int
}

// Plugin is the health-plugin host ABI surface the engine invokes each
// tick, bounded by the total deadline.
type Plugin interface {
	Name() string
	Run(ctx context.Context, coordinatorState types.CoordinatorState) types.PluginResult
}

// Fencer receives confirmed-dead peers. Only bound when this node is
// primary; see pkg/fence.
type Fencer interface {
	HandleDead(nodeName string)
}

// Config tunes the engine from the timers/fencing config.
type Config struct {
	Self              string
	Interval          time.Duration
	FenceIntervals    int
	SuicideIntervals  int
	PluginDeadline    time.Duration
}

const deadGraceTicks = 6

// Engine runs the keepalive ticker.
type Engine struct {
	cfg     Config
	kv      kv.Client
	bus     *events.Broker
	sampler Sampler
	plugins func() []Plugin // re-consulted each tick so directory-dropped plugins join live

	mu         sync.RWMutex
	fencer     Fencer // nil unless this node is primary
	coordState types.CoordinatorState
	reboot     func() // hard reset via the management controller

	lastSelfWriteOK time.Time
	missedSelf      int

	// observedAt tracks, per peer, the monotonic instant this node last
	// saw a change to keepalive_ts — this node's own
	// observation, never the peer's clock, tolerating skew.
	observedAt map[string]time.Time
	lastTS     map[string]int64
	suspect    map[string]bool
	confirmed  map[string]bool
}

// New creates a keepalive engine. plugins is consulted each tick;
// SetFencer may be called later when this node acquires the primary
// lease.
func New(cfg Config, client kv.Client, bus *events.Broker, sampler Sampler, plugins func() []Plugin) *Engine {
	if plugins == nil {
		plugins = func() []Plugin { return nil }
	}
	return &Engine{
		cfg:        cfg,
		kv:         client,
		bus:        bus,
		sampler:    sampler,
		plugins:    plugins,
		coordState: types.CoordinatorNone,
		reboot:     refuseBlindReboot,
		observedAt: map[string]time.Time{},
		lastTS:     map[string]int64{},
		suspect:    map[string]bool{},
		confirmed:  map[string]bool{},
	}
}

// SetFencer attaches or detaches the fence controller as this node gains
// or loses the primary lease.
func (e *Engine) SetFencer(f Fencer) {
	e.mu.Lock()
	e.fencer = f
	e.mu.Unlock()
}

// SetCoordinatorState records the state handed to plugins each tick, so
// probes see takeover/relinquish transitions and can mute themselves.
func (e *Engine) SetCoordinatorState(cs types.CoordinatorState) {
	e.mu.Lock()
	e.coordState = cs
	e.mu.Unlock()
}

// SetRebooter wires the suicide path's hard reset — the daemon points
// this at the fence driver aimed at this host's own management
// controller, never at a process exit.
func (e *Engine) SetRebooter(reboot func()) {
	e.mu.Lock()
	e.reboot = reboot
	e.mu.Unlock()
}

// Run blocks, ticking until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			e.tick(ctx)
			elapsed := time.Since(start)
			metrics.KeepaliveTickDuration.Observe(elapsed.Seconds())
			if elapsed > e.cfg.Interval {
				metrics.KeepaliveLateTotal.Inc()
				log.Warn(fmt.Sprintf("keepalive tick took %s, longer than the %s interval", elapsed, e.cfg.Interval))
			}
			e.bus.Publish(&events.Event{Type: events.KeepaliveTick})
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !e.kv.Available() {
		return
	}

	results := e.runPlugins(ctx)
	if err := e.publishSelf(results); err != nil {
		e.missedSelf++
		log.Errorf("keepalive publish failed", err)
	} else {
		e.missedSelf = 0
		e.lastSelfWriteOK = time.Now()
	}

	e.evaluatePeers()
	e.checkSuicide()
}

// runPlugins launches every plugin in its own worker and collects what
// finished within the shared deadline. A plugin that overruns is
// recorded as timed_out and its contribution dropped;
// the straggler goroutine is abandoned to the cancelled context.
func (e *Engine) runPlugins(ctx context.Context) []types.PluginResult {
	plugins := e.plugins()
	if len(plugins) == 0 {
		return nil
	}

	e.mu.RLock()
	cs := e.coordState
	e.mu.RUnlock()

	deadlineCtx, cancel := context.WithTimeout(ctx, e.cfg.PluginDeadline)
	defer cancel()

	done := make([]chan types.PluginResult, len(plugins))
	for i, p := range plugins {
		done[i] = make(chan types.PluginResult, 1)
		go func(p Plugin, out chan types.PluginResult) {
			out <- p.Run(deadlineCtx, cs)
		}(p, done[i])
	}

	results := make([]types.PluginResult, 0, len(plugins))
	for i, p := range plugins {
		select {
		case r := <-done[i]:
			results = append(results, r)
		case <-deadlineCtx.Done():
			results = append(results, types.PluginResult{Name: p.Name(), TimedOut: true, Message: "plugin deadline exceeded"})
		}
	}
	return results
}

func (e *Engine) publishSelf(results []types.PluginResult) error {
	delta := 0
	for _, r := range results {
		delta += r.Delta
	}

	rec, err := e.kv.Get("nodes/" + e.cfg.Self)
	if err != nil {
		return err
	}
	var n types.Node
	if err := json.Unmarshal(rec.Value, &n); err != nil {
		return err
	}

	n.KeepaliveTS = time.Now().UnixMilli()
	n.Load = e.sampler.Load()
	n.MemTotal = e.sampler.MemTotal()
	n.MemUsed = e.sampler.MemUsed()
	n.MemAllocated = e.sampler.MemAllocated()
	n.VCPUsAllocated = e.sampler.VCPUsAllocated()
	n.VMCount = e.sampler.VMCount()
	n.HealthDelta = delta
	n.PluginResults = results

	metrics.NodeHealth.WithLabelValues(e.cfg.Self).Set(float64(n.Healthy()))

	return e.kv.CAS("nodes/"+e.cfg.Self, rec.Version, &n)
}

func (e *Engine) evaluatePeers() {
	recs, err := e.kv.List("nodes")
	if err != nil {
		log.Errorf("keepalive: list nodes failed", err)
		return
	}

	now := time.Now()
	var names []string
	byName := map[string]*types.Node{}
	for _, rec := range recs {
		var n types.Node
		if err := json.Unmarshal(rec.Value, &n); err != nil {
			continue
		}
		if n.Name == e.cfg.Self {
			continue
		}
		names = append(names, n.Name)
		byName[n.Name] = &n
	}
	sort.Strings(names)

	suspectThreshold := e.cfg.Interval * time.Duration(e.cfg.FenceIntervals)
	deadThreshold := e.cfg.Interval * time.Duration(e.cfg.FenceIntervals+deadGraceTicks)

	for _, name := range names {
		n := byName[name]
		if e.lastTS[name] != n.KeepaliveTS {
			e.lastTS[name] = n.KeepaliveTS
			e.observedAt[name] = now
		}
		age := now.Sub(e.observedAt[name])

		if age > suspectThreshold && n.DaemonState == types.DaemonRun {
			if !e.suspect[name] {
				e.suspect[name] = true
				log.Warn(fmt.Sprintf("node %s is suspect: no keepalive observed for %s", name, age))
			}
		}

		if age > deadThreshold && !e.confirmed[name] {
			e.confirmed[name] = true
			log.Warn(fmt.Sprintf("node %s confirmed dead: no keepalive observed for %s", name, age))
			e.mu.RLock()
			f := e.fencer
			e.mu.RUnlock()
			if f != nil {
				f.HandleDead(name)
			}
		}

		if age <= suspectThreshold {
			e.suspect[name] = false
			e.confirmed[name] = false
		}
	}
}

// checkSuicide: if this node's own publishes have
// failed for more than suicide_intervals consecutive ticks, it force-
// reboots via the management controller rather than risk being a live
// split-brain peer the rest of the cluster has already fenced.
func (e *Engine) checkSuicide() {
	if e.cfg.SuicideIntervals <= 0 {
		return
	}
	if e.missedSelf <= e.cfg.SuicideIntervals {
		return
	}

	e.mu.RLock()
	reboot := e.reboot
	e.mu.RUnlock()

	metrics.SuicidesTotal.Inc()
	log.Errorf("self-suicide triggered", fmt.Errorf("missed %d consecutive keepalive publishes", e.missedSelf))
	reboot()
}

// refuseBlindReboot is the default rebooter until SetRebooter wires the
// real management-controller reset; suicide must never fall back to a
// bare process exit or an unconfirmed OS reboot.
func refuseBlindReboot() {
	log.Errorf("no management controller wired; refusing to exec a blind reboot", fmt.Errorf("reboot requested"))
	_ = runtime.GOOS
}

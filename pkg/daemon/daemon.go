// Package daemon assembles the cluster coordination core into the one
// long-lived process each node runs: config, KV access, node state
// machine, keepalive engine, controllers, and the primary-coordinator
// role, each on its own worker.
package daemon

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/cluster"
	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	pvcerrors "github.com/parallelvirtualcluster/pvc/pkg/errors"
	"github.com/parallelvirtualcluster/pvc/pkg/events"
	"github.com/parallelvirtualcluster/pvc/pkg/fence"
	"github.com/parallelvirtualcluster/pvc/pkg/health"
	"github.com/parallelvirtualcluster/pvc/pkg/keepalive"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/network"
	"github.com/parallelvirtualcluster/pvc/pkg/node"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
	"github.com/parallelvirtualcluster/pvc/pkg/vm"
	"github.com/parallelvirtualcluster/pvc/pkg/volume"
)

// StartMode selects how a coordinator enters the consensus group.
type StartMode int

const (
	// ModeStart resumes from existing on-disk Raft state.
	ModeStart StartMode = iota
	// ModeBootstrap initializes a brand-new single-voter cluster.
	ModeBootstrap
	// ModeJoin joins an existing cluster through JoinAddr.
	ModeJoin
)

// Options carries the per-invocation knobs the CLI resolves.
type Options struct {
	Mode     StartMode
	JoinAddr string
	Token    string

	// Drivers may be preset by tests; production wiring fills them from
	// the host when nil.
	Hypervisor vm.Driver
	Storage    volume.Driver
	Fence      fence.Driver
	Network    network.Driver
}

// Daemon is one node's coordination core.
type Daemon struct {
	cfg    *config.Document
	opts   Options
	logger zerolog.Logger

	bus     *events.Broker
	clu     *cluster.Cluster // nil for hypervisor-role nodes
	kv      kv.Client
	machine *node.Machine
	host    *health.Host
	engine  *keepalive.Engine
	vols    *volume.Controller
	vms     *vm.Controller
	nets    *network.Controller
	role    *coordinator.Role // nil for hypervisor-role nodes
	tasks   *dispatcher
	session kv.Session
}

// New wires a daemon from its config document. Construction failures
// are fatal: the process should exit non-zero.
func New(cfg *config.Document, opts Options) (*Daemon, error) {
	d := &Daemon{cfg: cfg, opts: opts, logger: log.WithComponent("daemon")}
	d.bus = events.NewBroker()

	if err := d.wireDrivers(); err != nil {
		return nil, pvcerrors.New(pvcerrors.Fatal, "daemon", err)
	}

	if cfg.Role == types.RoleCoordinator {
		clu, err := cluster.New(cluster.Config{
			NodeID:       cfg.Node,
			RaftAddr:     cfg.RaftAddr,
			DataDir:      cfg.DataDir,
			ControlAddrs: cfg.Cluster.Coordinators,
		}, d.bus)
		if err != nil {
			return nil, pvcerrors.New(pvcerrors.Fatal, "daemon", err)
		}
		d.clu = clu
		d.kv = kv.NewLocal(clu, d.bus)
	} else {
		d.kv = kv.NewRemote(cfg.Cluster.Coordinators)
	}

	host, err := health.NewHost(cfg.PluginDir, cfg.Plugins)
	if err != nil {
		return nil, pvcerrors.New(pvcerrors.Fatal, "daemon", err)
	}
	d.host = host

	d.machine = node.New(cfg.Node, d.kv, d.bus)
	d.vols = volume.New(cfg.Node, d.kv, d.bus, d.opts.Storage)

	keepaliveCfg := keepalive.Config{
		Self:             cfg.Node,
		Interval:         time.Duration(cfg.Timers.KeepaliveInterval) * time.Second,
		FenceIntervals:   cfg.Fencing.FenceIntervals,
		SuicideIntervals: cfg.Fencing.SuicideIntervals,
		PluginDeadline:   2 * time.Second,
	}
	sampler := vm.NewProcSampler(cfg.Node, d.kv)
	d.engine = keepalive.New(keepaliveCfg, d.kv, d.bus, sampler, func() []keepalive.Plugin {
		ps := host.Plugins()
		out := make([]keepalive.Plugin, len(ps))
		for i, p := range ps {
			out[i] = p
		}
		return out
	})

	// Suicide is a confirmed power reset through this host's own
	// management controller, the same driver the fencer uses on peers.
	d.engine.SetRebooter(func() {
		if err := d.opts.Fence.Fence(cfg.Node); err != nil {
			d.logger.Error().Err(err).Msg("self-reset via management controller failed")
		}
	})

	d.vms = vm.New(vm.Config{
		Self:            cfg.Node,
		ShutdownTimeout: time.Duration(cfg.Timers.VMShutdownTimeout) * time.Second,
		ConsoleLogLines: cfg.Timers.ConsoleLogLines,
		DefaultSelector: cfg.Migration.TargetSelector,
	}, d.kv, d.bus, d.opts.Hypervisor, d.vols, d.machine)

	d.nets = network.New(d.kv, d.bus, d.opts.Network, cfg.Cluster.Networks.Cluster.Device, "")

	if cfg.Role == types.RoleCoordinator {
		fencer := fence.New(d.kv, d.opts.Fence, cfg.Fencing)
		d.role = coordinator.New(cfg, d.kv, d.bus, d.machine, d.engine, fencer, d.nets, d.opts.Network)
	}

	d.tasks = newDispatcher(cfg.Node, d.kv, d.bus, d.machine, cfg.Migration.TargetSelector)

	return d, nil
}

func (d *Daemon) wireDrivers() error {
	var err error
	if d.opts.Hypervisor == nil {
		d.opts.Hypervisor, err = vm.NewLibvirtDriver("", "")
		if err != nil {
			return fmt.Errorf("hypervisor driver: %w", err)
		}
	}
	if d.opts.Storage == nil {
		d.opts.Storage, err = volume.NewLocalDriver(filepath.Join(d.cfg.DataDir, "storage"))
		if err != nil {
			return fmt.Errorf("storage driver: %w", err)
		}
	}
	if d.opts.Fence == nil {
		d.opts.Fence = fence.NewIPMIDriver(d.cfg.Fencing.IPMI)
	}
	if d.opts.Network == nil {
		d.opts.Network = network.NewLinuxDriver()
	}
	return nil
}

// Run starts every worker, advances the node stop->init->run, and
// blocks until ctx is cancelled, then tears down in reverse order.
// The returned error is nil on a graceful stop.
func (d *Daemon) Run(ctx context.Context) error {
	metrics.SetVersion("pvc")
	d.bus.Start()
	defer d.bus.Stop()

	if d.clu != nil {
		if err := d.startCluster(); err != nil {
			return pvcerrors.New(pvcerrors.Fatal, "daemon", err)
		}
		defer func() {
			if err := d.clu.Shutdown(); err != nil {
				d.logger.Warn().Err(err).Msg("cluster shutdown failed")
			}
		}()

		local := d.kv.(*kv.Local)
		go func() {
			if err := kv.ListenAndServe(d.cfg.BindAddr, kv.NewServer(local, d.clu)); err != nil {
				d.logger.Error().Err(err).Msg("control-plane server exited")
			}
		}()
	}

	if err := d.waitKV(ctx); err != nil {
		return err
	}

	if err := d.host.Setup(ctx); err != nil {
		return pvcerrors.New(pvcerrors.Fatal, "daemon", err)
	}
	defer d.host.Cleanup(context.Background())

	clusterAddr := hostOf(d.cfg.Cluster.Networks.Cluster.Address)
	if err := d.machine.Init(d.cfg.Role, clusterAddr); err != nil {
		return pvcerrors.New(pvcerrors.Fatal, "daemon", err)
	}
	metrics.SetSubsystem("kv", true, "connected")
	metrics.SetSubsystem("keepalive", true, "running")

	// The session's loss is the definitive membership signal; for a
	// coordinator its lifetime is tied to this process.
	if s, err := d.kv.Session(3 * time.Duration(d.cfg.Timers.KeepaliveInterval) * time.Second); err == nil {
		d.session = s
		defer s.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(runCtx)
			d.logger.Debug().Str("worker", name).Msg("worker stopped")
		}()
	}

	start("health", func(ctx context.Context) {
		if err := d.host.Run(ctx); err != nil {
			d.logger.Error().Err(err).Msg("plugin host exited")
		}
	})
	start("keepalive", d.engine.Run)
	start("volumes", d.vols.Run)
	start("vms", d.vms.Run)
	start("networks", d.nets.Run)
	start("tasks", d.tasks.Run)
	start("collector", func(ctx context.Context) { runCollector(ctx, d.kv, d.clu) })
	if d.clu == nil {
		// Coordinators get change events straight from the FSM; a
		// hypervisor-role node pumps them off the coordinator's watch
		// stream instead.
		start("watch-pump", d.runWatchPump)
	}
	if d.role != nil {
		start("coordinator", func(ctx context.Context) {
			if err := d.role.Run(ctx); err != nil {
				d.logger.Error().Err(err).Msg("coordinator role exited")
			}
		})
	}

	if err := d.machine.Run(); err != nil {
		d.logger.Error().Err(err).Msg("node run transition failed")
	}
	d.logger.Info().Str("node", d.cfg.Node).Str("role", string(d.cfg.Role)).Msg("node daemon running")

	<-ctx.Done()
	d.logger.Info().Msg("shutting down")
	cancel()
	wg.Wait()
	return nil
}

func (d *Daemon) startCluster() error {
	switch d.opts.Mode {
	case ModeBootstrap:
		return d.clu.Bootstrap()
	case ModeJoin:
		return d.clu.Join(d.opts.JoinAddr, d.opts.Token)
	default:
		return d.clu.Start()
	}
}

// waitKV blocks until the KV layer can take writes — for a coordinator
// that means a Raft leader exists somewhere — bounded so a dead cluster
// surfaces as a fatal startup error instead of a silent hang.
func (d *Daemon) waitKV(ctx context.Context) error {
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		ready := false
		if d.clu != nil {
			ready = d.clu.LeaderAddr() != ""
		} else {
			_, err := d.kv.List("nodes")
			ready = err == nil
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return pvcerrors.Fatalf("daemon", "kv store unreachable at startup")
}

// runWatchPump republishes remote watch notifications onto the local
// event broker so controllers react between keepalive ticks. A dropped
// stream is re-established after a beat; controllers re-derive state on
// the next tick regardless.
func (d *Daemon) runWatchPump(ctx context.Context) {
	prefixes := map[string]events.Type{
		"nodes":    events.NodeChanged,
		"domains":  events.VMChanged,
		"networks": events.NetworkChanged,
		"storage":  events.StorageChanged,
		"tasks":    events.TaskChanged,
	}

	var wg sync.WaitGroup
	for prefix, evType := range prefixes {
		wg.Add(1)
		go func(prefix string, evType events.Type) {
			defer wg.Done()
			for {
				ch, err := d.kv.Watch(ctx, prefix, true)
				if err == nil {
					for ev := range ch {
						key := strings.TrimPrefix(ev.Record.Path, prefix+"/")
						d.bus.Publish(&events.Event{Type: evType, Key: key})
					}
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}(prefix, evType)
	}
	wg.Wait()
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if ip, _, err := net.ParseCIDR(addr); err == nil {
		return ip.String()
	}
	return addr
}

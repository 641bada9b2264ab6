// Package health hosts the pluggable node probes: each
// plugin exposes Setup/Run/Cleanup, is invoked every keepalive inside a
// bounded-time worker, and contributes a non-negative delta to the
// node's health_delta. Plugins come from the config document (builtin
// http/tcp probes, declared exec probes) and from a watched plugin
// directory whose executables register on drop-in.
package health

import (
	"context"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Plugin is the probe ABI: three contract points, invoked by the
// keepalive engine in a bounded-time worker each tick. Run receives the
// node's current coordinator_state so probes can suppress alarms during
// a primary handover (a transiently-paused gateway service is expected
// then, not a fault).
type Plugin interface {
	Name() string
	Setup(ctx context.Context) error
	Run(ctx context.Context, coordinatorState types.CoordinatorState) types.PluginResult
	Cleanup(ctx context.Context) error
}

// Host owns the enabled plugin set: the plugins declared in the config
// document plus any executable dropped into the plugin directory, which
// is watched so probes can be added or removed without a daemon restart.
type Host struct {
	logger    zerolog.Logger
	pluginDir string

	mu         sync.RWMutex
	configured []Plugin          // from the config document, fixed for the process lifetime
	discovered map[string]Plugin // from the plugin directory, keyed by path
}

// NewHost builds the plugin set from the config document. Directory
// discovery starts when Run is called.
func NewHost(pluginDir string, declared []config.PluginConfig) (*Host, error) {
	h := &Host{
		logger:     log.WithComponent("health"),
		pluginDir:  pluginDir,
		discovered: map[string]Plugin{},
	}

	for _, pc := range declared {
		p, err := fromConfig(pc)
		if err != nil {
			return nil, err
		}
		h.configured = append(h.configured, p)
	}

	return h, nil
}

// fromConfig builds a plugin from one declared config entry. An entry
// with a path is an exec probe; otherwise the options map names a
// builtin probe type.
func fromConfig(pc config.PluginConfig) (Plugin, error) {
	if pc.Path != "" {
		return newExecPlugin(pc)
	}
	return newBuiltinPlugin(pc)
}

// Setup runs every plugin's Setup hook once at daemon start.
func (h *Host) Setup(ctx context.Context) error {
	for _, p := range h.Plugins() {
		if err := p.Setup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup runs every plugin's Cleanup hook at daemon stop.
func (h *Host) Cleanup(ctx context.Context) {
	for _, p := range h.Plugins() {
		if err := p.Cleanup(ctx); err != nil {
			h.logger.Warn().Err(err).Str("plugin", p.Name()).Msg("plugin cleanup failed")
		}
	}
}

// Plugins snapshots the current plugin set, configured entries first,
// discovered entries in path order.
func (h *Host) Plugins() []Plugin {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Plugin, 0, len(h.configured)+len(h.discovered))
	out = append(out, h.configured...)

	paths := make([]string, 0, len(h.discovered))
	for p := range h.discovered {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		out = append(out, h.discovered[p])
	}
	return out
}

// Run watches the plugin directory until ctx is cancelled. A create or
// chmod of an executable file registers it; a remove or rename drops it.
func (h *Host) Run(ctx context.Context) error {
	if h.pluginDir == "" {
		<-ctx.Done()
		return nil
	}

	if err := h.scanDir(); err != nil {
		h.logger.Warn().Err(err).Str("dir", h.pluginDir).Msg("initial plugin directory scan failed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(h.pluginDir); err != nil {
		return err
	}
	h.logger.Info().Str("dir", h.pluginDir).Msg("watching plugin directory")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
				h.addPath(ev.Name)
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				h.removePath(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn().Err(err).Msg("plugin directory watch error")
		}
	}
}

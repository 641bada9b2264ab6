package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// ExecPlugin runs an external probe process. The contract: the process
// receives the node's coordinator_state in PVC_COORDINATOR_STATE, must
// exit within the deadline, and prints a JSON PluginResult on stdout.
// A probe that exits non-zero without parseable output is charged
// failDelta so a crashing probe still degrades the node's health score
// instead of silently reporting clean.
type ExecPlugin struct {
	name      string
	path      string
	args      []string
	failDelta int
}

type execOptions struct {
	Args      []string `mapstructure:"args"`
	FailDelta int      `mapstructure:"fail_delta"`
}

func newExecPlugin(pc config.PluginConfig) (*ExecPlugin, error) {
	var opts execOptions
	if err := config.DecodePlugin(pc, &opts); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
	}
	if opts.FailDelta == 0 {
		opts.FailDelta = 10
	}
	name := pc.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(pc.Path), filepath.Ext(pc.Path))
	}
	return &ExecPlugin{name: name, path: pc.Path, args: opts.Args, failDelta: opts.FailDelta}, nil
}

func (p *ExecPlugin) Name() string { return p.name }

func (p *ExecPlugin) Setup(ctx context.Context) error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", p.name, err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("plugin %s: %s is not executable", p.name, p.path)
	}
	return nil
}

func (p *ExecPlugin) Run(ctx context.Context, coordinatorState types.CoordinatorState) types.PluginResult {
	cmd := exec.CommandContext(ctx, p.path, p.args...)
	cmd.Env = append(os.Environ(), "PVC_COORDINATOR_STATE="+string(coordinatorState))

	// Never inherit the daemon's descriptors beyond the pipes we read.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var result types.PluginResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err == nil && result.Name != "" {
		if result.Delta < 0 {
			result.Delta = 0
		}
		return result
	}

	if runErr != nil {
		msg := runErr.Error()
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(stderr.String()))
		}
		return types.PluginResult{Name: p.name, Delta: p.failDelta, Message: msg}
	}
	return types.PluginResult{Name: p.name, Message: strings.TrimSpace(stdout.String())}
}

func (p *ExecPlugin) Cleanup(ctx context.Context) error { return nil }

// scanDir registers every executable currently in the plugin directory.
func (h *Host) scanDir() error {
	entries, err := os.ReadDir(h.pluginDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		h.addPath(filepath.Join(h.pluginDir, e.Name()))
	}
	return nil
}

func (h *Host) addPath(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
		return
	}

	p, err := newExecPlugin(config.PluginConfig{Path: path})
	if err != nil {
		h.logger.Warn().Err(err).Str("path", path).Msg("skipping plugin")
		return
	}

	h.mu.Lock()
	_, known := h.discovered[path]
	h.discovered[path] = p
	h.mu.Unlock()

	if !known {
		h.logger.Info().Str("plugin", p.Name()).Str("path", path).Msg("plugin registered")
	}
}

func (h *Host) removePath(path string) {
	h.mu.Lock()
	p, known := h.discovered[path]
	delete(h.discovered, path)
	h.mu.Unlock()

	if known {
		h.logger.Info().Str("plugin", p.Name()).Str("path", path).Msg("plugin removed")
	}
}

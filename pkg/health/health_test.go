package health

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestExecPluginParsesJSONResult(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "disk-probe",
		`echo '{"name":"disk-probe","delta":15,"message":"raid degraded"}'`)

	p, err := newExecPlugin(config.PluginConfig{Name: "disk-probe", Path: path})
	require.NoError(t, err)
	require.NoError(t, p.Setup(context.Background()))

	r := p.Run(context.Background(), types.CoordinatorSecondary)
	assert.Equal(t, 15, r.Delta)
	assert.Equal(t, "raid degraded", r.Message)
	assert.False(t, r.TimedOut)
}

func TestExecPluginChargesFailDeltaOnCrash(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "flaky", `echo "boom" >&2; exit 3`)

	p, err := newExecPlugin(config.PluginConfig{
		Name: "flaky", Path: path,
		Options: map[string]any{"fail_delta": 30},
	})
	require.NoError(t, err)

	r := p.Run(context.Background(), types.CoordinatorNone)
	assert.Equal(t, 30, r.Delta)
	assert.Contains(t, r.Message, "boom")
}

func TestExecPluginSetupRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a probe"), 0644))

	p, err := newExecPlugin(config.PluginConfig{Name: "data", Path: path})
	require.NoError(t, err)
	assert.Error(t, p.Setup(context.Background()))
}

func TestExecPluginReceivesCoordinatorState(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "state-echo",
		`echo "{\"name\":\"state-echo\",\"delta\":0,\"message\":\"$PVC_COORDINATOR_STATE\"}"`)

	p, err := newExecPlugin(config.PluginConfig{Name: "state-echo", Path: path})
	require.NoError(t, err)

	r := p.Run(context.Background(), types.CoordinatorTakeover)
	assert.Equal(t, string(types.CoordinatorTakeover), r.Message)
}

func TestTCPPluginProbes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p, err := newBuiltinPlugin(config.PluginConfig{
		Name:    "listener",
		Options: map[string]any{"type": "tcp", "address": ln.Addr().String(), "delta": 20},
	})
	require.NoError(t, err)

	r := p.Run(context.Background(), types.CoordinatorNone)
	assert.Zero(t, r.Delta)

	// A closed port charges the configured delta.
	ln.Close()
	r = p.Run(context.Background(), types.CoordinatorNone)
	assert.Equal(t, 20, r.Delta)
}

func TestBuiltinSkipsDuringHandover(t *testing.T) {
	p, err := newBuiltinPlugin(config.PluginConfig{
		Name: "pg",
		Options: map[string]any{
			"type": "tcp", "address": "127.0.0.1:1", "delta": 50, "skip_on_handover": true,
		},
	})
	require.NoError(t, err)

	r := p.Run(context.Background(), types.CoordinatorRelinquish)
	assert.Zero(t, r.Delta, "a paused gateway service is expected mid-handover")

	r = p.Run(context.Background(), types.CoordinatorSecondary)
	assert.Equal(t, 50, r.Delta)
}

func TestBuiltinUnknownTypeRejected(t *testing.T) {
	_, err := newBuiltinPlugin(config.PluginConfig{
		Name:    "bad",
		Options: map[string]any{"type": "icmp"},
	})
	assert.Error(t, err)
}

func TestHostDiscoversDirectoryPlugins(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "b-probe", `echo '{"name":"b","delta":0,"message":"ok"}'`)
	writeScript(t, dir, "a-probe", `echo '{"name":"a","delta":0,"message":"ok"}'`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("docs"), 0644))

	h, err := NewHost(dir, nil)
	require.NoError(t, err)
	require.NoError(t, h.scanDir())

	plugins := h.Plugins()
	require.Len(t, plugins, 2, "non-executables are not probes")
	assert.Equal(t, "a-probe", plugins[0].Name())
	assert.Equal(t, "b-probe", plugins[1].Name())

	h.removePath(filepath.Join(dir, "a-probe"))
	assert.Len(t, h.Plugins(), 1)
}

func TestHostConfiguredPluginsFirst(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "z-dir-probe", `echo '{"name":"z","delta":0}'`)
	exe := writeScript(t, dir, "declared", `echo '{"name":"declared","delta":0}'`)

	h, err := NewHost(dir, []config.PluginConfig{{Name: "declared", Path: exe}})
	require.NoError(t, err)

	plugins := h.Plugins()
	require.NotEmpty(t, plugins)
	assert.Equal(t, "declared", plugins[0].Name())
}

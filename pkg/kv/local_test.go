package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathKind(t *testing.T) {
	tests := []struct {
		path     string
		wantKind string
		wantKey  string
	}{
		{"nodes/hv1", "nodes", "hv1"},
		{"domains/6c81f0a2", "domains", "6c81f0a2"},
		{"networks/100", "networks", "100"},
		{"storage/volume/vms/web1_root", "storage/volume", "vms/web1_root"},
		{"storage/osd/osd.3", "storage/osd", "osd.3"},
		{"storage/pool/vms", "storage/pool", "vms"},
		{"storage/snapshot/snap1", "storage/snapshot", "snap1"},
		{"tasks/t1", "tasks", "t1"},
		{"nodes", "nodes", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			kind, key := pathKind(tt.path)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestEventKindMapping(t *testing.T) {
	assert.Equal(t, "nodes", eventKind("node.changed"))
	assert.Equal(t, "domains", eventKind("vm.changed"))
	assert.Equal(t, "storage", eventKind("storage.changed"))
	assert.Empty(t, eventKind("timer.keepalive"))
}

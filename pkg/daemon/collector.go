package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/cluster"
	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/metrics"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// runCollector periodically re-derives the cluster-shape gauges from
// the KV tables and, on coordinators, Raft's own stats.
func runCollector(ctx context.Context, client kv.Client, clu *cluster.Cluster) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	collect(client, clu)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collect(client, clu)
		}
	}
}

func collect(client kv.Client, clu *cluster.Cluster) {
	if !client.Available() {
		return
	}

	if recs, err := client.List("nodes"); err == nil {
		counts := map[[2]string]int{}
		for _, rec := range recs {
			var n types.Node
			if err := json.Unmarshal(rec.Value, &n); err != nil {
				continue
			}
			counts[[2]string{string(n.Role), string(n.DaemonState)}]++
		}
		for key, count := range counts {
			metrics.NodesTotal.WithLabelValues(key[0], key[1]).Set(float64(count))
		}
	}

	if recs, err := client.List("domains"); err == nil {
		counts := map[string]int{}
		for _, rec := range recs {
			var v types.VM
			if err := json.Unmarshal(rec.Value, &v); err != nil {
				continue
			}
			counts[string(v.State)]++
		}
		for state, count := range counts {
			metrics.VMsTotal.WithLabelValues(state).Set(float64(count))
		}
	}

	if recs, err := client.List("storage/volume"); err == nil {
		metrics.StorageVolumesTotal.Set(float64(len(recs)))
	}

	if clu != nil {
		stats := clu.Stats()
		if stats == nil {
			return
		}
		if v, ok := stats["last_log_index"].(uint64); ok {
			metrics.RaftLogIndex.Set(float64(v))
		}
		if v, ok := stats["applied_index"].(uint64); ok {
			metrics.RaftAppliedIndex.Set(float64(v))
		}
		if v, ok := stats["peers"].(int); ok {
			metrics.RaftPeers.Set(float64(v))
		}
	}
}

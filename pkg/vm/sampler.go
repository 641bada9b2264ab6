package vm

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// ProcSampler implements the keepalive engine's Sampler: host load and
// memory from /proc, allocation figures from the domains this node owns.
type ProcSampler struct {
	self string
	kv   kv.Client
}

// NewProcSampler creates a sampler for the local node.
func NewProcSampler(self string, client kv.Client) *ProcSampler {
	return &ProcSampler{self: self, kv: client}
}

func (s *ProcSampler) Load() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, _ := strconv.ParseFloat(fields[0], 64)
	return load
}

// meminfo returns MemTotal and MemAvailable in MiB.
func meminfo() (total, available int64) {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb / 1024
		case "MemAvailable:":
			available = kb / 1024
		}
	}
	return total, available
}

func (s *ProcSampler) MemTotal() int64 {
	total, _ := meminfo()
	return total
}

func (s *ProcSampler) MemUsed() int64 {
	total, available := meminfo()
	return total - available
}

// owned returns the VM records currently assigned to this node with
// desired state start.
func (s *ProcSampler) owned() []types.VM {
	recs, err := s.kv.List("domains")
	if err != nil {
		return nil
	}
	var out []types.VM
	for _, rec := range recs {
		var v types.VM
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			continue
		}
		if v.Node == s.self && v.State == types.VMStart {
			out = append(out, v)
		}
	}
	return out
}

func (s *ProcSampler) MemAllocated() int64 {
	var sum int64
	for _, v := range s.owned() {
		sum += DefinitionMemoryMiB(v.Definition)
	}
	return sum
}

func (s *ProcSampler) VCPUsAllocated() int {
	var sum int
	for _, v := range s.owned() {
		sum += DefinitionVCPUs(v.Definition)
	}
	return sum
}

func (s *ProcSampler) VMCount() int {
	return len(s.owned())
}

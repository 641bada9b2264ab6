package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DaemonStatus is the JSON body served on /healthz and /readyz: the
// node daemon's aggregate state plus a per-subsystem breakdown. This is
// process health for the orchestrator itself — a node's cluster health
// percentage lives on its KV record, fed by the health plugins.
type DaemonStatus struct {
	Status     string            `json:"status"` // "healthy" | "unhealthy" | "ready" | "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// subsystemState tracks one daemon worker (kv, keepalive, vm
// controller, ...) as reported by the daemon's own wiring.
type subsystemState struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

type daemonHealth struct {
	mu         sync.RWMutex
	subsystems map[string]subsystemState
	startTime  time.Time
	version    string
}

var health = &daemonHealth{
	subsystems: make(map[string]subsystemState),
	startTime:  time.Now(),
}

// readinessGate names the subsystems that must report healthy before
// the daemon answers ready: without KV access and a ticking keepalive
// the node cannot participate in the cluster at all.
var readinessGate = []string{"kv", "keepalive"}

// SetVersion sets the build version echoed in health responses.
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetSubsystem records a daemon subsystem's state; called at startup
// and whenever a worker's condition changes.
func SetSubsystem(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()

	health.subsystems[name] = subsystemState{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// DaemonHealth aggregates every registered subsystem: one unhealthy
// worker marks the whole daemon unhealthy.
func DaemonHealth() DaemonStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "healthy"
	subsystems := make(map[string]string)

	for name, sub := range health.subsystems {
		if !sub.Healthy {
			status = "unhealthy"
			subsystems[name] = "unhealthy: " + sub.Message
		} else {
			subsystems[name] = "healthy"
		}
	}

	return DaemonStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Subsystems: subsystems,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
		StartTime:  health.startTime,
	}
}

// DaemonReadiness checks only the readiness gate, so a degraded probe
// host or a mid-convergence controller does not pull the node out of
// rotation.
func DaemonReadiness() DaemonStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "ready"
	message := ""
	subsystems := make(map[string]string)

	for _, name := range readinessGate {
		sub, registered := health.subsystems[name]
		switch {
		case !registered:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			subsystems[name] = "not registered"
		case !sub.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			subsystems[name] = "not ready: " + sub.Message
		default:
			subsystems[name] = "ready"
		}
	}

	return DaemonStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Subsystems: subsystems,
		Message:    message,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
		StartTime:  health.startTime,
	}
}

// HealthHandler serves /healthz.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := DaemonHealth()

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if status.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// ReadyHandler serves /readyz.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := DaemonReadiness()

		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if status.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// LivenessHandler serves /livez: a bare process-is-up answer.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.startTime).String(),
		})
	}
}

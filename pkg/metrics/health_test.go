package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	health = &daemonHealth{
		subsystems: make(map[string]subsystemState),
		startTime:  time.Now(),
		version:    version,
	}
}

func TestSetSubsystem(t *testing.T) {
	resetHealth("")

	SetSubsystem("keepalive", true, "running")
	require.Len(t, health.subsystems, 1)

	sub := health.subsystems["keepalive"]
	assert.True(t, sub.Healthy)
	assert.Equal(t, "running", sub.Message)

	// Re-reporting overwrites in place.
	SetSubsystem("keepalive", false, "publish failing")
	require.Len(t, health.subsystems, 1)
	assert.False(t, health.subsystems["keepalive"].Healthy)
}

func TestDaemonHealthAggregation(t *testing.T) {
	resetHealth("1.0.0")
	SetSubsystem("kv", true, "connected")
	SetSubsystem("keepalive", true, "running")

	status := DaemonHealth()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Equal(t, "healthy", status.Subsystems["kv"])

	// One sick worker marks the whole daemon unhealthy.
	SetSubsystem("kv", false, "quorum lost")
	status = DaemonHealth()
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Subsystems["kv"], "quorum lost")
}

func TestDaemonReadinessGate(t *testing.T) {
	resetHealth("")

	// Nothing registered: the node must not answer ready.
	status := DaemonReadiness()
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Message, "initialization")

	SetSubsystem("kv", true, "connected")
	SetSubsystem("keepalive", true, "running")
	status = DaemonReadiness()
	assert.Equal(t, "ready", status.Status)

	// A degraded non-gate subsystem does not pull the node from rotation.
	SetSubsystem("networks", false, "uplink flap")
	assert.Equal(t, "ready", DaemonReadiness().Status)

	// A gate subsystem failing does.
	SetSubsystem("kv", false, "quorum lost")
	status = DaemonReadiness()
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Subsystems["kv"], "quorum lost")
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth("")
	SetSubsystem("kv", true, "connected")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body DaemonStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)

	SetSubsystem("kv", false, "quorum lost")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetHealth("")

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	SetSubsystem("kv", true, "connected")
	SetSubsystem("keepalive", true, "running")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetHealth("")
	SetSubsystem("kv", false, "quorum lost")

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}
